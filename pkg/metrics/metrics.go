package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// Library metrics
	VolumesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapowarr_volumes_total",
			Help: "Total number of volumes in the library",
		},
	)

	IssuesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapowarr_issues_total",
			Help: "Total number of issues in the library",
		},
	)

	FilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapowarr_files_total",
			Help: "Total number of files known to the library",
		},
	)

	// Queue metrics
	QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapowarr_download_queue_size",
			Help: "Number of downloads currently in the queue",
		},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapowarr_downloads_total",
			Help: "Total number of finished downloads by outcome",
		},
		[]string{"outcome"},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapowarr_tasks_total",
			Help: "Total number of executed tasks by action",
		},
		[]string{"action"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapowarr_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(
		VolumesTotal,
		IssuesTotal,
		FilesTotal,
		QueueSize,
		DownloadsTotal,
		TasksTotal,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler exposing the metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
