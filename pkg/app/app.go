// Package app wires the components into one Application value constructed
// at startup and passed by reference; nothing here is a process-wide
// singleton except the logger.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kapowarr/kapowarr/pkg/catalog"
	"github.com/kapowarr/kapowarr/pkg/download"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/library"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/search"
	"github.com/kapowarr/kapowarr/pkg/session"
	"github.com/kapowarr/kapowarr/pkg/settings"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/tasks"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// Config is the bootstrap configuration read before the store exists.
type Config struct {
	DataFolder    string `yaml:"data_folder"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	URLBase       string `yaml:"url_base"`
	SolverBaseURL string `yaml:"solver_base_url"`
}

// Application holds every long-lived component of the service.
type Application struct {
	Config   Config
	Store    *store.Store
	Settings *settings.Service
	Events   *events.Broker
	Cache    *catalog.Cache
	Session  *session.Session
	Pipeline *files.Pipeline
	Library  *library.Service
	Search   *search.Aggregator
	Download *download.Orchestrator
	Tasks    *tasks.Orchestrator
	Planner  *tasks.Planner

	logger zerolog.Logger
}

// New constructs the application.
func New(ctx context.Context, cfg Config) (*Application, error) {
	if cfg.Port == 0 {
		cfg.Port = 5656
	}
	if cfg.DataFolder == "" {
		cfg.DataFolder = "data"
	}

	st, err := store.Open(cfg.DataFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	sv, err := settings.Load(ctx, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	cache, err := catalog.OpenCache(cfg.DataFolder)
	if err != nil {
		st.Close()
		return nil, err
	}

	solver := session.NewRemoteSolver(cfg.SolverBaseURL)
	ssn := session.New(session.WithSolver(solver))

	eb := events.NewBroker()

	pipeline, err := files.NewPipeline(st, sv, eb)
	if err != nil {
		st.Close()
		cache.Close()
		return nil, err
	}

	app := &Application{
		Config:   cfg,
		Store:    st,
		Settings: sv,
		Events:   eb,
		Cache:    cache,
		Session:  ssn,
		Pipeline: pipeline,
		logger:   log.WithComponent("app"),
	}

	app.Library = library.NewService(st, sv, eb, &lazyCatalog{app: app}, pipeline)
	app.Search = search.NewAggregator(st, search.RegisterSources(ssn))
	app.Download = download.NewOrchestrator(st, sv, eb, pipeline,
		download.NewDirectClient(ssn), app.DownloadFolder)
	app.Library.SetDownloadChecker(app.Download)

	workers := sv.Get().TaskWorkers
	app.Tasks = tasks.NewOrchestrator(st, eb, workers)
	app.Planner = tasks.NewPlanner(app.Tasks, st)
	app.registerRecurring()

	return app, nil
}

// Start launches the background components.
func (a *Application) Start() {
	a.Events.Start()
	a.Tasks.Start()
	a.Download.Start()
	a.Planner.Start()
	a.logger.Info().Msg("Application started")
}

// Stop shuts the background components down in reverse order.
func (a *Application) Stop() {
	a.Planner.Stop()
	a.Download.Stop()
	a.Tasks.Stop()
	a.Events.Stop()
	a.Cache.Close()
	a.Store.Close()
	a.logger.Info().Msg("Application stopped")
}

// Catalog builds a catalog client from the current settings.
func (a *Application) Catalog() (*catalog.Client, error) {
	key := a.Settings.Get().ComicvineAPIKey
	return catalog.NewClient(key, a.Cache, a.Session)
}

// DownloadFolder resolves the scratch folder to an absolute path.
func (a *Application) DownloadFolder() string {
	folder := a.Settings.Get().DownloadFolder
	if !filepath.IsAbs(folder) {
		folder = filepath.Join(a.Config.DataFolder, folder)
	}
	return folder
}

// lazyCatalog defers client construction until the first use so the service
// can start before an API key is configured.
type lazyCatalog struct {
	app *Application

	mu     sync.Mutex
	client *catalog.Client
	key    string
}

func (lc *lazyCatalog) get() (*catalog.Client, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	key := lc.app.Settings.Get().ComicvineAPIKey
	if lc.client == nil || key != lc.key {
		client, err := catalog.NewClient(key, lc.app.Cache, lc.app.Session)
		if err != nil {
			return nil, err
		}
		lc.client, lc.key = client, key
	}
	return lc.client, nil
}

func (lc *lazyCatalog) SearchVolumes(ctx context.Context, query string) ([]types.VolumeMetadata, error) {
	client, err := lc.get()
	if err != nil {
		return nil, err
	}
	return client.SearchVolumes(ctx, query)
}

func (lc *lazyCatalog) FetchVolume(ctx context.Context, cvID int64) (types.VolumeMetadata, error) {
	client, err := lc.get()
	if err != nil {
		return types.VolumeMetadata{}, err
	}
	return client.FetchVolume(ctx, cvID)
}

func (lc *lazyCatalog) RemoveFromCache(endpoint string, id int64) {
	client, err := lc.get()
	if err != nil {
		return
	}
	client.RemoveFromCache(endpoint, id)
}

// registerRecurring wires the recurring, planner-driven tasks.
func (a *Application) registerRecurring() {
	a.Planner.RegisterRecurring("update_all", 24*time.Hour, func() *tasks.Task {
		return &tasks.Task{
			Action:       "update_all",
			DisplayTitle: "Update all volumes",
			CalledFrom:   "planner",
			Run: func(ctx context.Context, t *tasks.Task) error {
				return a.RefreshAll(ctx, t)
			},
		}
	})
	a.Planner.RegisterRecurring("search_all", 24*time.Hour, func() *tasks.Task {
		return &tasks.Task{
			Action:       "search_all",
			DisplayTitle: "Search all volumes",
			CalledFrom:   "planner",
			Run: func(ctx context.Context, t *tasks.Task) error {
				return a.SearchAll(ctx, t)
			},
		}
	})
}

// RefreshAll refreshes every volume's metadata and rescans its files.
func (a *Application) RefreshAll(ctx context.Context, t *tasks.Task) error {
	volumes, err := a.Store.ListVolumes(ctx)
	if err != nil {
		return err
	}
	for i, volume := range volumes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t != nil {
			t.SetMessage(fmt.Sprintf("Updating %s (%d/%d)", volume.Title, i+1, len(volumes)))
		}
		if err := a.Library.RefreshVolume(ctx, volume.ID); err != nil {
			a.logger.Warn().Err(err).
				Int64("volume_id", volume.ID).
				Msg("Failed to refresh volume")
		}
	}
	return nil
}

// SearchAll auto-searches every monitored volume and queues the chosen
// results for download.
func (a *Application) SearchAll(ctx context.Context, t *tasks.Task) error {
	volumes, err := a.Store.ListVolumes(ctx)
	if err != nil {
		return err
	}
	for i, volume := range volumes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !volume.Monitored {
			continue
		}
		if t != nil {
			t.SetMessage(fmt.Sprintf("Searching %s (%d/%d)", volume.Title, i+1, len(volumes)))
		}
		if err := a.AutoSearchAndDownload(ctx, volume.ID, nil); err != nil {
			a.logger.Warn().Err(err).
				Int64("volume_id", volume.ID).
				Msg("Auto search failed")
		}
	}
	return nil
}

// AutoSearchAndDownload runs an auto search and enqueues the results.
func (a *Application) AutoSearchAndDownload(ctx context.Context, volumeID int64, issueID *int64) error {
	results, err := a.Search.AutoSearch(ctx, volumeID, issueID)
	if err != nil {
		return err
	}
	for _, result := range results {
		if _, err := a.Download.Add(ctx, download.AddRequest{
			Result:   result.SearchResult,
			WebTitle: result.DisplayTitle,
			VolumeID: volumeID,
			IssueID:  issueID,
		}); err != nil {
			a.logger.Warn().Err(err).
				Str("link", result.Link).
				Msg("Failed to queue download")
		}
	}
	return nil
}
