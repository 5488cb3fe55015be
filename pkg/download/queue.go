package download

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/matching"
	"github.com/kapowarr/kapowarr/pkg/settings"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// pollInterval is the cadence at which active downloads are polled.
const pollInterval = time.Second

// Orchestrator owns the FIFO download queue and drives the client adapters.
type Orchestrator struct {
	store    *store.Store
	settings *settings.Service
	events   *events.Broker
	pipeline *files.Pipeline
	direct   *DirectClient
	scratch  func() string
	logger   zerolog.Logger

	mu      sync.Mutex
	queue   []*types.Download
	clients map[int64]ExternalClient // download id -> adapter
	nextID  int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewOrchestrator creates the download orchestrator. scratch resolves the
// download scratch folder, which is disjoint from every root folder.
func NewOrchestrator(st *store.Store, sv *settings.Service, eb *events.Broker, fp *files.Pipeline, direct *DirectClient, scratch func() string) *Orchestrator {
	return &Orchestrator{
		store:    st,
		settings: sv,
		events:   eb,
		pipeline: fp,
		direct:   direct,
		scratch:  scratch,
		logger:   log.WithComponent("download"),
		clients:  map[int64]ExternalClient{},
		nextID:   1,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the queue loop.
func (o *Orchestrator) Start() {
	go o.run()
}

// Stop stops the queue loop.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

// AddRequest describes a download to enqueue.
type AddRequest struct {
	Result     types.SearchResult
	WebLink    string
	WebTitle   string
	VolumeID   int64
	IssueID    *int64
	ClientID   *int64 // explicit external client; nil picks automatically
	Filename   string
	ForceMatch bool
}

// Add admits a link to the queue. The search-result filter runs against the
// associated volume unless ForceMatch is set; blocklisted links are refused.
func (o *Orchestrator) Add(ctx context.Context, req AddRequest) (*types.Download, error) {
	link := req.Result.Link
	if link == "" {
		return nil, errs.LinkBroken("empty download link")
	}

	blocked, err := o.store.BlocklistContains(ctx, link)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, errs.LinkBroken("link is blocklisted")
	}

	if !req.ForceMatch {
		issues, err := o.store.IssuesForVolume(ctx, req.VolumeID)
		if err != nil {
			return nil, err
		}
		volume, err := o.store.GetVolume(ctx, req.VolumeID)
		if err != nil {
			return nil, err
		}
		numberToYear, err := o.store.NumberToYear(ctx, req.VolumeID)
		if err != nil {
			return nil, err
		}
		var calculated *float64
		if req.IssueID != nil {
			issue, err := o.store.GetIssue(ctx, *req.IssueID)
			if err != nil {
				return nil, err
			}
			n := issue.CalculatedIssueNumber
			calculated = &n
		}
		checked := matching.CheckSearchResult(req.Result, matching.SearchFilterInput{
			Volume:                volume,
			Issues:                issues,
			NumberToYear:          numberToYear,
			CalculatedIssueNumber: calculated,
		})
		if !checked.Match {
			return nil, errs.LinkBroken("link does not match the volume")
		}
	}

	client, clientID, err := o.selectClient(ctx, link, req.ClientID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	download := &types.Download{
		ID:           o.nextID,
		WebLink:      req.WebLink,
		WebTitle:     req.WebTitle,
		DownloadLink: link,
		Filename:     req.Filename,
		Title:        req.Result.DisplayTitle,
		Source:       req.Result.Source,
		VolumeID:     req.VolumeID,
		IssueID:      req.IssueID,
		ClientID:     clientID,
		State:        types.DownloadQueued,
		Size:         types.SizeUnknown,
		Releaser:     req.Result.Releaser,
		ScanType:     req.Result.ScanType,
		Resolution:   req.Result.Resolution,
		DPI:          req.Result.DPI,
	}
	o.nextID++
	o.queue = append(o.queue, download)
	o.clients[download.ID] = client
	o.mu.Unlock()

	o.logger.Info().
		Int64("download_id", download.ID).
		Str("link", link).
		Msg("Added download to queue")
	o.events.Publish(events.EventQueueAdded, o.snapshot(download))
	return download, nil
}

// selectClient picks the adapter for a link: an explicit external client
// when given, an external torrent client for magnet links, the built-in
// direct downloader otherwise.
func (o *Orchestrator) selectClient(ctx context.Context, link string, clientID *int64) (ExternalClient, *int64, error) {
	if clientID != nil {
		cfg, err := o.store.GetExternalClient(ctx, *clientID)
		if err != nil {
			return nil, nil, err
		}
		client, err := BuildClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		return client, clientID, nil
	}

	if strings.HasPrefix(link, "magnet:") || strings.HasSuffix(link, ".torrent") {
		configured, err := o.store.ListExternalClients(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(configured) == 0 {
			return nil, nil, errs.ErrExternalClientNotFound
		}
		client, err := BuildClient(configured[0])
		if err != nil {
			return nil, nil, err
		}
		id := configured[0].ID
		return client, &id, nil
	}

	return o.direct, nil, nil
}

// List returns the queue in order.
func (o *Orchestrator) List() []types.Download {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := make([]types.Download, len(o.queue))
	for i, d := range o.queue {
		result[i] = *d
	}
	return result
}

// Get returns one queued download.
func (o *Orchestrator) Get(id int64) (types.Download, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range o.queue {
		if d.ID == id {
			return *d, nil
		}
	}
	return types.Download{}, errs.ErrDownloadNotFound
}

// HasActiveDownload reports whether a volume has a download in the queue.
func (o *Orchestrator) HasActiveDownload(volumeID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range o.queue {
		if d.VolumeID == volumeID {
			return true
		}
	}
	return false
}

// Remove cancels a download, removing it from its client. With blocklist
// set, the link is also blocklisted as added by the user.
func (o *Orchestrator) Remove(ctx context.Context, id int64, deleteFiles, blocklist bool) error {
	o.mu.Lock()
	var download *types.Download
	index := -1
	for i, d := range o.queue {
		if d.ID == id {
			download, index = d, i
			break
		}
	}
	if download == nil {
		o.mu.Unlock()
		return errs.ErrDownloadNotFound
	}
	client := o.clients[id]
	o.queue = append(o.queue[:index], o.queue[index+1:]...)
	delete(o.clients, id)
	download.State = types.DownloadCanceled
	o.mu.Unlock()

	if download.Handle != "" && client != nil {
		if err := client.Delete(ctx, download.Handle, deleteFiles); err != nil {
			o.logger.Warn().Err(err).Int64("download_id", id).
				Msg("Failed to remove download from client")
		}
	}

	if blocklist {
		if err := o.store.AddBlocklistEntry(ctx, types.BlocklistEntry{
			WebLink:      download.WebLink,
			WebTitle:     download.WebTitle,
			DownloadLink: download.DownloadLink,
			Source:       download.Source,
			VolumeID:     download.VolumeID,
			IssueID:      download.IssueID,
			Reason:       types.BlocklistAddedByUser,
		}); err != nil {
			return err
		}
	}

	o.recordHistory(ctx, download, false)
	o.events.Publish(events.EventQueueEnded, events.QueueEndedData{ID: id})
	return nil
}

// Move places a queued download at a new index. The running head and
// already-started downloads can't be moved.
func (o *Orchestrator) Move(id int64, index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := -1
	for i, d := range o.queue {
		if d.ID == id {
			from = i
			break
		}
	}
	if from == -1 {
		return errs.ErrDownloadNotFound
	}
	if o.queue[from].State != types.DownloadQueued {
		return errs.ErrDownloadUnmovable
	}
	if index < 0 {
		index = 0
	}
	if index >= len(o.queue) {
		index = len(o.queue) - 1
	}
	// The new position must stay behind every started download.
	for i := 0; i <= index && i < len(o.queue); i++ {
		if i != from && o.queue[i].State != types.DownloadQueued && i >= index {
			return errs.ErrDownloadUnmovable
		}
	}

	d := o.queue[from]
	o.queue = append(o.queue[:from], o.queue[from+1:]...)
	o.queue = append(o.queue[:index], append([]*types.Download{d}, o.queue[index:]...)...)
	return nil
}

func (o *Orchestrator) snapshot(d *types.Download) events.QueueStatusData {
	return events.QueueStatusData{
		ID:       d.ID,
		State:    string(d.State),
		Size:     d.Size,
		Speed:    d.Speed,
		Progress: d.Progress,
	}
}

func (o *Orchestrator) recordHistory(ctx context.Context, d *types.Download, success bool) {
	err := o.store.AddDownloadHistory(ctx, store.DownloadHistoryEntry{
		WebLink:      d.WebLink,
		WebTitle:     d.WebTitle,
		WebSubTitle:  d.WebSubTitle,
		OriginalLink: d.DownloadLink,
		Title:        d.Title,
		Source:       d.Source,
		VolumeID:     d.VolumeID,
		IssueID:      d.IssueID,
		Success:      success,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("Failed to record download history")
	}
}
