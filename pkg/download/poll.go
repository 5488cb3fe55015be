package download

import (
	"context"
	"path/filepath"
	"time"

	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// run is the queue loop: one client-add per dequeue step, then a poll of
// all active downloads on a fixed cadence.
func (o *Orchestrator) run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			o.startNext(ctx)
			o.pollActive(ctx)
		case <-o.stopCh:
			return
		}
	}
}

// startNext hands the first still-queued download to its client, in FIFO
// order.
func (o *Orchestrator) startNext(ctx context.Context) {
	o.mu.Lock()
	var next *types.Download
	var client ExternalClient
	for _, d := range o.queue {
		if d.State == types.DownloadQueued {
			next = d
			client = o.clients[d.ID]
			break
		}
	}
	if next == nil {
		o.mu.Unlock()
		return
	}
	next.State = types.DownloadDownloading
	next.StartedAt = time.Now()
	o.mu.Unlock()

	handle, err := client.Add(ctx, next.DownloadLink, o.scratch(), next.Title, next.Filename)

	o.mu.Lock()
	if err != nil {
		next.State = types.DownloadFailed
	} else {
		next.Handle = handle
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Error().Err(err).
			Int64("download_id", next.ID).
			Msg("Failed to hand download to client")
		o.failDownload(ctx, next)
		return
	}
	o.events.Publish(events.EventQueueStatus, o.snapshot(next))
}

// pollActive refreshes the state of every started download, applying stall
// detection and advancing finished ones.
func (o *Orchestrator) pollActive(ctx context.Context) {
	o.mu.Lock()
	active := make([]*types.Download, 0, len(o.queue))
	clients := make([]ExternalClient, 0, len(o.queue))
	for _, d := range o.queue {
		switch d.State {
		case types.DownloadDownloading, types.DownloadSeeding, types.DownloadPaused:
			active = append(active, d)
			clients = append(clients, o.clients[d.ID])
		}
	}
	timeout := o.settings.Get().FailingDownloadTimeout
	o.mu.Unlock()

	for i, d := range active {
		status, err := clients[i].Status(ctx, d.Handle)
		if err != nil {
			o.logger.Warn().Err(err).
				Int64("download_id", d.ID).
				Msg("Failed to poll download status")
			continue
		}
		if status == nil {
			// Gone from the client.
			o.mu.Lock()
			d.State = types.DownloadCanceled
			o.mu.Unlock()
			o.finishDownload(ctx, d, false)
			continue
		}
		if status.State == "" {
			// Client doesn't know the download yet.
			continue
		}

		o.mu.Lock()
		if status.Size != 0 {
			d.Size = status.Size
		}
		d.Progress = status.Progress
		d.Speed = status.Speed

		state := status.State
		if state == types.DownloadQueued {
			// Client-side queueing (e.g. a torrent in DownloadWait)
			// still counts as downloading here; it must not re-enter
			// this queue's dequeue step.
			state = types.DownloadDownloading
		}

		// Stall detection: a download reported as downloading with zero
		// rate is stamped on first observation; exceeding the timeout
		// forces a failure. Any healthy observation clears the stamp.
		stalled := state == types.DownloadDownloading && status.Speed == 0 && status.Progress < 100
		if stalled {
			if d.FailingSince == nil {
				now := time.Now()
				d.FailingSince = &now
			} else if timeout > 0 && time.Since(*d.FailingSince) > timeout {
				state = types.DownloadFailed
			}
		} else {
			d.FailingSince = nil
		}
		d.State = state
		o.mu.Unlock()

		switch state {
		case types.DownloadFailed:
			o.failDownload(ctx, d)
		case types.DownloadDone, types.DownloadSeeding:
			if status.Progress >= 100 || state == types.DownloadDone {
				o.importDownload(ctx, d, clients[i])
			} else {
				o.events.Publish(events.EventQueueStatus, o.snapshot(d))
			}
		default:
			o.events.Publish(events.EventQueueStatus, o.snapshot(d))
		}
	}
}

// failDownload blocklists the failed link, records history and drops the
// download so the queue advances.
func (o *Orchestrator) failDownload(ctx context.Context, d *types.Download) {
	o.logger.Warn().
		Int64("download_id", d.ID).
		Str("link", d.DownloadLink).
		Msg("Download failed")

	if err := o.store.AddBlocklistEntry(ctx, types.BlocklistEntry{
		WebLink:      d.WebLink,
		WebTitle:     d.WebTitle,
		WebSubTitle:  d.WebSubTitle,
		DownloadLink: d.DownloadLink,
		Source:       d.Source,
		VolumeID:     d.VolumeID,
		IssueID:      d.IssueID,
		Reason:       types.BlocklistDownloadFailed,
	}); err != nil {
		o.logger.Error().Err(err).Msg("Failed to blocklist failed download")
	}

	o.mu.Lock()
	d.State = types.DownloadFailed
	client := o.clients[d.ID]
	o.mu.Unlock()

	if d.Handle != "" && client != nil {
		if err := client.Delete(ctx, d.Handle, true); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to remove failed download from client")
		}
	}
	o.finishDownload(ctx, d, false)
}

// importDownload moves a finished download's file into the volume folder
// and adds it to the volume through the file pipeline, with extracted
// provenance; the pipeline's scan decides which issues it binds to. Only the
// direct client reports a local file path: for external clients no file is
// moved or added, and the download is only removed from the client and
// finished.
func (o *Orchestrator) importDownload(ctx context.Context, d *types.Download, client ExternalClient) {
	o.mu.Lock()
	if d.State == types.DownloadImporting {
		o.mu.Unlock()
		return
	}
	d.State = types.DownloadImporting
	o.mu.Unlock()
	o.events.Publish(events.EventQueueStatus, o.snapshot(d))

	path := ""
	if direct, ok := client.(*DirectClient); ok {
		path = direct.FilePath(d.Handle)
	}

	volume, err := o.store.GetVolume(ctx, d.VolumeID)
	if err != nil {
		o.logger.Error().Err(err).Msg("Download's volume is gone, dropping file")
		o.finishDownload(ctx, d, false)
		return
	}

	success := true
	if path != "" {
		target := volume.Folder
		if err := o.moveIntoVolume(ctx, d, path, target); err != nil {
			o.logger.Error().Err(err).Msg("Failed to import downloaded file")
			success = false
		}
	}

	if d.Handle != "" && client != o.direct {
		if err := client.Delete(ctx, d.Handle, false); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to remove finished download from client")
		}
	}

	o.mu.Lock()
	d.State = types.DownloadDone
	o.mu.Unlock()
	o.finishDownload(ctx, d, success)
}

func (o *Orchestrator) moveIntoVolume(ctx context.Context, d *types.Download, path, volumeFolder string) error {
	sv := o.settings.Get()

	target := filepath.Join(volumeFolder, filepath.Base(path))
	if err := files.RenameFile(path, target); err != nil {
		return err
	}

	extra := &types.File{
		Releaser:   d.Releaser,
		ScanType:   d.ScanType,
		Resolution: d.Resolution,
		DPI:        d.DPI,
	}
	if err := o.pipeline.AddFilesToVolume(ctx, d.VolumeID, []string{target}, extra); err != nil {
		return err
	}

	if sv.ConvertFiles {
		if err := o.pipeline.ConvertVolume(ctx, d.VolumeID, []string{target}); err != nil {
			return err
		}
	}
	if sv.RenameDownloadedFiles {
		if _, err := o.pipeline.MassRename(ctx, d.VolumeID, nil); err != nil {
			return err
		}
	}
	return nil
}

// finishDownload removes the download from the queue and records history.
func (o *Orchestrator) finishDownload(ctx context.Context, d *types.Download, success bool) {
	o.mu.Lock()
	for i, q := range o.queue {
		if q.ID == d.ID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	delete(o.clients, d.ID)
	o.mu.Unlock()

	o.recordHistory(ctx, d, success)
	o.events.Publish(events.EventQueueEnded, events.QueueEndedData{ID: d.ID})
}
