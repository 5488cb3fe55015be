package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/library"
	"github.com/kapowarr/kapowarr/pkg/tasks"
)

// handleMassEditor applies one action to a list of volumes as a background
// task, streaming per-volume progress.
func (s *Server) handleMassEditor(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Action    string  `json:"action"`
		VolumeIDs []int64 `json:"volume_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	if len(body.VolumeIDs) == 0 {
		handleError(w, errs.KeyNotFound("volume_ids"))
		return
	}

	apply, err := s.massEditorAction(body.Action)
	if err != nil {
		handleError(w, err)
		return
	}

	volumeIDs := body.VolumeIDs
	action := body.Action
	task := &tasks.Task{
		Action:       "mass_editor",
		DisplayTitle: "Mass editor: " + action,
		CalledFrom:   "api",
		Run: func(ctx context.Context, t *tasks.Task) error {
			for i, volumeID := range volumeIDs {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.app.Events.Publish(events.EventMassEditorStatus, events.MassEditorStatusData{
					Identifier: action,
					Current:    i + 1,
					Total:      len(volumeIDs),
				})
				if err := apply(ctx, volumeID); err != nil {
					s.logger.Warn().Err(err).
						Int64("volume_id", volumeID).
						Str("action", action).
						Msg("Mass editor action failed")
				}
			}
			return nil
		},
	}
	id := s.app.Tasks.AddTask(task)
	writeResult(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) massEditorAction(action string) (func(context.Context, int64) error, error) {
	switch action {
	case "monitor":
		return s.setMonitored(true), nil
	case "unmonitor":
		return s.setMonitored(false), nil
	case "rename":
		return func(ctx context.Context, volumeID int64) error {
			_, err := s.app.Pipeline.MassRename(ctx, volumeID, nil)
			return err
		}, nil
	case "convert":
		return func(ctx context.Context, volumeID int64) error {
			return s.app.Pipeline.ConvertVolume(ctx, volumeID, nil)
		}, nil
	case "refresh":
		return func(ctx context.Context, volumeID int64) error {
			return s.app.Library.RefreshVolume(ctx, volumeID)
		}, nil
	case "search":
		return func(ctx context.Context, volumeID int64) error {
			return s.app.AutoSearchAndDownload(ctx, volumeID, nil)
		}, nil
	case "delete":
		return func(ctx context.Context, volumeID int64) error {
			return s.app.Library.DeleteVolume(ctx, volumeID, library.DeleteVolumeOptions{})
		}, nil
	default:
		return nil, errs.InvalidKeyValue("action", action)
	}
}

func (s *Server) setMonitored(monitored bool) func(context.Context, int64) error {
	return func(ctx context.Context, volumeID int64) error {
		volume, err := s.app.Store.GetVolume(ctx, volumeID)
		if err != nil {
			return err
		}
		volume.Monitored = monitored
		if err := s.app.Store.UpdateVolume(ctx, volume); err != nil {
			return err
		}
		s.app.Events.Publish(events.EventVolumeUpdated, events.VolumeData{VolumeID: volumeID})
		return nil
	}
}
