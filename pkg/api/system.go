package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/julienschmidt/httprouter"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/tasks"
)

// Version is the service version, set via ldflags at build time.
var Version = "dev"

func (s *Server) handleAbout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, map[string]any{
		"version":     Version,
		"go_version":  runtime.Version(),
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"data_folder": s.app.Config.DataFolder,
	})
}

// handleLogs serves the log file from the data folder, when file logging is
// in use.
func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	path := filepath.Join(s.app.Config.DataFolder, "kapowarr.log")
	data, err := os.ReadFile(path)
	if err != nil {
		handleError(w, errs.ErrLogFileNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, s.app.Tasks.List())
}

// handleRunTask queues a task by action name.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Cmd      string `json:"cmd"`
		VolumeID *int64 `json:"volume_id"`
		IssueID  *int64 `json:"issue_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}

	task, err := s.buildTask(body.Cmd, body.VolumeID, body.IssueID)
	if err != nil {
		handleError(w, err)
		return
	}
	id := s.app.Tasks.AddTask(task)
	writeResult(w, http.StatusCreated, map[string]int64{"id": id})
}

// buildTask maps an action name onto its runner.
func (s *Server) buildTask(action string, volumeID, issueID *int64) (*tasks.Task, error) {
	t := &tasks.Task{
		Action:     action,
		VolumeID:   volumeID,
		IssueID:    issueID,
		CalledFrom: "api",
	}

	switch action {
	case "update_all":
		t.DisplayTitle = "Update all volumes"
		t.Run = func(ctx context.Context, task *tasks.Task) error {
			return s.app.RefreshAll(ctx, task)
		}
	case "search_all":
		t.DisplayTitle = "Search all volumes"
		t.Run = func(ctx context.Context, task *tasks.Task) error {
			return s.app.SearchAll(ctx, task)
		}
	case "refresh_and_scan":
		if volumeID == nil {
			return nil, errs.KeyNotFound("volume_id")
		}
		t.DisplayTitle = "Refresh and scan volume"
		t.Run = func(ctx context.Context, _ *tasks.Task) error {
			return s.app.Library.RefreshVolume(ctx, *volumeID)
		}
	case "auto_search":
		if volumeID == nil {
			return nil, errs.KeyNotFound("volume_id")
		}
		t.DisplayTitle = "Auto search volume"
		t.Run = func(ctx context.Context, _ *tasks.Task) error {
			return s.app.AutoSearchAndDownload(ctx, *volumeID, issueID)
		}
	case "mass_rename":
		if volumeID == nil {
			return nil, errs.KeyNotFound("volume_id")
		}
		t.DisplayTitle = "Rename volume files"
		t.Run = func(ctx context.Context, _ *tasks.Task) error {
			_, err := s.app.Pipeline.MassRename(ctx, *volumeID, nil)
			return err
		}
	case "mass_convert":
		if volumeID == nil {
			return nil, errs.KeyNotFound("volume_id")
		}
		t.DisplayTitle = "Convert volume files"
		t.Run = func(ctx context.Context, _ *tasks.Task) error {
			return s.app.Pipeline.ConvertVolume(ctx, *volumeID, nil)
		}
	default:
		return nil, errs.InvalidKeyValue("cmd", action)
	}
	return t, nil
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	entries, err := s.app.Store.ListTaskHistory(ctx, queryInt(r, "offset", 0))
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, entries)
}

func (s *Server) handleClearTaskHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Store.ClearTaskHistory(ctx); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleTaskPlanning(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	planning, err := s.app.Planner.Planning(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, planning)
}

func (s *Server) handleGetTask(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	task, err := s.app.Tasks.Get(id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	if err := s.app.Tasks.Delete(id); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, nil)
	select {
	case s.powerCh <- "shutdown":
	default:
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, nil)
	select {
	case s.powerCh <- "restart":
	default:
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, s.app.Settings.Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body map[string]string
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	for key, value := range body {
		// Naming formats are validated before they are persisted.
		switch key {
		case "file_naming", "file_naming_vai":
			if err := files.ValidateFormat(value, true); err != nil {
				handleError(w, err)
				return
			}
		case "volume_folder_naming", "file_naming_special_version":
			if err := files.ValidateFormat(value, false); err != nil {
				handleError(w, err)
				return
			}
		}
		if err := s.app.Settings.SetKey(ctx, key, value); err != nil {
			handleError(w, err)
			return
		}
	}
	s.app.Events.Publish(events.EventSettingsUpdated, nil)
	writeResult(w, http.StatusOK, s.app.Settings.Get())
}

func (s *Server) handleRegenerateAPIKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	key, err := s.app.Settings.RegenerateAPIKey(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"api_key": key})
}

func (s *Server) handleAvailableFormats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, s.app.Pipeline.Converters().AvailableFormats())
}

func (s *Server) handleActivityFolder(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	folder := s.app.DownloadFolder()
	contents, err := files.ListFiles(folder, nil)
	if err != nil {
		contents = nil
	}
	writeResult(w, http.StatusOK, map[string]any{
		"folder": folder,
		"files":  contents,
	})
}
