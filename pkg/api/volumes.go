package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/kapowarr/kapowarr/pkg/download"
	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/extract"
	"github.com/kapowarr/kapowarr/pkg/files"
	"github.com/kapowarr/kapowarr/pkg/library"
	"github.com/kapowarr/kapowarr/pkg/tasks"
	"github.com/kapowarr/kapowarr/pkg/types"
)

const issueUpdatedEvent = events.EventIssueUpdated

func issueEventData(issue types.Issue) events.IssueData {
	return events.IssueData{IssueID: issue.ID, VolumeID: issue.VolumeID}
}

func scanAll() files.ScanOptions {
	return files.ScanOptions{DeleteUnmatched: true, Emit: true}
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	volumes, err := s.app.Store.ListVolumes(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, volumes)
}

func (s *Server) handleAddVolume(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		ComicvineID          int64  `json:"comicvine_id"`
		RootFolderID         int64  `json:"root_folder_id"`
		Monitored            bool   `json:"monitored"`
		MonitorNewIssues     bool   `json:"monitor_new_issues"`
		VolumeFolder         string `json:"volume_folder"`
		SpecialVersion       string `json:"special_version"`
		SpecialVersionLocked bool   `json:"special_version_locked"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	id, err := s.app.Library.AddVolume(ctx, library.AddVolumeOptions{
		ComicvineID:          body.ComicvineID,
		RootFolderID:         body.RootFolderID,
		Monitored:            body.Monitored,
		MonitorNewIssues:     body.MonitorNewIssues,
		VolumeFolder:         body.VolumeFolder,
		SpecialVersion:       types.SpecialVersion(body.SpecialVersion),
		SpecialVersionLocked: body.SpecialVersionLocked,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	if err := s.app.Pipeline.Scan(ctx, id, scanAll()); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleSearchVolumes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query().Get("query")
	if query == "" {
		handleError(w, errs.KeyNotFound("query"))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	results, err := s.app.Library.SearchCatalog(ctx, query)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, results)
}

func (s *Server) handleVolumeStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()

	volumes, err := s.app.Store.ListVolumes(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	allFiles, err := s.app.Store.ListFiles(ctx)
	if err != nil {
		handleError(w, err)
		return
	}

	monitored := 0
	for _, v := range volumes {
		if v.Monitored {
			monitored++
		}
	}
	var totalSize int64
	for _, f := range allFiles {
		totalSize += f.Size
	}
	writeResult(w, http.StatusOK, map[string]any{
		"volumes":     len(volumes),
		"monitored":   monitored,
		"unmonitored": len(volumes) - monitored,
		"files":       len(allFiles),
		"total_file_size": totalSize,
	})
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	volume, err := s.app.Store.GetVolume(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	issues, err := s.app.Store.IssuesForVolume(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	volumeFiles, err := s.app.Store.FilesForVolume(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{
		"volume": volume,
		"issues": issues,
		"files":  volumeFiles,
	})
}

func (s *Server) handleUpdateVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	var body struct {
		Monitored        *bool   `json:"monitored"`
		MonitorNewIssues *bool   `json:"monitor_new_issues"`
		VolumeFolder     *string `json:"volume_folder"`
		SpecialVersion   *string `json:"special_version"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	volume, err := s.app.Store.GetVolume(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	if body.Monitored != nil {
		volume.Monitored = *body.Monitored
	}
	if body.MonitorNewIssues != nil {
		volume.MonitorNewIssues = *body.MonitorNewIssues
	}
	if body.SpecialVersion != nil {
		volume.SpecialVersion = types.SpecialVersion(*body.SpecialVersion)
		volume.SpecialVersionLocked = true
	}
	if err := s.app.Store.UpdateVolume(ctx, volume); err != nil {
		handleError(w, err)
		return
	}

	if body.VolumeFolder != nil {
		if err := s.app.Library.ChangeVolumeFolder(ctx, id, *body.VolumeFolder); err != nil {
			handleError(w, err)
			return
		}
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	if s.app.Tasks.TaskForVolume(id) {
		handleError(w, errs.TaskForVolumeRunning(id))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	err = s.app.Library.DeleteVolume(ctx, id, library.DeleteVolumeOptions{
		DeleteFolder: queryBool(r, "delete_folder"),
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleVolumeCover(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	cover, err := s.app.Store.GetVolumeCover(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(cover)
}

func (s *Server) handlePreviewRename(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	plans, err := s.app.Pipeline.PreviewRename(ctx, id, nil)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, plans)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	task, err := s.buildTask("mass_rename", &id, nil)
	if err != nil {
		handleError(w, err)
		return
	}
	taskID := s.app.Tasks.AddTask(task)
	writeResult(w, http.StatusCreated, map[string]int64{"id": taskID})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	task, err := s.buildTask("mass_convert", &id, nil)
	if err != nil {
		handleError(w, err)
		return
	}
	taskID := s.app.Tasks.AddTask(task)
	writeResult(w, http.StatusCreated, map[string]int64{"id": taskID})
}

func (s *Server) handleManualSearchVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	results, err := s.app.Search.ManualSearch(ctx, id, nil)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, results)
}

type downloadBody struct {
	Link       string `json:"link"`
	WebLink    string `json:"web_link"`
	WebTitle   string `json:"web_title"`
	Filename   string `json:"filename"`
	ClientID   *int64 `json:"client_id"`
	ForceMatch bool   `json:"force_match"`
}

func (s *Server) queueDownload(w http.ResponseWriter, r *http.Request, volumeID int64, issueID *int64) {
	var body downloadBody
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}

	// The manual endpoint only carries a link and display title; recover
	// the structural fields from the title for link admission.
	fd := extract.FilenameData(body.WebTitle, extract.Options{})
	result := types.SearchResult{
		Series:         fd.Series,
		Year:           fd.Year,
		VolumeNumber:   fd.VolumeNumber,
		IssueNumber:    fd.IssueNumber,
		Annual:         fd.Annual,
		SpecialVersion: fd.SpecialVersion,
		Link:           body.Link,
		DisplayTitle:   body.WebTitle,
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	dl, err := s.app.Download.Add(ctx, download.AddRequest{
		Result:     result,
		WebLink:    body.WebLink,
		WebTitle:   body.WebTitle,
		VolumeID:   volumeID,
		IssueID:    issueID,
		ClientID:   body.ClientID,
		Filename:   body.Filename,
		ForceMatch: body.ForceMatch,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, dl)
}

func (s *Server) handleDownloadVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	s.queueDownload(w, r, id, nil)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	issue, err := s.app.Store.GetIssue(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	issueFiles, err := s.app.Store.FilesForIssue(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, map[string]any{
		"issue": issue,
		"files": issueFiles,
	})
}

func (s *Server) handleUpdateIssue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	var body struct {
		Monitored *bool `json:"monitored"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	if body.Monitored == nil {
		handleError(w, errs.KeyNotFound("monitored"))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Store.SetIssueMonitored(ctx, id, *body.Monitored); err != nil {
		handleError(w, err)
		return
	}

	issue, err := s.app.Store.GetIssue(ctx, id)
	if err == nil {
		s.app.Events.Publish(issueUpdatedEvent, issueEventData(issue))
	}
	writeResult(w, http.StatusOK, nil)
}

// issueScopedTask queues a rename or convert task limited to the files of
// one issue.
func (s *Server) issueScopedTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params, convert bool) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	issue, err := s.app.Store.GetIssue(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	issueFiles, err := s.app.Store.FilesForIssue(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	paths := make([]string, len(issueFiles))
	for i, f := range issueFiles {
		paths[i] = f.Filepath
	}

	volumeID := issue.VolumeID
	task := &tasks.Task{
		VolumeID:   &volumeID,
		IssueID:    &id,
		CalledFrom: "api",
	}
	if convert {
		task.Action = "convert_issue"
		task.DisplayTitle = "Convert issue files"
		task.Run = func(ctx context.Context, _ *tasks.Task) error {
			return s.app.Pipeline.ConvertVolume(ctx, volumeID, paths)
		}
	} else {
		task.Action = "rename_issue"
		task.DisplayTitle = "Rename issue files"
		task.Run = func(ctx context.Context, _ *tasks.Task) error {
			_, err := s.app.Pipeline.MassRename(ctx, volumeID, paths)
			return err
		}
	}
	taskID := s.app.Tasks.AddTask(task)
	writeResult(w, http.StatusCreated, map[string]int64{"id": taskID})
}

func (s *Server) handleRenameIssue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.issueScopedTask(w, r, ps, false)
}

func (s *Server) handleConvertIssue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.issueScopedTask(w, r, ps, true)
}

func (s *Server) handleManualSearchIssue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	issue, err := s.app.Store.GetIssue(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	results, err := s.app.Search.ManualSearch(ctx, issue.VolumeID, &id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, results)
}

func (s *Server) handleDownloadIssue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	issue, err := s.app.Store.GetIssue(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	s.queueDownload(w, r, issue.VolumeID, &id)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	file, err := s.app.Store.GetFile(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, file)
}
