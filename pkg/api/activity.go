package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/kapowarr/kapowarr/pkg/download"
	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/library"
	"github.com/kapowarr/kapowarr/pkg/settings"
	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, s.app.Download.List())
}

func (s *Server) handleGetQueueEntry(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	entry, err := s.app.Download.Get(id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, entry)
}

func (s *Server) handleMoveQueueEntry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	var body struct {
		Index int `json:"index"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	if err := s.app.Download.Move(id, body.Index); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteQueueEntry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	err = s.app.Download.Remove(ctx, id,
		queryBool(r, "delete_folder"), queryBool(r, "blocklist"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleDownloadHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()

	var volumeID *int64
	if v := queryInt(r, "volume_id", 0); v > 0 {
		id := int64(v)
		volumeID = &id
	}
	entries, err := s.app.Store.ListDownloadHistory(ctx, volumeID, queryInt(r, "offset", 0))
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, entries)
}

func (s *Server) handleListBlocklist(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	entries, err := s.app.Store.ListBlocklist(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, entries)
}

func (s *Server) handleAddBlocklist(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		WebLink      string `json:"web_link"`
		WebTitle     string `json:"web_title"`
		DownloadLink string `json:"download_link"`
		Source       string `json:"source"`
		VolumeID     int64  `json:"volume_id"`
		IssueID      *int64 `json:"issue_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	if body.DownloadLink == "" && body.WebLink == "" {
		handleError(w, errs.KeyNotFound("download_link"))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	err := s.app.Store.AddBlocklistEntry(ctx, types.BlocklistEntry{
		WebLink:      body.WebLink,
		WebTitle:     body.WebTitle,
		DownloadLink: body.DownloadLink,
		Source:       body.Source,
		VolumeID:     body.VolumeID,
		IssueID:      body.IssueID,
		Reason:       types.BlocklistAddedByUser,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, nil)
}

func (s *Server) handleClearBlocklist(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Store.ClearBlocklist(ctx); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleGetBlocklistEntry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	entry, err := s.app.Store.GetBlocklistEntry(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteBlocklistEntry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Store.DeleteBlocklistEntry(ctx, id); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	creds, err := s.app.Store.ListCredentials(ctx, r.URL.Query().Get("source"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, creds)
}

func (s *Server) handleAddCredential(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body store.Credential
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	if body.Source == "" {
		handleError(w, errs.KeyNotFound("source"))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	id, err := s.app.Store.AddCredential(ctx, body)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	cred, err := s.app.Store.GetCredential(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, cred)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Store.DeleteCredential(ctx, id); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	clients, err := s.app.Store.ListExternalClients(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, clients)
}

func (s *Server) handleClientOptions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeResult(w, http.StatusOK, download.ClientTypes())
}

func (s *Server) handleTestClient(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body store.ExternalClient
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	client, err := download.BuildClient(body)
	if err != nil {
		handleError(w, errs.InvalidKeyValue("client_type", body.ClientType))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	if err := client.Test(ctx); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body store.ExternalClient
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	if _, err := download.BuildClient(body); err != nil {
		handleError(w, errs.InvalidKeyValue("client_type", body.ClientType))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	id, err := s.app.Store.AddExternalClient(ctx, body)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	client, err := s.app.Store.GetExternalClient(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, client)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	var body store.ExternalClient
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	body.ID = id

	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Store.UpdateExternalClient(ctx, body); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Store.DeleteExternalClient(ctx, id); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleListRootFolders(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()
	folders, err := s.app.Store.ListRootFolders(ctx)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, folders)
}

func (s *Server) handleAddRootFolder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Folder string `json:"folder"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}
	if body.Folder == "" {
		handleError(w, errs.KeyNotFound("folder"))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	folder, err := s.app.Library.AddRootFolder(ctx, body.Folder)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, folder)
}

func (s *Server) handleGetRootFolder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	folder, err := s.app.Store.GetRootFolder(ctx, id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteRootFolder(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := pathID(ps, "id")
	if err != nil {
		handleError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Library.DeleteRootFolder(ctx, id); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}

func (s *Server) handleProposeImport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := requestContext(r)
	defer cancel()

	query := r.URL.Query()
	proposals, err := s.app.Library.ProposeImport(ctx, library.ProposeImportOptions{
		IncludedFolders:   settings.ParseCommaList(query.Get("included_folders")),
		ExcludedFolders:   settings.ParseCommaList(query.Get("excluded_folders")),
		Limit:             queryInt(r, "limit", 20),
		LimitParentFolder: queryBool(r, "limit_parent_folder"),
		OnlyEnglish:       query.Get("only_english") != "false",
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, proposals)
}

func (s *Server) handleCommitImport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Matches     []library.ImportMapping `json:"matches"`
		RenameFiles bool                    `json:"rename_files"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.app.Library.ImportLibrary(ctx, body.Matches, body.RenameFiles); err != nil {
		handleError(w, err)
		return
	}
	writeResult(w, http.StatusOK, nil)
}
