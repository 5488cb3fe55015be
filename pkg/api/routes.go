package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/kapowarr/kapowarr/pkg/errs"
)

// registerRoutes binds every endpoint under the API prefix.
func (s *Server) registerRoutes(router *httprouter.Router) {
	// Authentication
	router.POST("/api/auth", s.handleAuth)

	// System
	router.GET("/api/system/about", s.auth(s.handleAbout))
	router.GET("/api/system/logs", s.auth(s.handleLogs))
	router.GET("/api/system/tasks", s.auth(s.handleListTasks))
	router.POST("/api/system/tasks", s.auth(s.handleRunTask))
	// "history" and "planning" share the :id position; the dispatcher
	// tells them apart (the router can't mix static and param segments).
	router.GET("/api/system/tasks/:id", s.auth(s.dispatchGetTask))
	router.DELETE("/api/system/tasks/:id", s.auth(s.dispatchDeleteTask))
	router.POST("/api/system/power/shutdown", s.auth(s.handleShutdown))
	router.POST("/api/system/power/restart", s.auth(s.handleRestart))

	// Settings
	router.GET("/api/settings", s.auth(s.handleGetSettings))
	router.PUT("/api/settings", s.auth(s.handlePutSettings))
	router.POST("/api/settings/api_key", s.auth(s.handleRegenerateAPIKey))
	router.GET("/api/settings/availableformats", s.auth(s.handleAvailableFormats))

	// Root folders
	router.GET("/api/rootfolder", s.auth(s.handleListRootFolders))
	router.POST("/api/rootfolder", s.auth(s.handleAddRootFolder))
	router.GET("/api/rootfolder/:id", s.auth(s.handleGetRootFolder))
	router.DELETE("/api/rootfolder/:id", s.auth(s.handleDeleteRootFolder))

	// Library import
	router.GET("/api/libraryimport", s.auth(s.handleProposeImport))
	router.POST("/api/libraryimport", s.auth(s.handleCommitImport))

	// Volumes
	router.GET("/api/volumes", s.auth(s.handleListVolumes))
	router.POST("/api/volumes", s.auth(s.handleAddVolume))
	// "search" and "stats" share the :id position.
	router.GET("/api/volumes/:id", s.auth(s.dispatchGetVolume))
	router.PUT("/api/volumes/:id", s.auth(s.handleUpdateVolume))
	router.DELETE("/api/volumes/:id", s.auth(s.handleDeleteVolume))
	router.GET("/api/volumes/:id/cover", s.auth(s.handleVolumeCover))
	router.GET("/api/volumes/:id/rename", s.auth(s.handlePreviewRename))
	router.POST("/api/volumes/:id/rename", s.auth(s.handleRename))
	router.POST("/api/volumes/:id/convert", s.auth(s.handleConvert))
	router.GET("/api/volumes/:id/manualsearch", s.auth(s.handleManualSearchVolume))
	router.POST("/api/volumes/:id/download", s.auth(s.handleDownloadVolume))

	// Issues
	router.GET("/api/issues/:id", s.auth(s.handleGetIssue))
	router.PUT("/api/issues/:id", s.auth(s.handleUpdateIssue))
	router.POST("/api/issues/:id/rename", s.auth(s.handleRenameIssue))
	router.POST("/api/issues/:id/convert", s.auth(s.handleConvertIssue))
	router.GET("/api/issues/:id/manualsearch", s.auth(s.handleManualSearchIssue))
	router.POST("/api/issues/:id/download", s.auth(s.handleDownloadIssue))

	// Activity
	router.GET("/api/activity/queue", s.auth(s.handleQueue))
	router.GET("/api/activity/queue/:id", s.auth(s.handleGetQueueEntry))
	router.PUT("/api/activity/queue/:id", s.auth(s.handleMoveQueueEntry))
	router.DELETE("/api/activity/queue/:id", s.auth(s.handleDeleteQueueEntry))
	router.GET("/api/activity/history", s.auth(s.handleDownloadHistory))
	router.GET("/api/activity/folder", s.auth(s.handleActivityFolder))

	// Blocklist
	router.GET("/api/blocklist", s.auth(s.handleListBlocklist))
	router.POST("/api/blocklist", s.auth(s.handleAddBlocklist))
	router.DELETE("/api/blocklist", s.auth(s.handleClearBlocklist))
	router.GET("/api/blocklist/:id", s.auth(s.handleGetBlocklistEntry))
	router.DELETE("/api/blocklist/:id", s.auth(s.handleDeleteBlocklistEntry))

	// Credentials
	router.GET("/api/credentials", s.auth(s.handleListCredentials))
	router.POST("/api/credentials", s.auth(s.handleAddCredential))
	router.GET("/api/credentials/:id", s.auth(s.handleGetCredential))
	router.DELETE("/api/credentials/:id", s.auth(s.handleDeleteCredential))

	// External clients
	router.GET("/api/externalclients", s.auth(s.handleListClients))
	router.POST("/api/externalclients", s.auth(s.handleAddClient))
	router.POST("/api/externalclients/test", s.auth(s.handleTestClient))
	// "options" shares the :id position.
	router.GET("/api/externalclients/:id", s.auth(s.dispatchGetClient))
	router.PUT("/api/externalclients/:id", s.auth(s.handleUpdateClient))
	router.DELETE("/api/externalclients/:id", s.auth(s.handleDeleteClient))

	// Mass editor
	router.POST("/api/masseditor", s.auth(s.handleMassEditor))

	// Files
	router.GET("/api/files/:id", s.auth(s.handleGetFile))

	// Event stream: the observable event channel, co-located under the
	// API prefix.
	router.GET("/api/events", s.auth(s.handleEvents))
}

func (s *Server) dispatchGetTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("id") {
	case "history":
		s.handleTaskHistory(w, r, ps)
	case "planning":
		s.handleTaskPlanning(w, r, ps)
	default:
		s.handleGetTask(w, r, ps)
	}
}

func (s *Server) dispatchDeleteTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("id") == "history" {
		s.handleClearTaskHistory(w, r, ps)
		return
	}
	s.handleDeleteTask(w, r, ps)
}

func (s *Server) dispatchGetVolume(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch ps.ByName("id") {
	case "search":
		s.handleSearchVolumes(w, r, ps)
	case "stats":
		s.handleVolumeStats(w, r, ps)
	default:
		s.handleGetVolume(w, r, ps)
	}
}

func (s *Server) dispatchGetClient(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("id") == "options" {
		s.handleClientOptions(w, r, ps)
		return
	}
	s.handleGetClient(w, r, ps)
}

// handleAuth exchanges the auth password for the API key.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		handleError(w, err)
		return
	}

	sv := s.app.Settings.Get()
	if sv.AuthPassword != "" && body.Password != sv.AuthPassword {
		writeError(w, &errs.Error{Kind: "PasswordInvalid", Code: http.StatusUnauthorized},
			http.StatusUnauthorized)
		return
	}
	writeResult(w, http.StatusOK, map[string]string{"api_key": sv.APIKey})
}
