// Package api is the REST+JSON shell over the core: a thin translation
// layer that authenticates requests, maps error kinds onto HTTP status
// codes, and exposes the event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/kapowarr/kapowarr/pkg/app"
	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/metrics"
)

// Server is the HTTP API server.
type Server struct {
	app    *app.Application
	http   *http.Server
	logger zerolog.Logger

	// powerCh receives "shutdown" or "restart" requests for the process
	// owner to act on.
	powerCh chan string
}

// NewServer creates the API server.
func NewServer(application *app.Application) *Server {
	s := &Server{
		app:     application,
		logger:  log.WithComponent("api"),
		powerCh: make(chan string, 1),
	}

	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, &errs.Error{Kind: "NotFound", Code: http.StatusNotFound},
			http.StatusNotFound)
	})
	router.HandleMethodNotAllowed = true
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, &errs.Error{Kind: "MethodNotAllowed", Code: http.StatusMethodNotAllowed},
			http.StatusMethodNotAllowed)
	})

	s.registerRoutes(router)

	mux := http.NewServeMux()
	prefix := application.Config.URLBase
	if prefix != "" && prefix != "/" {
		mux.Handle(prefix+"/", http.StripPrefix(prefix, router))
	} else {
		mux.Handle("/", router)
	}
	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf("%s:%d", application.Config.Host, application.Config.Port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.countRequests(mux),
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Power returns the channel carrying shutdown/restart requests.
func (s *Server) Power() <-chan string {
	return s.powerCh
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.APIRequestsTotal.WithLabelValues(
			r.Method, strconv.Itoa(recorder.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// envelope is the fixed response shape: {"error": ..., "result": ...}.
type envelope struct {
	Error  *string `json:"error"`
	Result any     `json:"result"`
}

func writeResult(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if result == nil {
		result = struct{}{}
	}
	json.NewEncoder(w).Encode(envelope{Error: nil, Result: result})
}

func writeError(w http.ResponseWriter, err error, fallbackStatus int) {
	kind := "InternalError"
	status := fallbackStatus
	if e, ok := errs.AsError(err); ok {
		kind = e.Kind
		status = e.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: &kind, Result: struct{}{}})
}

func handleError(w http.ResponseWriter, err error) {
	if _, ok := errs.AsError(err); ok {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeError(w, err, http.StatusInternalServerError)
}

// handler is an authenticated route handler.
type handler func(w http.ResponseWriter, r *http.Request, ps httprouter.Params)

// auth wraps a handler with API-key authentication. The key is accepted as
// a header or query parameter.
func (s *Server) auth(next handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key == "" || key != s.app.Settings.Get().APIKey {
			writeError(w, errs.ErrAPIKeyInvalid, http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.InvalidKeyValue("body", err.Error())
	}
	return nil
}

func pathID(ps httprouter.Params, name string) (int64, error) {
	id, err := strconv.ParseInt(ps.ByName(name), 10, 64)
	if err != nil {
		return 0, errs.InvalidKeyValue(name, ps.ByName(name))
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func queryBool(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "1" || v == "true"
}

// requestContext bounds handler work so a wedged external service can't pin
// an API worker forever.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Minute)
}
