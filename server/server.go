// Package server is the reference revsync remote: the project and revision
// HTTP API the sync engine talks to, plus a websocket feed of changes.
//
//	GET  /api/v1/projects/{projectId}
//	PUT  /api/v1/projects/{projectId}
//	GET  /api/v1/projects/{projectId}/revisions/{revisionId}
//	PUT  /api/v1/projects/{projectId}/revisions/{revisionId}
//	GET  /ws/events
//	GET  /healthz
package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sync"
	"github.com/teranos/revsync/sym"
)

// HeaderRequestID is echoed back so client and server logs correlate.
const HeaderRequestID = "X-Request-ID"

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a bearer token on every route but /healthz.
	Token          string
	AllowedOrigins []string
}

// Server serves a Backend over HTTP.
type Server struct {
	backend *Backend
	hub     *Hub
	token   string
	logger  *zap.SugaredLogger
	mux     *http.ServeMux

	mu         gosync.Mutex
	httpServer *http.Server
	shutdown   bool
}

// New creates a server for backend.
func New(backend *Backend, opts Options, log *zap.SugaredLogger) *Server {
	log = logger.OrNop(log)
	s := &Server{
		backend: backend,
		hub:     NewHub(opts.AllowedOrigins, log.Named("events")),
		token:   opts.Token,
		logger:  log,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "apiVersion": sync.APIVersion})
	})
	s.mux.HandleFunc("GET /api/v1/projects/{projectId}", s.auth(s.handleGetProject))
	s.mux.HandleFunc("PUT /api/v1/projects/{projectId}", s.auth(s.handlePutProject))
	s.mux.HandleFunc("GET /api/v1/projects/{projectId}/revisions/{revisionId}", s.auth(s.handleGetRevision))
	s.mux.HandleFunc("PUT /api/v1/projects/{projectId}/revisions/{revisionId}", s.auth(s.handlePutRevision))
	s.mux.Handle("GET /ws/events", s.auth(s.hub.ServeHTTP))
}

// Handler returns the root handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Infow(sym.Remote+" Server listening", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(l)
}

// Shutdown disconnects event clients and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.mu.Lock()
	s.shutdown = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Infow("Server shutting down")
	return errors.Wrap(srv.Shutdown(ctx), "shutdown")
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for websockets.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		if strings.HasPrefix(r.URL.Path, "/ws/") {
			// the upgrader needs the raw writer to hijack
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.logger.Debugw("Request served",
			logger.FieldMethod, r.Method,
			logger.FieldRoute, r.URL.EscapedPath(),
			logger.FieldStatus, rec.status,
			logger.FieldRequestID, requestID,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	dto, err := s.backend.Project(r.PathValue("projectId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handlePutProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("projectId")
	var in sync.ProjectDto
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, err)
		return
	}
	if in.ID != "" && in.ID != id {
		writeError(w, http.StatusBadRequest, "body id "+in.ID+" does not match path id "+id)
		return
	}
	in.ID = id
	var beforeHead string
	before, err := s.backend.Project(id)
	switch {
	case err == nil:
		beforeHead = before.Head
	case errors.IsNotFoundError(err):
	default:
		writeErr(w, err)
		return
	}

	created, err := s.backend.PutProject(r.Context(), in)
	if err != nil {
		writeErr(w, err)
		return
	}
	out, err := s.backend.Project(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.hub.Broadcast(Event{Type: EventProjectCreated, ProjectID: id})
	} else if out.Head != beforeHead {
		s.hub.Broadcast(Event{Type: EventHeadUpdated, ProjectID: id, Head: out.Head})
	}
	writeJSON(w, status, out)
}

func (s *Server) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	dto, err := s.backend.Revision(r.PathValue("projectId"), r.PathValue("revisionId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handlePutRevision(w http.ResponseWriter, r *http.Request) {
	projectID, revisionID := r.PathValue("projectId"), r.PathValue("revisionId")
	var in sync.RevisionDto
	if err := readJSON(w, r, &in); err != nil {
		writeErr(w, err)
		return
	}
	if in.ID != "" && in.ID != revisionID {
		writeError(w, http.StatusBadRequest, "body id "+in.ID+" does not match path id "+revisionID)
		return
	}
	in.ID = revisionID

	created, err := s.backend.PutRevision(projectID, in)
	if err != nil {
		status := writeErr(w, err)
		s.logger.Infow(sym.Push+" Revision rejected",
			logger.FieldProjectID, projectID,
			logger.FieldRevisionID, revisionID,
			logger.FieldStatus, status,
			logger.FieldError, err,
		)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.hub.Broadcast(Event{
			Type:       EventRevisionPushed,
			ProjectID:  projectID,
			RevisionID: revisionID,
			ParentID:   in.ParentID,
		})
	}
	in.Data = nil
	writeJSON(w, status, in)
}
