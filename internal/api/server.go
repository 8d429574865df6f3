// Package api exposes the coordinator's file operations over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreamware/depot/internal/coordinator"
	"github.com/dreamware/depot/internal/wire"
)

const (
	// maxFileBody fits a MaxPayload file once base64 encoded, plus the
	// surrounding JSON.
	maxFileBody = wire.MaxPayload/3*4 + 4 + 64<<10
	maxLockBody = 64 << 10
)

// Backend is the coordinator surface the HTTP layer needs.
// *coordinator.Service implements it.
type Backend interface {
	SendFileCommand(ctx context.Context, identity, action, filename, department string, content []byte) bool
	RequestFile(ctx context.Context, identity, filename, department string) []byte
	ListFiles(ctx context.Context, identity, department string) []string
	LockFileForEdit(ctx context.Context, identity, filename, department string) bool
	UnlockFileForEdit(ctx context.Context, identity, filename, department string) bool
	Repair(ctx context.Context) (coordinator.FailoverReport, error)
	Nodes() []coordinator.NodeRecord
	Locations() map[string][]string
}

// FileRequest is the body of POST /files/{dept}/{name}.
type FileRequest struct {
	Identity string `json:"identity"`
	Action   string `json:"action"`
	Content  []byte `json:"content,omitempty"`
}

// LockRequest is the body of POST /locks/{dept}/{name}.
type LockRequest struct {
	Identity string `json:"identity"`
	Op       string `json:"op"`
}

// OKResponse reports the outcome of a command.
type OKResponse struct {
	OK bool `json:"ok"`
}

// FileResponse carries a fetched file.
type FileResponse struct {
	Content []byte `json:"content"`
}

// ListResponse carries a department listing.
type ListResponse struct {
	Files []string `json:"files"`
}

// ErrorResponse is written for every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Server routes HTTP requests to a Backend.
type Server struct {
	backend Backend
	log     *zap.Logger
	limiter *rate.Limiter
	metrics http.Handler

	maxFileBody int64
	maxLockBody int64
}

// New creates a Server. A nil limiter disables rate limiting and a nil
// metrics handler leaves /metrics unregistered.
func New(backend Backend, log *zap.Logger, limiter *rate.Limiter, metrics http.Handler) *Server {
	return &Server{
		backend: backend,
		log:     log.Named("api"),
		limiter: limiter,
		metrics: metrics,

		maxFileBody: maxFileBody,
		maxLockBody: maxLockBody,
	}
}

// Handler returns the routed handler wrapped with the request id and rate
// limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/{dept}/{name}", s.handleFileCommand)
	mux.HandleFunc("GET /files/{dept}/{name}", s.handleFetch)
	mux.HandleFunc("GET /files/{dept}", s.handleList)
	mux.HandleFunc("POST /locks/{dept}/{name}", s.handleLock)
	mux.HandleFunc("GET /nodes", s.handleNodes)
	mux.HandleFunc("GET /locations", s.handleLocations)
	mux.HandleFunc("POST /admin/repair", s.handleRepair)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.withRequestID(s.withRateLimit(mux))
}

func (s *Server) handleFileCommand(w http.ResponseWriter, r *http.Request) {
	var req FileRequest
	if !s.decode(w, r, s.maxFileBody, &req) {
		return
	}
	switch req.Action {
	case "add", "edit", "delete":
	default:
		s.writeError(w, r, http.StatusBadRequest, "action must be add, edit or delete")
		return
	}

	ok := s.backend.SendFileCommand(r.Context(), req.Identity, req.Action,
		r.PathValue("name"), r.PathValue("dept"), req.Content)
	requestLogger(r).Debug("file command",
		zap.String("action", req.Action),
		zap.String("department", r.PathValue("dept")),
		zap.String("file", r.PathValue("name")),
		zap.Bool("ok", ok))
	writeJSON(w, http.StatusOK, OKResponse{OK: ok})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	data := s.backend.RequestFile(r.Context(), r.URL.Query().Get("identity"),
		r.PathValue("name"), r.PathValue("dept"))
	if len(data) == 0 {
		s.writeError(w, r, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, FileResponse{Content: data})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	files := s.backend.ListFiles(r.Context(), r.URL.Query().Get("identity"), r.PathValue("dept"))
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Files: files})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !s.decode(w, r, s.maxLockBody, &req) {
		return
	}

	var ok bool
	switch req.Op {
	case "lock":
		ok = s.backend.LockFileForEdit(r.Context(), req.Identity, r.PathValue("name"), r.PathValue("dept"))
	case "unlock":
		ok = s.backend.UnlockFileForEdit(r.Context(), req.Identity, r.PathValue("name"), r.PathValue("dept"))
	default:
		s.writeError(w, r, http.StatusBadRequest, "op must be lock or unlock")
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: ok})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes []coordinator.NodeRecord `json:"nodes"`
	}{Nodes: s.backend.Nodes()})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Locations map[string][]string `json:"locations"`
	}{Locations: s.backend.Locations()})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	report, err := s.backend.Repair(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrNoReachableNodes) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, r, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode reads a JSON body of at most limit bytes into v, answering 413 or
// 400 itself when it cannot.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(v)
	if err == nil {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	s.writeError(w, r, http.StatusBadRequest, "bad json")
	return false
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, RequestID: RequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
