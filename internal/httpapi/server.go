// Package httpapi exposes the master store over HTTP and provides the client
// and agent used by regional sites to push and pull snapshots.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/merge"
	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/resolver"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

// DefaultMaxBodyBytes bounds the size of a pushed snapshot
const DefaultMaxBodyBytes int64 = 64 << 20

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// Config holds the server settings
type Config struct {
	APIKey       string
	MaxBodyBytes int64
}

// Server serves the sync endpoints of the master
type Server struct {
	coord   *merge.Coordinator
	backend store.Backend
	apiKey  []byte
	maxBody int64
	log     *logrus.Entry
}

// NewServer creates the HTTP front of the master. All merges go through coord.
func NewServer(coord *merge.Coordinator, backend store.Backend, cfg Config) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("an API key is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		coord:   coord,
		backend: backend,
		apiKey:  []byte(cfg.APIKey),
		maxBody: cfg.MaxBodyBytes,
		log:     logrus.WithField("component", "httpapi"),
	}, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /auto-sync", s.handleAutoSync)
	mux.HandleFunc("POST /auto-sync", s.handleAutoSync)

	mux.Handle("POST /sync", s.authenticated(s.handlePush))
	mux.Handle("GET /sync/download", s.authenticated(s.handlePull))
	mux.Handle("GET /sync/status", s.authenticated(s.handleStatus))
	mux.Handle("GET /sync/logs", s.authenticated(s.handleLogs))
	mux.Handle("GET /sync/conflicts", s.authenticated(s.handleConflicts))
	mux.Handle("POST /sync/conflicts/{id}/resolve", s.authenticated(s.handleResolve))
	return s.logRequests(mux)
}

// authenticated rejects requests without the shared key before the handler
// touches any store
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), s.apiKey) != 1 {
			s.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid API key")
			return
		}
		next(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"region":   r.Header.Get(HeaderRegion),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "ok"})
}

// handleAutoSync lets clients probe whether syncing is possible right now.
// It never merges anything.
func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		s.log.WithError(err).Warn("Master store unreachable")
		s.writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "master store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "master reachable"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	region := r.Header.Get(HeaderRegion)
	if region == "" {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, HeaderRegion+" header is required")
		return
	}

	var snap model.Snapshot
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, CodeTooLarge,
				fmt.Sprintf("snapshot exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to parse snapshot: "+err.Error())
		return
	}

	out, err := s.coord.Submit(r.Context(), merge.Request{
		Region:   region,
		Reason:   r.Header.Get(HeaderReason),
		Snapshot: snap,
	})
	switch {
	case err == nil:
	case errors.Is(err, merge.ErrInvalidSnapshot):
		s.writeError(w, http.StatusBadRequest, CodeInvalidSnapshot, err.Error())
		return
	case errors.Is(err, merge.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "server is shutting down")
		return
	case errors.Is(err, merge.ErrLockUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		return
	case r.Context().Err() != nil:
		// the client is gone, the merge itself keeps running
		s.log.WithField("region", region).Warn("Client went away before the merge finished")
		return
	default:
		s.writeError(w, http.StatusInternalServerError, CodeMergeFailed, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, PushResponse{
		Success:     true,
		Message:     fmt.Sprintf("merged snapshot from %s", region),
		SessionID:   out.SessionID,
		MergeResult: out.Result,
	})
}

// handlePull serves the master snapshot. It only reads entity data but
// records a pull session in the audit log.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	region := r.Header.Get(HeaderRegion)
	logID, err := s.backend.BeginSession(ctx, model.SyncLog{
		SessionID: uuid.NewString(),
		Region:    region,
		SyncType:  model.SyncPull,
		Reason:    r.Header.Get(HeaderReason),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to open pull session")
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to open sync session")
		return
	}
	complete := func(status model.SyncStatus, affected int, errText string) {
		if err := s.backend.CompleteSession(ctx, logID, status, affected, errText); err != nil {
			s.log.WithError(err).Error("Failed to complete pull session")
		}
	}

	snap, err := s.backend.Snapshot(ctx, r.URL.Query().Get("region"))
	if err != nil {
		complete(model.StatusFailed, 0, err.Error())
		s.log.WithError(err).Error("Failed to read master snapshot")
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to read master snapshot")
		return
	}
	if snap.Empty() {
		complete(model.StatusFailed, 0, ErrNoMaster.Error())
		s.writeError(w, http.StatusNotFound, CodeNoMaster, ErrNoMaster.Error())
		return
	}
	complete(model.StatusSuccess, len(snap.Records)+len(snap.Tombstones), "")
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.backend.Stats(ctx)
	if err != nil {
		s.internalError(w, "failed to read store statistics", err)
		return
	}
	last, err := s.backend.LastSyncByRegion(ctx)
	if err != nil {
		s.internalError(w, "failed to read last sync times", err)
		return
	}
	pending, err := s.backend.PendingConflicts(ctx)
	if err != nil {
		s.internalError(w, "failed to read pending conflicts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Success:          true,
		Stats:            stats,
		LastSync:         last,
		PendingConflicts: len(pending),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultLogLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLogLimit {
			s.writeError(w, http.StatusBadRequest, CodeInvalidRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxLogLimit))
			return
		}
		limit = n
	}
	logs, err := s.backend.ListLogs(r.Context(), store.LogFilter{
		Region:   q.Get("region"),
		SyncType: model.SyncType(q.Get("type")),
		Limit:    limit,
	})
	if err != nil {
		s.internalError(w, "failed to list sync logs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, logsResponse{Success: true, Logs: nonNil(logs)})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	pending, err := s.backend.PendingConflicts(r.Context())
	if err != nil {
		s.internalError(w, "failed to list pending conflicts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, logsResponse{Success: true, Logs: nonNil(pending)})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "conflict id must be a positive integer")
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to parse resolution")
		return
	}
	choice := resolver.Side(req.Choice)
	if choice != resolver.SideLocal && choice != resolver.SideRemote {
		s.writeError(w, http.StatusBadRequest, CodeInvalidRequest, `choice must be "local" or "remote"`)
		return
	}

	entry, err := s.coord.ResolveManual(r.Context(), id, choice)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, logsResponse{Success: true, Logs: []model.SyncLog{entry}})
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, store.ErrConflictPending):
		s.writeError(w, http.StatusConflict, CodeNotPending, err.Error())
	case errors.Is(err, merge.ErrLockUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		s.internalError(w, "failed to resolve conflict", err)
	}
}

func nonNil(logs []model.SyncLog) []model.SyncLog {
	if logs == nil {
		return []model.SyncLog{}
	}
	return logs
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.WithError(err).Error(msg)
	s.writeError(w, http.StatusInternalServerError, CodeInternal, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, ErrorResponse{Success: false, Error: msg, Code: code})
	s.log.WithFields(logrus.Fields{
		"status_code": status,
		"error_code":  code,
	}).Debug(msg)
}
