package httpapi

import (
	"time"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

// Request headers
const (
	HeaderAPIKey = "X-API-KEY"
	HeaderRegion = "X-Region"
	HeaderReason = "X-Reason"
)

// PushResponse is the body of a successful POST /sync
type PushResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	model.MergeResult
}

// StatusResponse is the body of GET /sync/status
type StatusResponse struct {
	Success          bool                 `json:"success"`
	Stats            store.Stats          `json:"stats"`
	LastSync         map[string]time.Time `json:"last_sync"`
	PendingConflicts int                  `json:"pending_conflicts"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// ResolveRequest is the body of POST /sync/conflicts/{id}/resolve
type ResolveRequest struct {
	Choice string `json:"choice"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type logsResponse struct {
	Success bool            `json:"success"`
	Logs    []model.SyncLog `json:"logs"`
}
