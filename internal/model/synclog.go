package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SyncType classifies audit log rows
type SyncType string

const (
	SyncPush     SyncType = "push"
	SyncPull     SyncType = "pull"
	SyncConflict SyncType = "conflict"
)

// SyncStatus is the lifecycle state of an audit log row
type SyncStatus string

const (
	StatusRunning  SyncStatus = "running"
	StatusSuccess  SyncStatus = "success"
	StatusFailed   SyncStatus = "failed"
	StatusConflict SyncStatus = "conflict"
)

// Resolution labels written to the audit log
const (
	ResolutionIdentical      = "identical"
	ResolutionRemoteNewer    = "remote_newer"
	ResolutionLocalNewer     = "local_newer"
	ResolutionTieLocalWins   = "tie_local_wins"
	ResolutionLocalWins      = "local_wins"
	ResolutionRemoteWins     = "remote_wins"
	ResolutionManualRequired = "manual_required"
	ResolutionManualLocal    = "manual_local"
	ResolutionManualRemote   = "manual_remote"
)

// SyncLog is one row of the append-only sync audit trail. Sessions are created
// as running and completed exactly once; conflict rows are written complete.
type SyncLog struct {
	ID              int64           `json:"id"`
	SessionID       string          `json:"session_id"`
	Region          string          `json:"region"`
	SyncType        SyncType        `json:"sync_type"`
	EntityType      string          `json:"entity_type,omitempty"`
	EntityID        *ID             `json:"entity_id,omitempty"`
	Status          SyncStatus      `json:"status"`
	RecordsAffected int             `json:"records_affected"`
	ConflictData    json.RawMessage `json:"conflict_data,omitempty"`
	Resolution      string          `json:"resolution,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ConflictData is the payload stored with conflict rows
type ConflictData struct {
	Local  Record `json:"local"`
	Remote Record `json:"remote"`
}

// Decode parses the conflict payload of a conflict row
func (l SyncLog) Decode() (ConflictData, error) {
	var data ConflictData
	if len(l.ConflictData) == 0 {
		return data, fmt.Errorf("sync log %d carries no conflict data", l.ID)
	}
	if err := json.Unmarshal(l.ConflictData, &data); err != nil {
		return data, fmt.Errorf("failed to decode conflict data of sync log %d: %w", l.ID, err)
	}
	return data, nil
}

// NewConflictLog builds the audit row for a resolved or pending conflict
func NewConflictLog(sessionID, region string, local, remote Record, status SyncStatus, resolution string, at time.Time) (SyncLog, error) {
	payload, err := json.Marshal(ConflictData{Local: local, Remote: remote})
	if err != nil {
		return SyncLog{}, fmt.Errorf("failed to encode conflict data: %w", err)
	}
	id := local.ID
	return SyncLog{
		SessionID:       sessionID,
		Region:          region,
		SyncType:        SyncConflict,
		EntityType:      local.Table,
		EntityID:        &id,
		Status:          status,
		RecordsAffected: 1,
		ConflictData:    payload,
		Resolution:      resolution,
		StartedAt:       at,
		CompletedAt:     &at,
	}, nil
}

// Strategy selects how the resolver picks a winner between two versions of a row
type Strategy string

const (
	NewerWins  Strategy = "newer_wins"
	LocalWins  Strategy = "local_wins"
	RemoteWins Strategy = "remote_wins"
	Manual     Strategy = "manual"
)

// ParseStrategy validates a strategy name; empty selects newer_wins
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NewerWins:
		return NewerWins, nil
	case LocalWins:
		return LocalWins, nil
	case RemoteWins:
		return RemoteWins, nil
	case Manual:
		return Manual, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}
