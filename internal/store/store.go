// Package store defines the entity store and audit log contracts shared by the
// master (PostgreSQL), replica (SQLite) and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/regionsync/internal/model"
)

var (
	// ErrNotFound is returned when an addressed row or log entry does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflictPending is returned when a manual conflict was already resolved
	// or is not awaiting a decision
	ErrConflictPending = errors.New("conflict is not awaiting manual resolution")
)

// Tx is a unit of work against an entity store. All changes made through a Tx
// become visible together or not at all.
type Tx interface {
	Get(ctx context.Context, table string, id model.ID) (*model.Record, error)
	// Upsert overwrites the full row
	Upsert(ctx context.Context, rec model.Record) error
	// Delete removes the row and reports whether it existed. It does not write a tombstone.
	Delete(ctx context.Context, table string, id model.ID) (bool, error)
	// ListByTable returns the rows of table; an empty region returns every region
	ListByTable(ctx context.Context, table, region string) ([]model.Record, error)

	// RecordDeletion writes a tombstone and returns the one now in effect
	// together with whether the key was newly tombstoned. For a key already
	// tombstoned the earlier deletion is kept, as in model.TombstoneSet.
	RecordDeletion(ctx context.Context, t model.Tombstone) (model.Tombstone, bool, error)
	HasTombstone(ctx context.Context, table string, id model.ID) (bool, error)
	Tombstones(ctx context.Context) (model.TombstoneSet, error)

	// AppendLog writes a complete audit row inside the transaction
	AppendLog(ctx context.Context, entry model.SyncLog) (int64, error)
	// PendingManualConflict reports whether key awaits an operator decision
	PendingManualConflict(ctx context.Context, table string, id model.ID) (bool, error)
}

// Stats is the read-only diagnostic view of a store
type Stats struct {
	Records    map[string]int `json:"records"`
	Tombstones map[string]int `json:"tombstones"`
}

// Store is a keyed collection of rows per table plus its tombstone log.
type Store interface {
	// InTx runs fn in a transaction; fn's error rolls everything back
	InTx(ctx context.Context, fn func(Tx) error) error
	// Snapshot returns the records (optionally of one region) and all tombstones
	Snapshot(ctx context.Context, region string) (model.Snapshot, error)
	// Replace swaps the whole content of the store for the snapshot
	Replace(ctx context.Context, snap model.Snapshot) error
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// LogFilter narrows ListLogs
type LogFilter struct {
	Region   string
	SyncType model.SyncType
	Limit    int
}

// AuditLog persists the sync audit trail.
type AuditLog interface {
	// BeginSession creates a running session row and returns its id
	BeginSession(ctx context.Context, entry model.SyncLog) (int64, error)
	// CompleteSession moves a running session to its terminal status. A
	// session that is already complete yields ErrNotFound.
	CompleteSession(ctx context.Context, id int64, status model.SyncStatus, affected int, errText string) error
	ListLogs(ctx context.Context, filter LogFilter) ([]model.SyncLog, error)
	// PendingConflicts lists manual conflicts still awaiting an operator
	PendingConflicts(ctx context.Context) ([]model.SyncLog, error)
	ConflictByID(ctx context.Context, id int64) (model.SyncLog, error)
	// LastSyncByRegion returns the completion time of the last successful push per region
	LastSyncByRegion(ctx context.Context) (map[string]time.Time, error)
}

// Backend is a store that also keeps the audit trail, as every implementation does
type Backend interface {
	Store
	AuditLog
}

// DeleteRecord removes a row and records its tombstone in one transaction.
// Local CRUD must delete through here so the deletion propagates.
func DeleteRecord(ctx context.Context, s Store, table string, id model.ID, actor string, at time.Time) (model.Tombstone, error) {
	var out model.Tombstone
	err := s.InTx(ctx, func(tx Tx) error {
		t, _, err := tx.RecordDeletion(ctx, model.Tombstone{Table: table, RecordID: id, DeletedAt: at, DeletedBy: actor})
		if err != nil {
			return err
		}
		if _, err := tx.Delete(ctx, table, id); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return model.Tombstone{}, fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}
	return out, nil
}

// PutRecord upserts a row unless it is tombstoned
func PutRecord(ctx context.Context, s Store, rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.InTx(ctx, func(tx Tx) error {
		dead, err := tx.HasTombstone(ctx, rec.Table, rec.ID)
		if err != nil {
			return err
		}
		if dead {
			return fmt.Errorf("record %s is deleted: %w", rec.Key(), ErrNotFound)
		}
		return tx.Upsert(ctx, rec.Normalize())
	})
}
