package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

const logColumns = `id, session_id, region, sync_type, entity_type, entity_id, status,
	records_affected, conflict_data, resolution, reason, error, started_at, completed_at`

type execer interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

func insertLog(ctx context.Context, q execer, entry model.SyncLog) (int64, error) {
	var entityID *string
	if entry.EntityID != nil {
		s := string(*entry.EntityID)
		entityID = &s
	}
	var conflictData *string
	if len(entry.ConflictData) > 0 {
		s := string(entry.ConflictData)
		conflictData = &s
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}
	var id int64
	err := q.QueryRow(ctx, `INSERT INTO sync_log (session_id, region, sync_type, entity_type, entity_id, status,
		records_affected, conflict_data, resolution, reason, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		entry.SessionID, entry.Region, string(entry.SyncType), entry.EntityType, entityID, string(entry.Status),
		entry.RecordsAffected, conflictData, entry.Resolution, entry.Reason, entry.Error,
		entry.StartedAt, entry.CompletedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append sync log: %w", err)
	}
	return id, nil
}

func scanLog(row pgx.Row) (model.SyncLog, error) {
	var (
		l        model.SyncLog
		syncType string
		status   string
		entityID *string
		affected int32
		data     []byte
	)
	err := row.Scan(&l.ID, &l.SessionID, &l.Region, &syncType, &l.EntityType, &entityID, &status,
		&affected, &data, &l.Resolution, &l.Reason, &l.Error, &l.StartedAt, &l.CompletedAt)
	if err != nil {
		return l, err
	}
	l.SyncType = model.SyncType(syncType)
	l.Status = model.SyncStatus(status)
	l.RecordsAffected = int(affected)
	if entityID != nil {
		id := model.ID(*entityID)
		l.EntityID = &id
	}
	if len(data) > 0 {
		l.ConflictData = data
	}
	l.StartedAt = l.StartedAt.UTC()
	if l.CompletedAt != nil {
		done := l.CompletedAt.UTC()
		l.CompletedAt = &done
	}
	return l, nil
}

func collectLogs(rows pgx.Rows, err error) ([]model.SyncLog, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()
	var out []model.SyncLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning sync log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync log: %w", err)
	}
	return out, nil
}

// BeginSession implements store.AuditLog
func (s *Store) BeginSession(ctx context.Context, entry model.SyncLog) (int64, error) {
	entry.Status = model.StatusRunning
	entry.CompletedAt = nil
	return insertLog(ctx, s.db, entry)
}

// CompleteSession implements store.AuditLog
func (s *Store) CompleteSession(ctx context.Context, id int64, status model.SyncStatus, affected int, errText string) error {
	tag, err := s.db.Exec(ctx, `UPDATE sync_log
		SET status = $2, records_affected = $3, error = $4, completed_at = now()
		WHERE id = $1 AND status = 'running'`, id, string(status), affected, errText)
	if err != nil {
		return fmt.Errorf("failed to complete sync session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("running sync session %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListLogs implements store.AuditLog, newest first
func (s *Store) ListLogs(ctx context.Context, f store.LogFilter) ([]model.SyncLog, error) {
	rows, err := s.db.Query(ctx, `SELECT `+logColumns+` FROM sync_log
		WHERE ($1 = '' OR region = $1) AND ($2 = '' OR sync_type = $2)
		ORDER BY id DESC
		LIMIT NULLIF($3, 0)`, f.Region, string(f.SyncType), f.Limit)
	return collectLogs(rows, err)
}

// PendingConflicts implements store.AuditLog. A manual conflict is pending
// while no later manual row exists for the same key.
func (s *Store) PendingConflicts(ctx context.Context) ([]model.SyncLog, error) {
	rows, err := s.db.Query(ctx, `SELECT `+logColumns+` FROM sync_log l
		WHERE l.sync_type = 'conflict' AND l.resolution = 'manual_required'
		AND NOT EXISTS (
			SELECT 1 FROM sync_log r
			WHERE r.sync_type = 'conflict' AND r.entity_type = l.entity_type AND r.entity_id = l.entity_id
			AND r.id > l.id AND r.resolution IN ('manual_required', 'manual_local', 'manual_remote')
		)
		ORDER BY l.id`)
	return collectLogs(rows, err)
}

// ConflictByID implements store.AuditLog
func (s *Store) ConflictByID(ctx context.Context, id int64) (model.SyncLog, error) {
	l, err := scanLog(s.db.QueryRow(ctx, `SELECT `+logColumns+` FROM sync_log WHERE id = $1 AND sync_type = 'conflict'`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SyncLog{}, fmt.Errorf("conflict %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("failed to read conflict %d: %w", id, err)
	}
	return l, nil
}

// LastSyncByRegion implements store.AuditLog
func (s *Store) LastSyncByRegion(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.Query(ctx, `SELECT region, max(completed_at) FROM sync_log
		WHERE sync_type = 'push' AND status = 'success' AND completed_at IS NOT NULL
		GROUP BY region`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last sync: %w", err)
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var region string
		var at time.Time
		if err := rows.Scan(&region, &at); err != nil {
			return nil, fmt.Errorf("error scanning last sync: %w", err)
		}
		out[region] = at.UTC()
	}
	return out, rows.Err()
}
