package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

const logColumns = `id, session_id, region, sync_type, entity_type, entity_id, status,
	records_affected, conflict_data, resolution, reason, error, started_at, completed_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLog(ctx context.Context, q execer, entry model.SyncLog) (int64, error) {
	var entityID, conflictData, completed any
	if entry.EntityID != nil {
		entityID = string(*entry.EntityID)
	}
	if len(entry.ConflictData) > 0 {
		conflictData = string(entry.ConflictData)
	}
	if entry.CompletedAt != nil {
		completed = micros(*entry.CompletedAt)
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}
	res, err := q.ExecContext(ctx, `INSERT INTO sync_log (session_id, region, sync_type, entity_type, entity_id, status,
		records_affected, conflict_data, resolution, reason, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Region, string(entry.SyncType), entry.EntityType, entityID, string(entry.Status),
		entry.RecordsAffected, conflictData, entry.Resolution, entry.Reason, entry.Error,
		micros(entry.StartedAt), completed)
	if err != nil {
		return 0, fmt.Errorf("failed to append sync log: %w", err)
	}
	return res.LastInsertId()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(row scanner) (model.SyncLog, error) {
	var (
		l         model.SyncLog
		syncType  string
		status    string
		entityID  sql.NullString
		data      sql.NullString
		started   int64
		completed sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.SessionID, &l.Region, &syncType, &l.EntityType, &entityID, &status,
		&l.RecordsAffected, &data, &l.Resolution, &l.Reason, &l.Error, &started, &completed)
	if err != nil {
		return l, err
	}
	l.SyncType = model.SyncType(syncType)
	l.Status = model.SyncStatus(status)
	if entityID.Valid {
		id := model.ID(entityID.String)
		l.EntityID = &id
	}
	if data.Valid && data.String != "" {
		l.ConflictData = []byte(data.String)
	}
	l.StartedAt = fromMicros(started)
	if completed.Valid {
		at := fromMicros(completed.Int64)
		l.CompletedAt = &at
	}
	return l, nil
}

func collectLogs(rows *sql.Rows, err error) ([]model.SyncLog, error) {
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
	res, err := s.db.ExecContext(ctx, `UPDATE sync_log
		SET status = ?, records_affected = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`, string(status), affected, errText, micros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete sync session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("running sync session %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListLogs implements store.AuditLog, newest first
func (s *Store) ListLogs(ctx context.Context, f store.LogFilter) ([]model.SyncLog, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+logColumns+` FROM sync_log
		WHERE (? = '' OR region = ?) AND (? = '' OR sync_type = ?)
		ORDER BY id DESC LIMIT ?`, f.Region, f.Region, string(f.SyncType), string(f.SyncType), limit)
	return collectLogs(rows, err)
}

// PendingConflicts implements store.AuditLog
func (s *Store) PendingConflicts(ctx context.Context) ([]model.SyncLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+logColumns+` FROM sync_log l
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
	l, err := scanLog(s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM sync_log WHERE id = ? AND sync_type = 'conflict'`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncLog{}, fmt.Errorf("conflict %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("failed to read conflict %d: %w", id, err)
	}
	return l, nil
}

// LastSyncByRegion implements store.AuditLog
func (s *Store) LastSyncByRegion(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT region, max(completed_at) FROM sync_log
		WHERE sync_type = 'push' AND status = 'success' AND completed_at IS NOT NULL
		GROUP BY region`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last sync: %w", err)
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var region string
		var at int64
		if err := rows.Scan(&region, &at); err != nil {
			return nil, fmt.Errorf("error scanning last sync: %w", err)
		}
		out[region] = fromMicros(at)
	}
	return out, rows.Err()
}
