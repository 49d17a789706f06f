// Package sqlitestore keeps a site's local replica in an SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	fields TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (table_name, record_id)
);
CREATE TABLE IF NOT EXISTS tombstones (
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	deleted_at INTEGER NOT NULL,
	deleted_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (table_name, record_id)
);
CREATE TABLE IF NOT EXISTS sync_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	sync_type TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT,
	status TEXT NOT NULL,
	records_affected INTEGER NOT NULL DEFAULT 0,
	conflict_data TEXT,
	resolution TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_records_region ON records(region);
CREATE INDEX IF NOT EXISTS idx_sync_log_conflict ON sync_log(entity_type, entity_id) WHERE sync_type = 'conflict';
`

// Store is an SQLite backed replica. Timestamps are stored as Unix microseconds.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens (creating if needed) the replica at path. ":memory:" yields a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open replica %s: %w", path, err)
	}
	if isMemory(path) {
		// every connection would see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open replica %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create replica schema: %w", err)
	}
	logrus.WithFields(logrus.Fields{"component": "replica", "path": path}).Debug("Replica opened")
	return &Store{db: db}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// dsn enables WAL and a busy timeout so foreground writes wait for a running
// sync instead of failing
func dsn(path string) string {
	if isMemory(path) {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for local application queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// InTx implements store.Store
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&txn{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Snapshot implements store.Store
func (s *Store) Snapshot(ctx context.Context, region string) (model.Snapshot, error) {
	snap := model.Snapshot{GeneratedAt: time.Now().UTC()}
	err := s.InTx(ctx, func(t store.Tx) error {
		tx := t.(*txn).tx
		rows, err := tx.QueryContext(ctx, `SELECT table_name, record_id, region, fields, updated_at
			FROM records WHERE ? = '' OR region = ? ORDER BY table_name, record_id`, region, region)
		if err != nil {
			return fmt.Errorf("failed to query records: %w", err)
		}
		if snap.Records, err = scanRecords(rows); err != nil {
			return err
		}
		set, err := t.Tombstones(ctx)
		if err != nil {
			return err
		}
		snap.Tombstones = set.Slice()
		return nil
	})
	return snap, err
}

// Replace implements store.Store
func (s *Store) Replace(ctx context.Context, snap model.Snapshot) error {
	for _, r := range snap.Records {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return s.InTx(ctx, func(t store.Tx) error {
		tx := t.(*txn).tx
		if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
			return fmt.Errorf("failed to clear records: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones`); err != nil {
			return fmt.Errorf("failed to clear tombstones: %w", err)
		}
		for _, r := range snap.Records {
			if err := t.Upsert(ctx, r); err != nil {
				return err
			}
		}
		for _, ts := range model.NewTombstoneSet(snap.Tombstones...).Slice() {
			if _, _, err := t.RecordDeletion(ctx, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats implements store.Store
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	stats := store.Stats{Records: map[string]int{}, Tombstones: map[string]int{}}
	for query, into := range map[string]map[string]int{
		`SELECT table_name, count(*) FROM records GROUP BY table_name`:    stats.Records,
		`SELECT table_name, count(*) FROM tombstones GROUP BY table_name`: stats.Tombstones,
	} {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return stats, fmt.Errorf("failed to count rows: %w", err)
		}
		for rows.Next() {
			var table string
			var n int
			if err := rows.Scan(&table, &n); err != nil {
				rows.Close()
				return stats, fmt.Errorf("error scanning row count: %w", err)
			}
			into[table] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Ping implements store.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func micros(t time.Time) int64 {
	return t.UTC().Truncate(time.Microsecond).UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func scanRecords(rows *sql.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		var (
			r       model.Record
			id      string
			fields  string
			updated int64
		)
		if err := rows.Scan(&r.Table, &id, &r.Region, &fields, &updated); err != nil {
			return nil, fmt.Errorf("error scanning record: %w", err)
		}
		decoded, err := model.DecodeFields([]byte(fields))
		if err != nil {
			return nil, err
		}
		r.ID = model.ID(id)
		r.Fields = decoded
		r.UpdatedAt = fromMicros(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

type txn struct {
	tx *sql.Tx
}

func (t *txn) Get(ctx context.Context, table string, id model.ID) (*model.Record, error) {
	r := model.Record{Table: table, ID: id}
	var fields string
	var updated int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT region, fields, updated_at FROM records WHERE table_name = ? AND record_id = ?`,
		table, string(id)).Scan(&r.Region, &fields, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if r.Fields, err = model.DecodeFields([]byte(fields)); err != nil {
		return nil, err
	}
	r.UpdatedAt = fromMicros(updated)
	return &r, nil
}

func (t *txn) Upsert(ctx context.Context, rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	fields, err := rec.FieldsJSON()
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO records (table_name, record_id, region, fields, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
		region = excluded.region, fields = excluded.fields, updated_at = excluded.updated_at`,
		rec.Table, string(rec.ID), rec.Region, string(fields), micros(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (t *txn) Delete(ctx context.Context, table string, id model.ID) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE table_name = ? AND record_id = ?`, table, string(id))
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *txn) ListByTable(ctx context.Context, table, region string) ([]model.Record, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT table_name, record_id, region, fields, updated_at
		FROM records WHERE table_name = ? AND (? = '' OR region = ?) ORDER BY record_id`,
		table, region, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return scanRecords(rows)
}

func (t *txn) RecordDeletion(ctx context.Context, ts model.Tombstone) (model.Tombstone, bool, error) {
	ts.DeletedAt = ts.DeletedAt.UTC().Truncate(time.Microsecond)
	existing := model.Tombstone{Table: ts.Table, RecordID: ts.RecordID}
	var deleted int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT deleted_at, deleted_by FROM tombstones WHERE table_name = ? AND record_id = ?`,
		ts.Table, string(ts.RecordID)).Scan(&deleted, &existing.DeletedBy)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = t.tx.ExecContext(ctx, `INSERT INTO tombstones (table_name, record_id, deleted_at, deleted_by)
			VALUES (?, ?, ?, ?)`,
			ts.Table, string(ts.RecordID), micros(ts.DeletedAt), ts.DeletedBy)
		if err != nil {
			return model.Tombstone{}, false, fmt.Errorf("failed to record deletion: %w", err)
		}
		return ts, true, nil
	}
	if err != nil {
		return model.Tombstone{}, false, fmt.Errorf("failed to read tombstone: %w", err)
	}
	existing.DeletedAt = fromMicros(deleted)

	// the earlier deletion stays in effect, as in TombstoneSet
	winner, _ := model.NewTombstoneSet(existing, ts).Get(ts.Key())
	if winner.DeletedBy == existing.DeletedBy && winner.DeletedAt.Equal(existing.DeletedAt) {
		return existing, false, nil
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE tombstones SET deleted_at = ?, deleted_by = ? WHERE table_name = ? AND record_id = ?`,
		micros(winner.DeletedAt), winner.DeletedBy, ts.Table, string(ts.RecordID))
	if err != nil {
		return model.Tombstone{}, false, fmt.Errorf("failed to record deletion: %w", err)
	}
	return winner, false, nil
}

func (t *txn) HasTombstone(ctx context.Context, table string, id model.ID) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT count(*) FROM tombstones WHERE table_name = ? AND record_id = ?`, table, string(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return n > 0, nil
}

func (t *txn) Tombstones(ctx context.Context) (model.TombstoneSet, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT table_name, record_id, deleted_at, deleted_by FROM tombstones`)
	if err != nil {
		return model.TombstoneSet{}, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()
	var list []model.Tombstone
	for rows.Next() {
		var ts model.Tombstone
		var id string
		var deleted int64
		if err := rows.Scan(&ts.Table, &id, &deleted, &ts.DeletedBy); err != nil {
			return model.TombstoneSet{}, fmt.Errorf("error scanning tombstone: %w", err)
		}
		ts.RecordID = model.ID(id)
		ts.DeletedAt = fromMicros(deleted)
		list = append(list, ts)
	}
	if err := rows.Err(); err != nil {
		return model.TombstoneSet{}, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return model.NewTombstoneSet(list...), nil
}

func (t *txn) AppendLog(ctx context.Context, entry model.SyncLog) (int64, error) {
	return insertLog(ctx, t.tx, entry)
}

func (t *txn) PendingManualConflict(ctx context.Context, table string, id model.ID) (bool, error) {
	var resolution string
	err := t.tx.QueryRowContext(ctx, `SELECT resolution FROM sync_log
		WHERE sync_type = 'conflict' AND entity_type = ? AND entity_id = ?
		AND resolution IN ('manual_required', 'manual_local', 'manual_remote')
		ORDER BY id DESC LIMIT 1`, table, string(id)).Scan(&resolution)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check pending conflict: %w", err)
	}
	return resolution == model.ResolutionManualRequired, nil
}
