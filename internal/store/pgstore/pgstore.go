// Package pgstore implements the master entity store and audit log on PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/regionsync/internal/db"
	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

// Store keeps records in sync_records, tombstones in sync_tombstones and the
// audit trail in sync_log.
type Store struct {
	db db.PgxIface
}

var _ store.Backend = (*Store)(nil)

// New creates a store on top of a pool or connection
func New(conn db.PgxIface) *Store {
	return &Store{db: conn}
}

// InTx implements store.Store
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&txn{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectRecords = `SELECT table_name, record_id, region, fields, updated_at
	FROM sync_records
	WHERE $1 = '' OR region = $1
	ORDER BY table_name, record_id`

const selectTombstones = `SELECT table_name, record_id, deleted_at, deleted_by
	FROM sync_tombstones
	ORDER BY table_name, record_id`

// Snapshot implements store.Store. Records and tombstones are read from one
// repeatable read snapshot.
func (s *Store) Snapshot(ctx context.Context, region string) (model.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	snap, err := readSnapshot(ctx, tx, region)
	if err != nil {
		_ = tx.Rollback(ctx)
		return model.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Snapshot{}, fmt.Errorf("failed to finish snapshot: %w", err)
	}
	return snap, nil
}

func readSnapshot(ctx context.Context, tx pgx.Tx, region string) (model.Snapshot, error) {
	snap := model.Snapshot{GeneratedAt: time.Now().UTC()}
	rows, err := tx.Query(ctx, selectRecords, region)
	if err != nil {
		return snap, fmt.Errorf("failed to query records: %w", err)
	}
	snap.Records, err = scanRecords(rows)
	if err != nil {
		return snap, err
	}
	set, err := queryTombstones(ctx, tx)
	if err != nil {
		return snap, err
	}
	snap.Tombstones = set.Slice()
	return snap, nil
}

// Replace implements store.Store
func (s *Store) Replace(ctx context.Context, snap model.Snapshot) error {
	recordRows := make([][]any, 0, len(snap.Records))
	for _, r := range snap.Records {
		if err := r.Validate(); err != nil {
			return err
		}
		r = r.Normalize()
		fields, err := r.FieldsJSON()
		if err != nil {
			return err
		}
		recordRows = append(recordRows, []any{r.Table, string(r.ID), r.Region, string(fields), r.UpdatedAt})
	}
	set := model.NewTombstoneSet(snap.Tombstones...)
	tombRows := make([][]any, 0, set.Len())
	for _, t := range set.Slice() {
		tombRows = append(tombRows, []any{t.Table, string(t.RecordID), t.DeletedAt, t.DeletedBy})
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := replace(ctx, tx, recordRows, tombRows); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	return nil
}

func replace(ctx context.Context, tx pgx.Tx, recordRows, tombRows [][]any) error {
	if _, err := tx.Exec(ctx, `DELETE FROM sync_records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync_tombstones`); err != nil {
		return fmt.Errorf("failed to clear tombstones: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"sync_records"},
		[]string{"table_name", "record_id", "region", "fields", "updated_at"},
		pgx.CopyFromRows(recordRows)); err != nil {
		return fmt.Errorf("failed to copy records: %w", err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"sync_tombstones"},
		[]string{"table_name", "record_id", "deleted_at", "deleted_by"},
		pgx.CopyFromRows(tombRows)); err != nil {
		return fmt.Errorf("failed to copy tombstones: %w", err)
	}
	return nil
}

// Stats implements store.Store
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	stats := store.Stats{Records: map[string]int{}, Tombstones: map[string]int{}}
	if err := s.countBy(ctx, `SELECT table_name, count(*) FROM sync_records GROUP BY table_name`, stats.Records); err != nil {
		return stats, err
	}
	if err := s.countBy(ctx, `SELECT table_name, count(*) FROM sync_tombstones GROUP BY table_name`, stats.Tombstones); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *Store) countBy(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var table string
		var n int64
		if err := rows.Scan(&table, &n); err != nil {
			return fmt.Errorf("error scanning row count: %w", err)
		}
		into[table] = int(n)
	}
	return rows.Err()
}

// Ping implements store.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanRecords(rows pgx.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		var (
			r      model.Record
			id     string
			fields []byte
		)
		if err := rows.Scan(&r.Table, &id, &r.Region, &fields, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning record: %w", err)
		}
		decoded, err := model.DecodeFields(fields)
		if err != nil {
			return nil, err
		}
		r.ID = model.ID(id)
		r.Fields = decoded
		out = append(out, r.Normalize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

type querier interface {
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

func queryTombstones(ctx context.Context, q querier) (model.TombstoneSet, error) {
	rows, err := q.Query(ctx, selectTombstones)
	if err != nil {
		return model.TombstoneSet{}, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()
	var list []model.Tombstone
	for rows.Next() {
		var t model.Tombstone
		var id string
		if err := rows.Scan(&t.Table, &id, &t.DeletedAt, &t.DeletedBy); err != nil {
			return model.TombstoneSet{}, fmt.Errorf("error scanning tombstone: %w", err)
		}
		t.RecordID = model.ID(id)
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return model.TombstoneSet{}, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return model.NewTombstoneSet(list...), nil
}

type txn struct {
	tx pgx.Tx
}

func (t *txn) Get(ctx context.Context, table string, id model.ID) (*model.Record, error) {
	r := model.Record{Table: table, ID: id}
	var fields []byte
	err := t.tx.QueryRow(ctx,
		`SELECT region, fields, updated_at FROM sync_records WHERE table_name = $1 AND record_id = $2`,
		table, string(id)).Scan(&r.Region, &fields, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if r.Fields, err = model.DecodeFields(fields); err != nil {
		return nil, err
	}
	r = r.Normalize()
	return &r, nil
}

func (t *txn) Upsert(ctx context.Context, rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Normalize()
	fields, err := rec.FieldsJSON()
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO sync_records (table_name, record_id, region, fields, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
		region = EXCLUDED.region, fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at`,
		rec.Table, string(rec.ID), rec.Region, string(fields), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

func (t *txn) Delete(ctx context.Context, table string, id model.ID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM sync_records WHERE table_name = $1 AND record_id = $2`, table, string(id))
	if err != nil {
		return false, fmt.Errorf("failed to delete record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txn) ListByTable(ctx context.Context, table, region string) ([]model.Record, error) {
	rows, err := t.tx.Query(ctx, `SELECT table_name, record_id, region, fields, updated_at
		FROM sync_records
		WHERE table_name = $1 AND ($2 = '' OR region = $2)
		ORDER BY record_id`, table, region)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return scanRecords(rows)
}

func (t *txn) RecordDeletion(ctx context.Context, ts model.Tombstone) (model.Tombstone, bool, error) {
	ts.DeletedAt = ts.DeletedAt.UTC().Truncate(time.Microsecond)
	current := model.Tombstone{Table: ts.Table, RecordID: ts.RecordID}
	var created bool
	// an earlier deletion replaces the stored one, matching TombstoneSet.Add
	err := t.tx.QueryRow(ctx, `INSERT INTO sync_tombstones (table_name, record_id, deleted_at, deleted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (table_name, record_id) DO UPDATE
			SET deleted_at = EXCLUDED.deleted_at, deleted_by = EXCLUDED.deleted_by
			WHERE (EXCLUDED.deleted_at, EXCLUDED.deleted_by COLLATE "C")
				< (sync_tombstones.deleted_at, sync_tombstones.deleted_by COLLATE "C")
		RETURNING deleted_at, deleted_by, (xmax = 0) AS created`,
		ts.Table, string(ts.RecordID), ts.DeletedAt, ts.DeletedBy).Scan(&current.DeletedAt, &current.DeletedBy, &created)
	switch {
	case err == nil:
		current.DeletedAt = current.DeletedAt.UTC()
		return current, created, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return model.Tombstone{}, false, fmt.Errorf("failed to record deletion: %w", err)
	}
	err = t.tx.QueryRow(ctx,
		`SELECT deleted_at, deleted_by FROM sync_tombstones WHERE table_name = $1 AND record_id = $2`,
		ts.Table, string(ts.RecordID)).Scan(&current.DeletedAt, &current.DeletedBy)
	if err != nil {
		return model.Tombstone{}, false, fmt.Errorf("failed to read tombstone: %w", err)
	}
	current.DeletedAt = current.DeletedAt.UTC()
	return current, false, nil
}

func (t *txn) HasTombstone(ctx context.Context, table string, id model.ID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_tombstones WHERE table_name = $1 AND record_id = $2)`,
		table, string(id)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return exists, nil
}

func (t *txn) Tombstones(ctx context.Context) (model.TombstoneSet, error) {
	return queryTombstones(ctx, t.tx)
}

func (t *txn) AppendLog(ctx context.Context, entry model.SyncLog) (int64, error) {
	return insertLog(ctx, t.tx, entry)
}

func (t *txn) PendingManualConflict(ctx context.Context, table string, id model.ID) (bool, error) {
	var resolution string
	err := t.tx.QueryRow(ctx, `SELECT resolution FROM sync_log
		WHERE sync_type = 'conflict' AND entity_type = $1 AND entity_id = $2
		AND resolution IN ('manual_required', 'manual_local', 'manual_remote')
		ORDER BY id DESC LIMIT 1`, table, string(id)).Scan(&resolution)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check pending conflict: %w", err)
	}
	return resolution == model.ResolutionManualRequired, nil
}
