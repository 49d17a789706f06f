// Package memstore keeps an entity store in process memory. It backs the server
// when no PostgreSQL DSN is configured and drives the engine tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

// Option customizes a Store
type Option func(*Store)

// WithUpsertHook installs a hook called before every upsert; its error aborts
// the surrounding transaction.
func WithUpsertHook(hook func(model.Record) error) Option {
	return func(s *Store) {
		s.upsertHook = hook
	}
}

// WithClock overrides time.Now for audit timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type state struct {
	records    map[model.Key]model.Record
	tombstones model.TombstoneSet
	logs       []model.SyncLog
	nextLogID  int64
}

func (st *state) clone() *state {
	out := &state{
		records:    make(map[model.Key]model.Record, len(st.records)),
		tombstones: model.NewTombstoneSet(st.tombstones.Slice()...),
		logs:       make([]model.SyncLog, len(st.logs)),
		nextLogID:  st.nextLogID,
	}
	for k, r := range st.records {
		out.records[k] = cloneRecord(r)
	}
	copy(out.logs, st.logs)
	return out
}

func cloneRecord(r model.Record) model.Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

// Store is a copy-on-write in-memory store. Transactions work on a private copy
// that replaces the shared state only on commit.
type Store struct {
	mu         sync.Mutex
	st         *state
	upsertHook func(model.Record) error
	now        func() time.Time
}

var _ store.Backend = (*Store)(nil)

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		st: &state{
			records:   map[model.Key]model.Record{},
			nextLogID: 1,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// InTx implements store.Store
func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(&tx{st: work, store: s}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Snapshot implements store.Store
func (s *Store) Snapshot(_ context.Context, region string) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := model.Snapshot{
		Records:     make([]model.Record, 0, len(s.st.records)),
		Tombstones:  s.st.tombstones.Slice(),
		GeneratedAt: s.now().UTC(),
	}
	for _, r := range s.st.records {
		if region == "" || r.Region == region {
			snap.Records = append(snap.Records, cloneRecord(r))
		}
	}
	sortRecords(snap.Records)
	return snap, nil
}

// Replace implements store.Store
func (s *Store) Replace(_ context.Context, snap model.Snapshot) error {
	records := make(map[model.Key]model.Record, len(snap.Records))
	for _, r := range snap.Records {
		if err := r.Validate(); err != nil {
			return err
		}
		records[r.Key()] = cloneRecord(r.Normalize())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.records = records
	s.st.tombstones = model.NewTombstoneSet(snap.Tombstones...)
	return nil
}

// Stats implements store.Store
func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := store.Stats{Records: map[string]int{}, Tombstones: map[string]int{}}
	for k := range s.st.records {
		stats.Records[k.Table]++
	}
	for _, t := range s.st.tombstones.Slice() {
		stats.Tombstones[t.Table]++
	}
	return stats, nil
}

// Ping implements store.Store
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// BeginSession implements store.AuditLog
func (s *Store) BeginSession(_ context.Context, entry model.SyncLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Status = model.StatusRunning
	entry.CompletedAt = nil
	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.now().UTC()
	}
	return s.st.appendLog(entry), nil
}

// CompleteSession implements store.AuditLog
func (s *Store) CompleteSession(_ context.Context, id int64, status model.SyncStatus, affected int, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.logs {
		l := &s.st.logs[i]
		if l.ID != id {
			continue
		}
		if l.Status != model.StatusRunning {
			break
		}
		now := s.now().UTC()
		l.Status = status
		l.RecordsAffected = affected
		l.Error = errText
		l.CompletedAt = &now
		return nil
	}
	return fmt.Errorf("running sync session %d: %w", id, store.ErrNotFound)
}

// ListLogs implements store.AuditLog, newest first
func (s *Store) ListLogs(_ context.Context, f store.LogFilter) ([]model.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncLog
	for i := len(s.st.logs) - 1; i >= 0; i-- {
		l := s.st.logs[i]
		if f.Region != "" && l.Region != f.Region {
			continue
		}
		if f.SyncType != "" && l.SyncType != f.SyncType {
			continue
		}
		out = append(out, l)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// PendingConflicts implements store.AuditLog
func (s *Store) PendingConflicts(_ context.Context) ([]model.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncLog
	for _, l := range s.st.logs {
		if l.SyncType == model.SyncConflict && l.Resolution == model.ResolutionManualRequired && l.EntityID != nil &&
			s.st.pendingFor(l.EntityType, *l.EntityID) == l.ID {
			out = append(out, l)
		}
	}
	return out, nil
}

// ConflictByID implements store.AuditLog
func (s *Store) ConflictByID(_ context.Context, id int64) (model.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.st.logs {
		if l.ID == id && l.SyncType == model.SyncConflict {
			return l, nil
		}
	}
	return model.SyncLog{}, fmt.Errorf("conflict %d: %w", id, store.ErrNotFound)
}

// LastSyncByRegion implements store.AuditLog
func (s *Store) LastSyncByRegion(_ context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for _, l := range s.st.logs {
		if l.SyncType != model.SyncPush || l.Status != model.StatusSuccess || l.CompletedAt == nil {
			continue
		}
		if l.CompletedAt.After(out[l.Region]) {
			out[l.Region] = *l.CompletedAt
		}
	}
	return out, nil
}

func (st *state) appendLog(entry model.SyncLog) int64 {
	entry.ID = st.nextLogID
	st.nextLogID++
	st.logs = append(st.logs, entry)
	return entry.ID
}

// pendingFor returns the id of the manual_required row awaiting a decision for
// key, or 0.
func (st *state) pendingFor(table string, id model.ID) int64 {
	for i := len(st.logs) - 1; i >= 0; i-- {
		l := st.logs[i]
		if l.SyncType != model.SyncConflict || l.EntityType != table || l.EntityID == nil || *l.EntityID != id {
			continue
		}
		switch l.Resolution {
		case model.ResolutionManualRequired:
			return l.ID
		case model.ResolutionManualLocal, model.ResolutionManualRemote:
			return 0
		}
	}
	return 0
}

type tx struct {
	st    *state
	store *Store
}

func (t *tx) Get(_ context.Context, table string, id model.ID) (*model.Record, error) {
	r, ok := t.st.records[model.Key{Table: table, ID: id}]
	if !ok {
		return nil, nil
	}
	r = cloneRecord(r)
	return &r, nil
}

func (t *tx) Upsert(_ context.Context, rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if t.store.upsertHook != nil {
		if err := t.store.upsertHook(rec); err != nil {
			return err
		}
	}
	t.st.records[rec.Key()] = cloneRecord(rec.Normalize())
	return nil
}

func (t *tx) Delete(_ context.Context, table string, id model.ID) (bool, error) {
	k := model.Key{Table: table, ID: id}
	_, ok := t.st.records[k]
	delete(t.st.records, k)
	return ok, nil
}

func (t *tx) ListByTable(_ context.Context, table, region string) ([]model.Record, error) {
	var out []model.Record
	for k, r := range t.st.records {
		if k.Table == table && (region == "" || r.Region == region) {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (t *tx) RecordDeletion(_ context.Context, ts model.Tombstone) (model.Tombstone, bool, error) {
	created := t.st.tombstones.Add(ts)
	current, _ := t.st.tombstones.Get(ts.Key())
	return current, created, nil
}

func (t *tx) HasTombstone(_ context.Context, table string, id model.ID) (bool, error) {
	return t.st.tombstones.Has(table, id), nil
}

func (t *tx) Tombstones(_ context.Context) (model.TombstoneSet, error) {
	return model.NewTombstoneSet(t.st.tombstones.Slice()...), nil
}

func (t *tx) AppendLog(_ context.Context, entry model.SyncLog) (int64, error) {
	if entry.StartedAt.IsZero() {
		entry.StartedAt = t.store.now().UTC()
	}
	return t.st.appendLog(entry), nil
}

func (t *tx) PendingManualConflict(_ context.Context, table string, id model.ID) (bool, error) {
	return t.st.pendingFor(table, id) != 0, nil
}

func sortRecords(recs []model.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Table != recs[j].Table {
			return recs[i].Table < recs[j].Table
		}
		return recs[i].ID < recs[j].ID
	})
}
