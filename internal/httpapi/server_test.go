package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/regionsync/internal/merge"
	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/resolver"
	"github.com/cybertec-postgresql/regionsync/internal/store"
	"github.com/cybertec-postgresql/regionsync/internal/store/memstore"
)

const testKey = "s3cret"

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	master *memstore.Store
	coord  *merge.Coordinator
	url    string
}

func newFixture(t *testing.T, policy resolver.Policy, maxBody int64, opts ...memstore.Option) *fixture {
	t.Helper()
	master := memstore.New(opts...)
	coord := merge.NewCoordinator(merge.NewEngine(policy), master)
	ctx, cancel := context.WithCancel(context.Background())
	go coord.Start(ctx)
	t.Cleanup(cancel)

	srv, err := NewServer(coord, master, Config{APIKey: testKey, MaxBodyBytes: maxBody})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{master: master, coord: coord, url: ts.URL}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.url+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if method != http.MethodHead {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func authed(region string) map[string]string {
	return map[string]string{HeaderAPIKey: testKey, HeaderRegion: region}
}

func TestNewServerRequiresKey(t *testing.T) {
	_, err := NewServer(nil, memstore.New(), Config{})
	assert.Error(t, err)
}

func TestHealthAndAutoSyncAreOpen(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)

	status, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		status, _ := f.do(t, method, "/auto-sync", "", nil)
		assert.Equal(t, http.StatusOK, status, method)
	}

	logs, err := f.master.ListLogs(context.Background(), store.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs, "auto-sync must not merge")
}

func TestEndpointsRequireAPIKey(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	endpoints := []struct{ method, path string }{
		{http.MethodPost, "/sync"},
		{http.MethodGet, "/sync/download"},
		{http.MethodGet, "/sync/status"},
		{http.MethodGet, "/sync/logs"},
		{http.MethodGet, "/sync/conflicts"},
		{http.MethodPost, "/sync/conflicts/1/resolve"},
	}
	for _, e := range endpoints {
		for _, key := range []string{"", "wrong"} {
			status, body := f.do(t, e.method, e.path, `{"records":[]}`, map[string]string{HeaderAPIKey: key, HeaderRegion: "north"})
			assert.Equal(t, http.StatusUnauthorized, status, e.path)
			assert.Equal(t, CodeUnauthorized, body["code"], e.path)
			assert.Equal(t, false, body["success"], e.path)
		}
	}
	logs, err := f.master.ListLogs(context.Background(), store.LogFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs, "rejected requests must not reach the store")
}

func TestPushMergesSnapshot(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	body := `{"records":[{"table":"employees","id":100,"region":"north","fields":{"name":"Ann"},"updated_at":"2025-03-10T08:00:00Z"}],
		"tombstones":[{"table":"vehicles","record_id":"7","deleted_at":"2025-03-10T07:00:00Z","deleted_by":"north"}]}`
	headers := authed("north")
	headers[HeaderReason] = "manual"

	status, resp := f.do(t, http.MethodPost, "/sync", body, headers)
	require.Equal(t, http.StatusOK, status, resp)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 1.0, resp["accepted"])
	assert.Equal(t, 1.0, resp["tombstoned"])
	assert.NotEmpty(t, resp["session_id"])

	snap, err := f.master.Snapshot(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, model.ID("100"), snap.Records[0].ID)

	logs, err := f.master.ListLogs(context.Background(), store.LogFilter{SyncType: model.SyncPush})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "manual", logs[0].Reason)
	assert.Equal(t, 2, logs[0].RecordsAffected)
}

func TestPushRejectsBadInput(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 256)

	status, resp := f.do(t, http.MethodPost, "/sync", `{}`, map[string]string{HeaderAPIKey: testKey})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidRequest, resp["code"])

	status, resp = f.do(t, http.MethodPost, "/sync", `{"records":`, authed("north"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidRequest, resp["code"])

	status, resp = f.do(t, http.MethodPost, "/sync", `{"records":[{"table":"","id":"1","updated_at":"2025-03-10T08:00:00Z"}]}`, authed("north"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidSnapshot, resp["code"])

	big := `{"records":[{"table":"employees","id":"1","fields":{"blob":"` + strings.Repeat("x", 512) + `"}}]}`
	status, resp = f.do(t, http.MethodPost, "/sync", big, authed("north"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, CodeTooLarge, resp["code"])
}

func TestPushMergeFailure(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0, memstore.WithUpsertHook(func(r model.Record) error {
		if r.Table == "vehicles" {
			return errors.New("disk full")
		}
		return nil
	}))
	c := NewClient(f.url, testKey, nil)
	_, err := c.Push(context.Background(), "south", "", model.Snapshot{Records: []model.Record{
		{Table: "employees", ID: "1", UpdatedAt: t0},
		{Table: "vehicles", ID: "2", UpdatedAt: t0},
	}})
	var mergeErr *MergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Equal(t, http.StatusInternalServerError, mergeErr.StatusCode)
	assert.Contains(t, mergeErr.Message, "disk full")
	assert.False(t, IsRetryable(err))

	snap, err := f.master.Snapshot(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, snap.Records, "failed merge must leave the master untouched")

	logs, err := f.master.ListLogs(context.Background(), store.LogFilter{SyncType: model.SyncPush})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusFailed, logs[0].Status)
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context) (func(context.Context) error, error) {
	return nil, context.DeadlineExceeded
}

func TestPushLockUnavailableIsRetryable(t *testing.T) {
	master := memstore.New()
	coord := merge.NewCoordinator(merge.NewEngine(resolver.Policy{}), master, merge.WithLocker(busyLocker{}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Start(ctx)
	srv, err := NewServer(coord, master, Config{APIKey: testKey})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, err = NewClient(ts.URL, testKey, nil).Push(ctx, "north", "", model.Snapshot{
		Records: []model.Record{{Table: "employees", ID: "1", Region: "north", UpdatedAt: t0}},
	})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, CodeUnavailable, te.Code)
	assert.True(t, IsRetryable(err))

	logs, err := master.ListLogs(ctx, store.LogFilter{SyncType: model.SyncPush})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusFailed, logs[0].Status)
}

func TestPullEmptyMaster(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	status, resp := f.do(t, http.MethodGet, "/sync/download", "", authed("north"))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeNoMaster, resp["code"])

	_, err := NewClient(f.url, testKey, nil).Pull(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoMaster)

	logs, err := f.master.ListLogs(context.Background(), store.LogFilter{SyncType: model.SyncPull})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.StatusFailed, logs[0].Status)
}

func TestPullRegionFilterKeepsAllTombstones(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	ctx := context.Background()
	require.NoError(t, store.PutRecord(ctx, f.master, model.Record{Table: "employees", ID: "1", Region: "north", UpdatedAt: t0}))
	require.NoError(t, store.PutRecord(ctx, f.master, model.Record{Table: "employees", ID: "2", Region: "south", UpdatedAt: t0}))
	_, err := store.DeleteRecord(ctx, f.master, "employees", "3", "south", t0)
	require.NoError(t, err)

	snap, err := NewClient(f.url, testKey, nil).Pull(ctx, "north")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "north", snap.Records[0].Region)
	require.Len(t, snap.Tombstones, 1)
	assert.Equal(t, model.ID("3"), snap.Tombstones[0].RecordID)

	logs, err := f.master.ListLogs(ctx, store.LogFilter{SyncType: model.SyncPull})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusSuccess, logs[0].Status)
	assert.Equal(t, 2, logs[0].RecordsAffected)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	ctx := context.Background()
	c := NewClient(f.url, testKey, nil)
	_, err := c.Push(ctx, "north", "", model.Snapshot{
		Records:    []model.Record{{Table: "timesheets", ID: "1", Region: "north", UpdatedAt: t0}},
		Tombstones: []model.Tombstone{{Table: "timesheets", RecordID: "2", DeletedAt: t0, DeletedBy: "north"}},
	})
	require.NoError(t, err)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Success)
	assert.Equal(t, 1, st.Stats.Records["timesheets"])
	assert.Equal(t, 1, st.Stats.Tombstones["timesheets"])
	assert.Contains(t, st.LastSync, "north")
	assert.Zero(t, st.PendingConflicts)

	assert.NoError(t, c.Reachable(ctx))
}

func TestLogsLimitValidation(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	for _, limit := range []string{"0", "abc", "1001"} {
		status, resp := f.do(t, http.MethodGet, "/sync/logs?limit="+limit, "", authed(""))
		assert.Equal(t, http.StatusBadRequest, status, limit)
		assert.Equal(t, CodeInvalidRequest, resp["code"])
	}
	status, resp := f.do(t, http.MethodGet, "/sync/logs?limit=5&region=north", "", authed(""))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, resp["logs"])
}

func TestConflictReviewFlow(t *testing.T) {
	f := newFixture(t, resolver.Policy{Default: model.Manual}, 0)
	ctx := context.Background()
	require.NoError(t, store.PutRecord(ctx, f.master, model.Record{Table: "inventory", ID: "9", Fields: map[string]any{"qty": 1.0}, UpdatedAt: t0}))

	c := NewClient(f.url, testKey, nil)
	resp, err := c.Push(ctx, "east", "", model.Snapshot{Records: []model.Record{
		{Table: "inventory", ID: "9", Fields: map[string]any{"qty": 5.0}, UpdatedAt: t0.Add(time.Minute)},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Conflicts)

	status, body := f.do(t, http.MethodGet, "/sync/conflicts", "", authed(""))
	require.Equal(t, http.StatusOK, status)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	id := int64(logs[0].(map[string]any)["id"].(float64))
	path := "/sync/conflicts/" + strconv.FormatInt(id, 10) + "/resolve"

	status, _ = f.do(t, http.MethodPost, "/sync/conflicts/abc/resolve", `{"choice":"remote"}`, authed(""))
	assert.Equal(t, http.StatusBadRequest, status)
	status, body = f.do(t, http.MethodPost, path, `{"choice":"both"}`, authed(""))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidRequest, body["code"])
	status, body = f.do(t, http.MethodPost, "/sync/conflicts/9999/resolve", `{"choice":"remote"}`, authed(""))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, CodeNotFound, body["code"])

	status, body = f.do(t, http.MethodPost, path, `{"choice":"remote"}`, authed(""))
	require.Equal(t, http.StatusOK, status, body)
	resolved := body["logs"].([]any)[0].(map[string]any)
	assert.Equal(t, model.ResolutionManualRemote, resolved["resolution"])

	status, body = f.do(t, http.MethodPost, path, `{"choice":"local"}`, authed(""))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeNotPending, body["code"])

	snap, err := f.master.Snapshot(ctx, "")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, 5.0, snap.Records[0].Fields["qty"])
}
