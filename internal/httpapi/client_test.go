package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/resolver"
	"github.com/cybertec-postgresql/regionsync/internal/store"
	"github.com/cybertec-postgresql/regionsync/internal/store/memstore"
)

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		check     func(t *testing.T, err error)
		retryable bool
	}{
		{
			name: "unauthorized", status: http.StatusUnauthorized, body: `{"success":false,"error":"bad key","code":"unauthorized"}`,
			check: func(t *testing.T, err error) {
				var authErr *AuthenticationError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, "bad key", authErr.Message)
			},
		},
		{
			name: "forbidden", status: http.StatusForbidden, body: `nope`,
			check: func(t *testing.T, err error) {
				var authErr *AuthenticationError
				require.ErrorAs(t, err, &authErr)
				assert.Equal(t, "nope", authErr.Message)
			},
		},
		{
			name: "merge failed", status: http.StatusInternalServerError, body: `{"success":false,"error":"rolled back","code":"merge_failed"}`,
			check: func(t *testing.T, err error) {
				var mergeErr *MergeError
				require.ErrorAs(t, err, &mergeErr)
			},
		},
		{
			name: "other server error", status: http.StatusBadGateway, body: `upstream down`, retryable: true,
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusBadGateway, te.StatusCode)
				assert.Equal(t, "upstream down", te.Message)
			},
		},
		{
			name: "bad request", status: http.StatusBadRequest, body: `{"success":false,"error":"x","code":"invalid_snapshot"}`, retryable: true,
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, CodeInvalidSnapshot, te.Code)
			},
		},
		{
			name: "undecodable success", status: http.StatusOK, body: `<html>`, retryable: true,
			check: func(t *testing.T, err error) {
				var te *TransportError
				require.ErrorAs(t, err, &te)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "key", r.Header.Get(HeaderAPIKey))
				assert.Equal(t, "north", r.Header.Get(HeaderRegion))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL+"/", "key", nil).Push(context.Background(), "north", "", model.Snapshot{})
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestClientConnectionFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "key", nil).Status(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.NotNil(t, te.Err)
	assert.True(t, IsRetryable(err))
}

func TestClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, "key", nil).Pull(ctx, "")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsRetryable(err))
}

func sameContent(t *testing.T, want, got model.Snapshot) {
	t.Helper()
	require.Len(t, got.Records, len(want.Records))
	for i := range want.Records {
		assert.True(t, want.Records[i].Equal(got.Records[i]), "record %s differs", want.Records[i].Key())
	}
	assert.True(t, model.NewTombstoneSet(want.Tombstones...).Equal(model.NewTombstoneSet(got.Tombstones...)))
}

func TestAgentsConvergeThroughMaster(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	ctx := context.Background()
	c := NewClient(f.url, testKey, nil)

	replicaA, replicaB := memstore.New(), memstore.New()
	a, b := NewAgent(c, replicaA, "north"), NewAgent(c, replicaB, "south")

	require.NoError(t, store.PutRecord(ctx, replicaA, model.Record{Table: "employees", ID: "100", Region: "north", Fields: map[string]any{"name": "Dana"}, UpdatedAt: t0}))
	require.NoError(t, store.PutRecord(ctx, replicaA, model.Record{Table: "vehicles", ID: "7", Region: "north", Fields: map[string]any{"plate": "N-7"}, UpdatedAt: t0}))
	resp, err := a.PushLocal(ctx, "initial")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Accepted)

	// pull after push reproduces the master on both sites
	_, err = a.PullRemote(ctx, "")
	require.NoError(t, err)
	_, err = b.PullRemote(ctx, "")
	require.NoError(t, err)
	master, err := f.master.Snapshot(ctx, "")
	require.NoError(t, err)
	for _, r := range []*memstore.Store{replicaA, replicaB} {
		snap, err := r.Snapshot(ctx, "")
		require.NoError(t, err)
		sameContent(t, master, snap)
	}

	// south deletes 100 while north edits it later
	_, err = store.DeleteRecord(ctx, replicaB, "employees", "100", "south", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.PutRecord(ctx, replicaA, model.Record{Table: "employees", ID: "100", Region: "north", Fields: map[string]any{"name": "Dana K."}, UpdatedAt: t0.Add(time.Hour)}))

	resp, err = b.PushLocal(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Tombstoned)
	resp, err = a.PushLocal(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)

	for _, ag := range []*Agent{a, b} {
		_, err := ag.PullRemote(ctx, "")
		require.NoError(t, err)
	}
	for _, r := range []*memstore.Store{replicaA, replicaB} {
		snap, err := r.Snapshot(ctx, "")
		require.NoError(t, err)
		require.Len(t, snap.Records, 1)
		assert.Equal(t, "vehicles", snap.Records[0].Table)
		require.Len(t, snap.Tombstones, 1)
		assert.Equal(t, model.ID("100"), snap.Tombstones[0].RecordID)
	}

	// every push and pull left a completed local session
	logs, err := replicaA.ListLogs(ctx, store.LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 4)
	for _, l := range logs {
		assert.Equal(t, model.StatusSuccess, l.Status)
		assert.Equal(t, "north", l.Region)
	}
}

func TestAgentPullWithoutMasterKeepsReplica(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	ctx := context.Background()
	replica := memstore.New()
	require.NoError(t, store.PutRecord(ctx, replica, model.Record{Table: "employees", ID: "1", UpdatedAt: t0}))

	agent := NewAgent(NewClient(f.url, testKey, nil), replica, "west")
	_, err := agent.PullRemote(ctx, "")
	require.ErrorIs(t, err, ErrNoMaster)

	snap, err := replica.Snapshot(ctx, "")
	require.NoError(t, err)
	assert.Len(t, snap.Records, 1)

	logs, err := replica.ListLogs(ctx, store.LogFilter{SyncType: model.SyncPull})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusFailed, logs[0].Status)
	assert.Equal(t, ErrNoMaster.Error(), logs[0].Error)
}

func TestAgentPushWithWrongKey(t *testing.T) {
	f := newFixture(t, resolver.Policy{}, 0)
	agent := NewAgent(NewClient(f.url, "wrong", nil), memstore.New(), "west")
	_, err := agent.PushLocal(context.Background(), "")
	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)
	assert.False(t, IsRetryable(err))
}
