package etcd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupEtcdContainer(ctx context.Context, t *testing.T) string {
	etcdContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/coreos/etcd:v3.6.4",
			ExposedPorts: []string{"2379/tcp"},
			Env: map[string]string{
				"ETCD_ADVERTISE_CLIENT_URLS":       "http://0.0.0.0:2379",
				"ETCD_LISTEN_CLIENT_URLS":          "http://0.0.0.0:2379",
				"ETCD_LISTEN_PEER_URLS":            "http://0.0.0.0:2380",
				"ETCD_INITIAL_ADVERTISE_PEER_URLS": "http://0.0.0.0:2380",
				"ETCD_INITIAL_CLUSTER":             "default=http://0.0.0.0:2380",
				"ETCD_NAME":                        "default",
			},
			WaitingFor: wait.ForListeningPort("2379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = etcdContainer.Terminate(ctx) })

	endpoint, err := etcdContainer.Endpoint(ctx, "")
	require.NoError(t, err)
	return "etcd://" + endpoint + "/test"
}

func TestMutexExcludesOtherInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping etcd integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	dsn := setupEtcdContainer(ctx, t)

	first, err := NewClientWithRetry(ctx, dsn)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewClient(dsn)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Ping(ctx))

	a := first.NewMutex("merge", 5*time.Second, 0)
	defer a.Close()
	b := second.NewMutex("merge", 5*time.Second, 500*time.Millisecond)
	defer b.Close()

	unlock, err := a.Lock(ctx)
	require.NoError(t, err)

	_, err = b.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second instance must wait for the holder")

	require.NoError(t, unlock(ctx))
	unlockB, err := b.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, unlockB(ctx))

	// a closed session releases the lock it held
	_, err = a.Lock(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	unlockB, err = b.Lock(ctx)
	require.NoError(t, err)
	assert.NoError(t, unlockB(ctx))
}
