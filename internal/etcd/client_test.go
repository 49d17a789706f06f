package etcd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name      string
		dsn       string
		endpoints []string
		prefix    string
		wantErr   bool
	}{
		{name: "empty", dsn: "", endpoints: []string{"127.0.0.1:2379"}, prefix: DefaultPrefix},
		{name: "single host default port", dsn: "etcd://etcd1", endpoints: []string{"etcd1:2379"}, prefix: DefaultPrefix},
		{name: "multiple hosts", dsn: "etcd://h1:2379,h2:22379/prod", endpoints: []string{"h1:2379", "h2:22379"}, prefix: "/prod/"},
		{name: "nested prefix", dsn: "etcd://h1/a/b/", endpoints: []string{"h1:2379"}, prefix: "/a/b/"},
		{name: "wrong scheme", dsn: "http://h1:2379", wantErr: true},
		{name: "no host", dsn: "etcd:///prefix", wantErr: true},
		{name: "bad timeout", dsn: "etcd://h1?dial_timeout=soon", wantErr: true},
		{name: "bad tls", dsn: "etcd://h1?tls=maybe", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ParseDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoints, opts.Config.Endpoints)
			assert.Equal(t, tt.prefix, opts.Prefix)
		})
	}
}

func TestParseDSNParameters(t *testing.T) {
	opts, err := ParseDSN("etcd://h1:2379/rs?dial_timeout=2s&request_timeout=750ms&username=u&password=p&tls=enabled")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opts.Config.DialTimeout)
	assert.Equal(t, 750*time.Millisecond, opts.RequestTimeout)
	assert.Equal(t, "u", opts.Config.Username)
	assert.Equal(t, "p", opts.Config.Password)
	require.NotNil(t, opts.Config.TLS)
	assert.False(t, opts.Config.TLS.InsecureSkipVerify)

	opts, err = ParseDSN("etcd://h1?tls=insecure")
	require.NoError(t, err)
	assert.True(t, opts.Config.TLS.InsecureSkipVerify)
}

func TestNewMutexKeyAndTTL(t *testing.T) {
	c := &Client{prefix: "/rs/"}
	m := c.NewMutex("merge", 500*time.Millisecond, time.Second)
	assert.Equal(t, "/rs/locks/merge", m.key)
	assert.Equal(t, 1, m.ttl)
	assert.NoError(t, m.Close())

	m = c.NewMutex("merge", 30*time.Second, 0)
	assert.Equal(t, 30, m.ttl)
}
