package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Mutex is a cross-process lock backed by an etcd lease. Servers sharing a
// master database take it around every merge. A Mutex is not reentrant.
type Mutex struct {
	client *Client
	key    string
	ttl    int
	wait   time.Duration

	mu      sync.Mutex
	session *concurrency.Session
}

// NewMutex returns a lock named name under the client prefix. The lease is
// kept alive while the process runs and expires ttl after it dies; Lock gives
// up after wait.
func (c *Client) NewMutex(name string, ttl, wait time.Duration) *Mutex {
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &Mutex{
		client: c,
		key:    c.prefix + "locks/" + name,
		ttl:    seconds,
		wait:   wait,
	}
}

// Lock blocks until the lock is held and returns the function releasing it.
func (m *Mutex) Lock(ctx context.Context) (func(context.Context) error, error) {
	sess, err := m.currentSession()
	if err != nil {
		return nil, err
	}
	if m.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.wait)
		defer cancel()
	}
	mtx := concurrency.NewMutex(sess, m.key)
	if err := mtx.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", m.key, err)
	}
	logrus.WithFields(logrus.Fields{"component": "etcd", "key": mtx.Key()}).Debug("Lock acquired")
	return func(ctx context.Context) error {
		if err := mtx.Unlock(ctx); err != nil {
			return fmt.Errorf("failed to unlock %s: %w", m.key, err)
		}
		return nil
	}, nil
}

// currentSession returns the live lease session, replacing an expired one
func (m *Mutex) currentSession() (*concurrency.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		select {
		case <-m.session.Done():
			logrus.WithFields(logrus.Fields{"component": "etcd", "key": m.key}).Warn("etcd lease expired, creating a new session")
			m.session = nil
		default:
			return m.session, nil
		}
	}
	sess, err := concurrency.NewSession(m.client.client, concurrency.WithTTL(m.ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	m.session = sess
	return sess, nil
}

// Close revokes the lease, releasing the lock if it is still held
func (m *Mutex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}
