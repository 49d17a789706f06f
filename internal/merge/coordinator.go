package merge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/resolver"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

// ErrStopped is returned by Submit and ResolveManual once the coordinator loop has exited
var ErrStopped = errors.New("merge coordinator stopped")

// ErrLockUnavailable is returned when the cross-instance merge lock could not
// be acquired. The attempt can be repeated.
var ErrLockUnavailable = errors.New("merge lock unavailable")

// Locker serializes merges across server instances sharing one master store
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

// Request is one regional push waiting to be merged
type Request struct {
	Region   string
	Reason   string
	Snapshot model.Snapshot
}

// Outcome is the result of a merged push
type Outcome struct {
	SessionID string
	Result    model.MergeResult
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLocker wraps every write in the given distributed lock
func WithLocker(l Locker) Option {
	return func(c *Coordinator) {
		c.locker = l
	}
}

// WithQueueSize sets how many requests may wait for the merge loop
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		c.queue = n
	}
}

type job struct {
	ctx context.Context
	run func(context.Context) (any, error)
	out chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Coordinator is the only writer of the master store. One goroutine takes
// jobs off a channel and runs each to completion before starting the next.
type Coordinator struct {
	engine  *Engine
	backend store.Backend
	locker  Locker
	queue   int
	jobs    chan job
	stopped chan struct{}
}

// NewCoordinator creates a coordinator; call Start to run its loop
func NewCoordinator(engine *Engine, backend store.Backend, opts ...Option) *Coordinator {
	c := &Coordinator{engine: engine, backend: backend, queue: 16}
	for _, o := range opts {
		o(c)
	}
	c.jobs = make(chan job, c.queue)
	c.stopped = make(chan struct{})
	return c
}

// Start runs the merge loop until ctx is cancelled. A job already taken off
// the queue always runs to completion.
func (c *Coordinator) Start(ctx context.Context) {
	defer close(c.stopped)
	logrus.WithField("component", "merge").Info("Merge coordinator started")
	for {
		select {
		case <-ctx.Done():
			logrus.WithField("component", "merge").Info("Merge coordinator stopped")
			return
		case j := <-c.jobs:
			value, err := c.exec(j)
			j.out <- jobResult{value: value, err: err}
		}
	}
}

func (c *Coordinator) exec(j job) (any, error) {
	return j.run(context.WithoutCancel(j.ctx))
}

// lock acquires the optional cross-instance lock and returns its release func
func (c *Coordinator) lock(ctx context.Context) (func(), error) {
	if c.locker == nil {
		return func() {}, nil
	}
	unlock, err := c.locker.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockUnavailable, err)
	}
	return func() {
		if err := unlock(ctx); err != nil {
			logrus.WithError(err).WithField("component", "merge").Warn("Failed to release merge lock")
		}
	}, nil
}

// do hands run to the loop and waits for its result. Once the loop accepted
// the job, cancelling ctx only stops the wait.
func (c *Coordinator) do(ctx context.Context, run func(context.Context) (any, error)) (any, error) {
	j := job{ctx: ctx, run: run, out: make(chan jobResult, 1)}
	select {
	case c.jobs <- j:
	case <-c.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.out:
		return r.value, r.err
	case <-c.stopped:
		select {
		case r := <-j.out:
			return r.value, r.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit merges a regional snapshot. The push is recorded as a session in the
// audit log, which is completed exactly once with the merge outcome.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Outcome, error) {
	v, err := c.do(ctx, func(ctx context.Context) (any, error) {
		return c.merge(ctx, req)
	})
	if v == nil {
		return Outcome{}, err
	}
	return v.(Outcome), err
}

func (c *Coordinator) merge(ctx context.Context, req Request) (Outcome, error) {
	sess := Session{ID: uuid.NewString(), Region: req.Region}
	logID, err := c.backend.BeginSession(ctx, model.SyncLog{
		SessionID: sess.ID,
		Region:    req.Region,
		SyncType:  model.SyncPush,
		Reason:    req.Reason,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to open sync session: %w", err)
	}

	out := Outcome{SessionID: sess.ID}
	result, mergeErr := c.lockedMerge(ctx, sess, req.Snapshot)
	status, affected, errText := model.StatusSuccess, result.Accepted+result.Tombstoned, ""
	if mergeErr != nil {
		status, affected, errText = model.StatusFailed, 0, mergeErr.Error()
		logrus.WithError(mergeErr).WithFields(logrus.Fields{
			"component": "merge",
			"session":   sess.ID,
			"region":    req.Region,
		}).Error("Merge failed")
	} else {
		out.Result = result
	}
	if err := c.backend.CompleteSession(ctx, logID, status, affected, errText); err != nil {
		logrus.WithError(err).WithField("session", sess.ID).Error("Failed to complete sync session")
		if mergeErr == nil {
			mergeErr = fmt.Errorf("failed to complete sync session: %w", err)
		}
	}
	return out, mergeErr
}

// lockedMerge runs the merge under the cross-instance lock. The session is
// opened before locking so that a lock failure is still audited.
func (c *Coordinator) lockedMerge(ctx context.Context, sess Session, snap model.Snapshot) (model.MergeResult, error) {
	release, err := c.lock(ctx)
	if err != nil {
		return model.MergeResult{}, err
	}
	defer release()
	return c.engine.MergeSnapshot(ctx, sess, snap, c.backend)
}

// ResolveManual applies an operator decision to a pending manual conflict.
// The chosen payload is written unless the row has been deleted since; either
// way a resolution row is appended, which releases the key for future merges.
func (c *Coordinator) ResolveManual(ctx context.Context, conflictID int64, choice resolver.Side) (model.SyncLog, error) {
	if choice != resolver.SideLocal && choice != resolver.SideRemote {
		return model.SyncLog{}, fmt.Errorf("unknown resolution choice %q", choice)
	}
	v, err := c.do(ctx, func(ctx context.Context) (any, error) {
		return c.resolveManual(ctx, conflictID, choice)
	})
	if v == nil {
		return model.SyncLog{}, err
	}
	return v.(model.SyncLog), err
}

func (c *Coordinator) resolveManual(ctx context.Context, conflictID int64, choice resolver.Side) (model.SyncLog, error) {
	release, err := c.lock(ctx)
	if err != nil {
		return model.SyncLog{}, err
	}
	defer release()

	conflict, err := c.backend.ConflictByID(ctx, conflictID)
	if err != nil {
		return model.SyncLog{}, err
	}
	pending, err := c.backend.PendingConflicts(ctx)
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	if !slices.ContainsFunc(pending, func(l model.SyncLog) bool { return l.ID == conflictID }) {
		return model.SyncLog{}, fmt.Errorf("conflict %d: %w", conflictID, store.ErrConflictPending)
	}
	data, err := conflict.Decode()
	if err != nil {
		return model.SyncLog{}, err
	}

	chosen, label := data.Local, model.ResolutionManualLocal
	if choice == resolver.SideRemote {
		chosen, label = data.Remote, model.ResolutionManualRemote
	}
	now := time.Now().UTC()
	entry := model.SyncLog{
		SessionID:       conflict.SessionID,
		Region:          conflict.Region,
		SyncType:        model.SyncConflict,
		EntityType:      conflict.EntityType,
		EntityID:        conflict.EntityID,
		Status:          model.StatusSuccess,
		RecordsAffected: 1,
		ConflictData:    conflict.ConflictData,
		Resolution:      label,
		StartedAt:       now,
		CompletedAt:     &now,
	}

	err = c.backend.InTx(ctx, func(tx store.Tx) error {
		dead, err := tx.HasTombstone(ctx, chosen.Table, chosen.ID)
		if err != nil {
			return err
		}
		if dead {
			entry.RecordsAffected = 0
			entry.Reason = "record deleted before resolution"
		} else if err := tx.Upsert(ctx, chosen.Normalize()); err != nil {
			return fmt.Errorf("failed to apply %s payload: %w", choice, err)
		}
		entry.ID, err = tx.AppendLog(ctx, entry)
		return err
	})
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("failed to resolve conflict %d: %w", conflictID, err)
	}
	logrus.WithFields(logrus.Fields{
		"component":  "merge",
		"conflict":   conflictID,
		"key":        chosen.Key().String(),
		"resolution": label,
	}).Info("Manual conflict resolved")
	return entry, nil
}
