package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

// Agent moves snapshots between a site replica and the master. Every push
// and pull is also recorded in the replica's own audit log.
type Agent struct {
	client  *Client
	replica store.Backend
	region  string
	log     *logrus.Entry
}

// NewAgent returns an agent syncing replica on behalf of region
func NewAgent(client *Client, replica store.Backend, region string) *Agent {
	return &Agent{
		client:  client,
		replica: replica,
		region:  region,
		log:     logrus.WithFields(logrus.Fields{"component": "agent", "region": region}),
	}
}

// Region returns the region the agent pushes as
func (a *Agent) Region() string {
	return a.region
}

// PushLocal sends the full replica content, tombstones included, to the master
func (a *Agent) PushLocal(ctx context.Context, reason string) (PushResponse, error) {
	var resp PushResponse
	err := a.session(ctx, model.SyncPush, reason, func() (int, error) {
		snap, err := a.replica.Snapshot(ctx, "")
		if err != nil {
			return 0, fmt.Errorf("failed to read replica snapshot: %w", err)
		}
		resp, err = a.client.Push(ctx, a.region, reason, snap)
		if err != nil {
			return 0, err
		}
		a.log.WithFields(logrus.Fields{
			"records":    len(snap.Records),
			"tombstones": len(snap.Tombstones),
			"accepted":   resp.Accepted,
			"rejected":   resp.Rejected,
			"conflicts":  resp.Conflicts,
		}).Info("Pushed replica to master")
		return resp.Accepted + resp.Tombstoned, nil
	})
	return resp, err
}

// PullRemote downloads the master snapshot and replaces the replica with it.
// On ErrNoMaster the replica is left untouched.
func (a *Agent) PullRemote(ctx context.Context, reason string) (model.Snapshot, error) {
	var snap model.Snapshot
	err := a.session(ctx, model.SyncPull, reason, func() (int, error) {
		var err error
		snap, err = a.client.Pull(ctx, "")
		if err != nil {
			return 0, err
		}
		if hook, ok := ctx.Value(applyHookKey{}).(func()); ok {
			hook()
		}
		if err := a.replica.Replace(ctx, snap); err != nil {
			return 0, fmt.Errorf("failed to apply master snapshot: %w", err)
		}
		a.log.WithFields(logrus.Fields{
			"records":    len(snap.Records),
			"tombstones": len(snap.Tombstones),
		}).Info("Replica replaced with master snapshot")
		return len(snap.Records) + len(snap.Tombstones), nil
	})
	return snap, err
}

type applyHookKey struct{}

// WithApplyHook returns a context making PullRemote call fn once the master
// snapshot is downloaded and about to replace the replica.
func WithApplyHook(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, applyHookKey{}, fn)
}

func (a *Agent) session(ctx context.Context, typ model.SyncType, reason string, fn func() (int, error)) error {
	id, err := a.replica.BeginSession(ctx, model.SyncLog{
		SessionID: uuid.NewString(),
		Region:    a.region,
		SyncType:  typ,
		Reason:    reason,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to open local sync session: %w", err)
	}
	affected, runErr := fn()
	status, errText := model.StatusSuccess, ""
	if runErr != nil {
		status, errText = model.StatusFailed, runErr.Error()
	}
	// the outcome must be recorded even when ctx expired during fn
	if err := a.replica.CompleteSession(context.WithoutCancel(ctx), id, status, affected, errText); err != nil {
		a.log.WithError(err).Warn("Failed to complete local sync session")
	}
	return runErr
}
