// Package merge reconciles incoming regional snapshots into the master store.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/resolver"
	"github.com/cybertec-postgresql/regionsync/internal/store"
)

// ErrInvalidSnapshot is returned for snapshots carrying unaddressable rows
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// MergeError reports a merge that was rolled back
type MergeError struct {
	Region string
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge from region %q rolled back: %v", e.Region, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// Session identifies the sync attempt a merge belongs to
type Session struct {
	ID     string
	Region string
}

// Engine applies snapshots to a store
type Engine struct {
	policy resolver.Policy
	now    func() time.Time
}

// NewEngine creates an engine resolving conflicts with policy
func NewEngine(policy resolver.Policy) *Engine {
	return &Engine{policy: policy, now: time.Now}
}

// MergeSnapshot applies snap to master in a single transaction. Tombstones are
// applied before any record, and a record whose key is tombstoned on either
// side is skipped, so a deleted row can never come back.
func (e *Engine) MergeSnapshot(ctx context.Context, sess Session, snap model.Snapshot, master store.Store) (model.MergeResult, error) {
	if err := validate(snap); err != nil {
		return model.MergeResult{}, &MergeError{Region: sess.Region, Err: err}
	}

	var result model.MergeResult
	err := master.InTx(ctx, func(tx store.Tx) error {
		result = model.MergeResult{}
		if err := e.applyTombstones(ctx, tx, snap.Tombstones, &result); err != nil {
			return err
		}
		masterTombstones, err := tx.Tombstones(ctx)
		if err != nil {
			return fmt.Errorf("failed to load tombstones: %w", err)
		}
		all := masterTombstones.Union(model.NewTombstoneSet(snap.Tombstones...))
		for _, rec := range snap.Records {
			if err := e.applyRecord(ctx, tx, sess, all, rec.Normalize(), &result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.MergeResult{}, &MergeError{Region: sess.Region, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"component":  "merge",
		"session":    sess.ID,
		"region":     sess.Region,
		"accepted":   result.Accepted,
		"rejected":   result.Rejected,
		"conflicts":  result.Conflicts,
		"tombstoned": result.Tombstoned,
	}).Info("Snapshot merged")
	return result, nil
}

func validate(snap model.Snapshot) error {
	for _, r := range snap.Records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	for _, t := range snap.Tombstones {
		if t.Table == "" || t.RecordID == "" {
			return fmt.Errorf("%w: tombstone without table or record id", ErrInvalidSnapshot)
		}
	}
	return nil
}

func (e *Engine) applyTombstones(ctx context.Context, tx store.Tx, tombstones []model.Tombstone, result *model.MergeResult) error {
	for _, t := range tombstones {
		if t.DeletedAt.IsZero() {
			t.DeletedAt = e.now()
		}
		_, created, err := tx.RecordDeletion(ctx, t)
		if err != nil {
			return fmt.Errorf("failed to record deletion of %s: %w", t.Key(), err)
		}
		existed, err := tx.Delete(ctx, t.Table, t.RecordID)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", t.Key(), err)
		}
		if created {
			result.Tombstoned++
		}
		if created || existed {
			logrus.WithFields(logrus.Fields{
				"component":  "merge",
				"key":        t.Key().String(),
				"deleted_by": t.DeletedBy,
				"row_found":  existed,
			}).Debug("Applied tombstone")
		}
	}
	return nil
}

func (e *Engine) applyRecord(ctx context.Context, tx store.Tx, sess Session, tombstones model.TombstoneSet, rec model.Record, result *model.MergeResult) error {
	log := logrus.WithFields(logrus.Fields{"component": "merge", "key": rec.Key().String(), "region": sess.Region})

	if tombstones.Has(rec.Table, rec.ID) {
		log.Debug("Skipped tombstoned record")
		result.Rejected++
		return nil
	}

	pending, err := tx.PendingManualConflict(ctx, rec.Table, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to check pending conflict for %s: %w", rec.Key(), err)
	}
	if pending {
		log.Debug("Skipped record awaiting manual resolution")
		result.Rejected++
		result.Conflicts++
		return nil
	}

	current, err := tx.Get(ctx, rec.Table, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rec.Key(), err)
	}
	if current == nil {
		if err := tx.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("failed to insert %s: %w", rec.Key(), err)
		}
		result.Accepted++
		return nil
	}

	res := resolver.Resolve(*current, rec, e.policy.For(rec.Table))
	if !res.Conflict {
		return nil
	}

	status := model.StatusSuccess
	if res.Pending {
		status = model.StatusConflict
	}
	entry, err := model.NewConflictLog(sess.ID, sess.Region, *current, rec, status, res.Label, e.now().UTC())
	if err != nil {
		return err
	}
	if _, err := tx.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to log conflict for %s: %w", rec.Key(), err)
	}
	result.Conflicts++

	if res.Side == resolver.SideRemote {
		if err := tx.Upsert(ctx, res.Winner); err != nil {
			return fmt.Errorf("failed to update %s: %w", rec.Key(), err)
		}
		result.Accepted++
	} else {
		result.Rejected++
	}
	log.WithField("resolution", res.Label).Debug("Resolved conflict")
	return nil
}
