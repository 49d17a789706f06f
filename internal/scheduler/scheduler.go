// Package scheduler drives the site side of synchronization: it runs push and
// pull cycles periodically or on demand, one at a time, with bounded retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptrace"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/httpapi"
	"github.com/cybertec-postgresql/regionsync/internal/model"
	"github.com/cybertec-postgresql/regionsync/internal/retry"
)

// ErrSyncInProgress is returned by RunOnce while another cycle runs
var ErrSyncInProgress = errors.New("sync already in progress")

// State is the phase of the current sync cycle
type State string

const (
	Idle     State = "idle"
	Pushing  State = "pushing"
	Merging  State = "merging"
	Pulling  State = "pulling"
	Applying State = "applying"
	Failed   State = "failed"
)

// Agent performs the two halves of a cycle
type Agent interface {
	PushLocal(ctx context.Context, reason string) (httpapi.PushResponse, error)
	PullRemote(ctx context.Context, reason string) (model.Snapshot, error)
}

// Config holds the scheduler settings
type Config struct {
	Interval   time.Duration // between scheduled cycles
	MaxRetries uint64        // retries of a cycle after a transport failure
	RetryDelay time.Duration
	Timeout    time.Duration // upper bound of one cycle, retries included
	Cooldown   time.Duration // scheduled cycles this close to the last success are skipped
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		MaxRetries: 3,
		RetryDelay: 10 * time.Second,
		Timeout:    2 * time.Minute,
	}
}

// Status is a point-in-time view of the scheduler
type Status struct {
	State               State             `json:"state"`
	LastSuccess         time.Time         `json:"last_success"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastResult          model.MergeResult `json:"last_result"`
}

// String renders the status for display
func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s", s.State)
	if s.LastSuccess.IsZero() {
		b.WriteString(", never synced")
	} else {
		fmt.Fprintf(&b, ", last sync %s", s.LastSuccess.Local().Format(time.DateTime))
	}
	if s.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, ", %d failed attempt(s): %s", s.ConsecutiveFailures, s.LastError)
	}
	return b.String()
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithTransitionHook calls fn on every state change, in order. fn runs under
// the scheduler lock: it must not block or call back into the Scheduler.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(s *Scheduler) {
		s.onTransition = fn
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler runs at most one sync cycle at a time
type Scheduler struct {
	agent   Agent
	cfg     Config
	pending chan string
	running atomic.Bool

	mu           sync.Mutex
	status       Status
	onTransition func(from, to State)
	now          func() time.Time
	log          *logrus.Entry
}

// New returns an idle scheduler for agent
func New(agent Agent, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	s := &Scheduler{
		agent:   agent,
		cfg:     cfg,
		pending: make(chan string, 1),
		status:  Status{State: Idle},
		now:     time.Now,
		log:     logrus.WithField("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns a copy of the current status
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Trigger asks the running loop for a cycle without waiting for it. Requests
// made while one is already pending collapse into it; Trigger then reports false.
func (s *Scheduler) Trigger(reason string) bool {
	select {
	case s.pending <- reason:
		return true
	default:
		return false
	}
}

// Start runs scheduled and triggered cycles until ctx is cancelled. A cycle
// in flight when ctx is cancelled runs to completion first.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.WithField("interval", s.cfg.Interval).Info("Sync scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sync scheduler stopped")
			return
		case reason := <-s.pending:
			_ = s.RunOnce(ctx, reason)
		case <-ticker.C:
			if s.inCooldown() {
				s.log.Debug("Skipping scheduled sync during cooldown")
				continue
			}
			_ = s.RunOnce(ctx, "scheduled")
		}
	}
}

func (s *Scheduler) inCooldown() bool {
	if s.cfg.Cooldown <= 0 {
		return false
	}
	last := s.Status().LastSuccess
	return !last.IsZero() && s.now().Sub(last) < s.cfg.Cooldown
}

// RunOnce performs one full cycle now: push the replica, then pull and apply
// the master. Transport failures are retried MaxRetries times, passing through
// Failed before each retry; authentication and merge failures are not. Only a
// cycle that applied a master snapshot moves LastSuccess. The cycle is
// detached from ctx cancellation and bounded by the configured timeout instead.
func (s *Scheduler) RunOnce(ctx context.Context, reason string) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	s.transition(Idle)
	log := s.log.WithField("reason", reason)
	log.Info("Sync started")

	var (
		result  model.MergeResult
		applied bool
	)
	err := retry.Selective(ctx, retry.Fixed(s.cfg.MaxRetries, s.cfg.RetryDelay), func(ctx context.Context) error {
		var err error
		result, applied, err = s.cycle(ctx, reason)
		if err != nil {
			s.attemptFailed(err)
		}
		return err
	}, httpapi.IsRetryable, "sync cycle")

	s.mu.Lock()
	if err != nil {
		s.status.LastError = err.Error()
		s.status.ConsecutiveFailures++
	} else {
		// a cycle that found no master data applied nothing
		if applied {
			s.status.LastSuccess = s.now()
		}
		s.status.LastError = ""
		s.status.ConsecutiveFailures = 0
		s.status.LastResult = result
	}
	s.mu.Unlock()

	if err != nil {
		s.transition(Failed)
		log.WithError(err).Error("Sync failed")
		return err
	}
	s.transition(Idle)
	log.WithFields(logrus.Fields{
		"accepted":   result.Accepted,
		"rejected":   result.Rejected,
		"conflicts":  result.Conflicts,
		"tombstoned": result.Tombstoned,
	}).Info("Sync completed")
	return nil
}

// attemptFailed shows a failed attempt while the retry loop waits for the next one
func (s *Scheduler) attemptFailed(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
	s.transition(Failed)
}

// cycle pushes then pulls. It reports whether the master snapshot was applied.
func (s *Scheduler) cycle(ctx context.Context, reason string) (model.MergeResult, bool, error) {
	s.transition(Pushing)
	pushCtx := httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				s.advance(Pushing, Merging)
			}
		},
	})
	resp, err := s.agent.PushLocal(pushCtx, reason)
	if err != nil {
		return model.MergeResult{}, false, fmt.Errorf("push failed: %w", err)
	}

	s.transition(Pulling)
	applyCtx := httpapi.WithApplyHook(ctx, func() { s.transition(Applying) })
	if _, err := s.agent.PullRemote(applyCtx, reason); err != nil {
		if errors.Is(err, httpapi.ErrNoMaster) {
			s.log.Warn("Master holds no data, replica left unchanged")
			return resp.MergeResult, false, nil
		}
		return model.MergeResult{}, false, fmt.Errorf("pull failed: %w", err)
	}
	return resp.MergeResult, true, nil
}

// advance moves to "to" only while the cycle is still in "from". The
// transport may report the written request after the response arrived.
func (s *Scheduler) advance(from, to State) {
	s.change(func(current State) bool { return current == from }, to)
}

func (s *Scheduler) transition(to State) {
	s.change(func(State) bool { return true }, to)
}

func (s *Scheduler) change(allowed func(State) bool, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.status.State
	if from == to || !allowed(from) {
		return
	}
	s.status.State = to
	s.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Sync state changed")
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}
