package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/db"
	"github.com/cybertec-postgresql/regionsync/internal/etcd"
	"github.com/cybertec-postgresql/regionsync/internal/httpapi"
	"github.com/cybertec-postgresql/regionsync/internal/merge"
	"github.com/cybertec-postgresql/regionsync/internal/resolver"
	"github.com/cybertec-postgresql/regionsync/internal/retry"
	"github.com/cybertec-postgresql/regionsync/internal/scheduler"
	"github.com/cybertec-postgresql/regionsync/internal/store"
	"github.com/cybertec-postgresql/regionsync/internal/store/memstore"
	"github.com/cybertec-postgresql/regionsync/internal/store/pgstore"
	"github.com/cybertec-postgresql/regionsync/internal/store/sqlitestore"
)

const shutdownTimeout = 30 * time.Second

var errSyncDisabled = errors.New("sync is disabled for this site")

func (o *ServeOptions) validate() error {
	if o.APIKey == "" {
		return errors.New("--api-key is required")
	}
	if o.MaxBodyBytes <= 0 {
		return fmt.Errorf("--max-body-bytes must be positive, got %d", o.MaxBodyBytes)
	}
	return nil
}

func (o *SiteOptions) validate() error {
	switch {
	case o.Region == "":
		return errors.New("--region is required")
	case o.SyncURL == "":
		return errors.New("--sync-url is required")
	case o.SyncToken == "":
		return errors.New("--sync-token is required")
	}
	return nil
}

func (o *SiteOptions) enabled() bool {
	return o.SyncEnabled != "false"
}

func (o *SiteOptions) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		Interval:   o.SyncInterval,
		MaxRetries: o.MaxRetries,
		RetryDelay: o.RetryDelay,
		Timeout:    o.Timeout,
		Cooldown:   o.Cooldown,
	}
}

// openMaster connects the master store; without a DSN it lives in memory
func openMaster(ctx context.Context, dsn string) (store.Backend, func(), error) {
	if dsn == "" {
		logrus.Warn("No --postgres-dsn given, master data is kept in memory and lost on exit")
		return memstore.New(), func() {}, nil
	}
	pool, err := db.NewWithRetry(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	policy, err := resolver.ParsePolicy(opts.ConflictStrategy, opts.TableStrategies)
	if err != nil {
		return err
	}
	backend, closeBackend, err := openMaster(ctx, opts.PostgresDSN)
	if err != nil {
		return err
	}
	defer closeBackend()

	var coordOpts []merge.Option
	if opts.EtcdDSN != "" {
		client, err := etcd.NewClientWithRetry(ctx, opts.EtcdDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer client.Close()
		lock := client.NewMutex("merge", opts.LockTTL, opts.LockWait)
		defer lock.Close()
		coordOpts = append(coordOpts, merge.WithLocker(lock))
		logrus.WithField("prefix", client.Prefix()).Info("Merges are serialized through etcd")
	}

	// the coordinator outlives ctx so that requests accepted before shutdown finish
	coordCtx, stopCoord := context.WithCancel(context.Background())
	coord := merge.NewCoordinator(merge.NewEngine(policy), backend, coordOpts...)
	coordDone := make(chan struct{})
	go func() {
		coord.Start(coordCtx)
		close(coordDone)
	}()
	defer func() {
		stopCoord()
		<-coordDone
	}()

	api, err := httpapi.NewServer(coord, backend, httpapi.Config{APIKey: opts.APIKey, MaxBodyBytes: opts.MaxBodyBytes})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	logrus.WithFields(logrus.Fields{
		"listen":   opts.Listen,
		"strategy": opts.ConflictStrategy,
	}).Info("Sync server listening")

	select {
	case err := <-serveErr:
		return fmt.Errorf("sync server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down sync server: %w", err)
	}
	return nil
}

func openSite(ctx context.Context, opts *SiteOptions) (*httpapi.Agent, func(), error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	if !opts.enabled() {
		return nil, nil, errSyncDisabled
	}
	replica, err := sqlitestore.Open(ctx, opts.Replica)
	if err != nil {
		return nil, nil, err
	}
	client := httpapi.NewClient(opts.SyncURL, opts.SyncToken, &http.Client{Timeout: opts.Timeout})
	closeFn := func() {
		if err := replica.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close replica")
		}
	}
	return httpapi.NewAgent(client, replica, opts.Region), closeFn, nil
}

func runAgent(ctx context.Context, opts *SiteOptions) error {
	agent, closeSite, err := openSite(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSite()

	sched := scheduler.New(agent, opts.schedulerConfig(), scheduler.WithTransitionHook(func(from, to scheduler.State) {
		if to == scheduler.Failed {
			logrus.WithField("region", agent.Region()).Warn("Site sync failed, will retry on the next schedule")
		}
	}))
	sched.Trigger("startup")
	sched.Start(ctx)
	logrus.WithField("status", sched.Status().String()).Info("Site agent stopped")
	return nil
}

// oneShot runs op with the same bounded retry the scheduler applies to cycles
func oneShot(ctx context.Context, opts *SiteOptions, name string, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	return retry.Selective(ctx, retry.Fixed(opts.MaxRetries, opts.RetryDelay), op, httpapi.IsRetryable, name)
}

func runPush(ctx context.Context, opts *SiteOptions) error {
	agent, closeSite, err := openSite(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSite()

	var resp httpapi.PushResponse
	err = oneShot(ctx, opts, "push", func(ctx context.Context) error {
		resp, err = agent.PushLocal(ctx, opts.Reason)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("session %s: %d accepted, %d rejected, %d conflicts, %d tombstoned\n",
		resp.SessionID, resp.Accepted, resp.Rejected, resp.Conflicts, resp.Tombstoned)
	return nil
}

func runPull(ctx context.Context, opts *SiteOptions) error {
	agent, closeSite, err := openSite(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSite()

	err = oneShot(ctx, opts, "pull", func(ctx context.Context) error {
		snap, err := agent.PullRemote(ctx, opts.Reason)
		if err != nil {
			return err
		}
		fmt.Printf("replica replaced: %d records, %d tombstones\n", len(snap.Records), len(snap.Tombstones))
		return nil
	})
	if errors.Is(err, httpapi.ErrNoMaster) {
		fmt.Println("master holds no data, replica left unchanged")
		return nil
	}
	return err
}
