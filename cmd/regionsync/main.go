// Package main implements the regionsync binary: the master sync server and
// the site agent that keeps a local replica in sync with it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/regionsync/internal/log"
)

// ServeOptions configures the master server
type ServeOptions struct {
	PostgresDSN      string            `short:"p" long:"postgres-dsn" env:"REGIONSYNC_POSTGRES_DSN" description:"PostgreSQL connection string of the master store (empty keeps the master in memory)"`
	Listen           string            `long:"listen" env:"REGIONSYNC_LISTEN" description:"HTTP listen address" default:":8080"`
	APIKey           string            `long:"api-key" env:"REGIONSYNC_API_KEY" description:"Shared key expected in X-API-KEY"`
	ConflictStrategy string            `long:"conflict-strategy" env:"REGIONSYNC_CONFLICT_STRATEGY" description:"Default conflict strategy" default:"newer_wins" choice:"newer_wins" choice:"local_wins" choice:"remote_wins" choice:"manual"`
	TableStrategies  map[string]string `long:"table-strategy" env:"REGIONSYNC_TABLE_STRATEGIES" env-delim:"," description:"Per-table strategy as table:strategy (repeatable)"`
	MaxBodyBytes     int64             `long:"max-body-bytes" env:"REGIONSYNC_MAX_BODY_BYTES" description:"Largest accepted snapshot in bytes" default:"67108864"`
	EtcdDSN          string            `short:"e" long:"etcd-dsn" env:"REGIONSYNC_ETCD_DSN" description:"etcd connection string; enables the cross-instance merge lock"`
	LockTTL          time.Duration     `long:"lock-ttl" env:"REGIONSYNC_LOCK_TTL" description:"Lease TTL of the merge lock" default:"30s"`
	LockWait         time.Duration     `long:"lock-wait" env:"REGIONSYNC_LOCK_WAIT" description:"How long a merge waits for the lock" default:"1m"`
}

// SiteOptions configures the agent and the one-shot push and pull commands
type SiteOptions struct {
	Replica      string        `short:"r" long:"replica" env:"REGIONSYNC_REPLICA" description:"Path of the SQLite site replica" default:"regionsync.db"`
	Region       string        `long:"region" env:"REGIONSYNC_REGION" description:"Region this site pushes as"`
	SyncURL      string        `long:"sync-url" env:"REGIONSYNC_SYNC_URL" description:"Base URL of the master server"`
	SyncToken    string        `long:"sync-token" env:"REGIONSYNC_SYNC_TOKEN" description:"Shared API key of the master server"`
	SyncEnabled  string        `long:"sync-enabled" env:"REGIONSYNC_SYNC_ENABLED" description:"Allow syncing with the master" default:"true" choice:"true" choice:"false"`
	SyncInterval time.Duration `long:"sync-interval" env:"REGIONSYNC_SYNC_INTERVAL" description:"Time between scheduled syncs" default:"5m"`
	MaxRetries   uint64        `long:"max-retries" env:"REGIONSYNC_MAX_RETRIES" description:"Retries after a transport failure" default:"3"`
	RetryDelay   time.Duration `long:"retry-delay" env:"REGIONSYNC_RETRY_DELAY" description:"Delay between retries" default:"10s"`
	Timeout      time.Duration `long:"timeout" env:"REGIONSYNC_TIMEOUT" description:"Upper bound of one sync" default:"2m"`
	Cooldown     time.Duration `long:"cooldown" env:"REGIONSYNC_COOLDOWN" description:"Skip scheduled syncs this soon after a successful one" default:"0s"`
	Reason       string        `long:"reason" description:"Reason recorded with one-shot syncs" default:"manual"`
}

// Config holds the application configuration
type Config struct {
	LogLevel string `short:"l" long:"log-level" env:"REGIONSYNC_LOG_LEVEL" description:"Log level: debug|info|warn|error" default:"info"`
	LogJSON  bool   `long:"log-json" env:"REGIONSYNC_LOG_JSON" description:"Write logs as JSON"`
	Version  bool   `short:"v" long:"version" description:"Show version information"`

	Serve ServeOptions `command:"serve" description:"Run the master sync server"`
	Agent SiteOptions  `command:"agent" description:"Run the site agent syncing on a schedule"`
	Push  SiteOptions  `command:"push" description:"Push the site replica to the master once"`
	Pull  SiteOptions  `command:"pull" description:"Replace the site replica with the master snapshot once"`

	Command string `no-flag:"true"`
	Help    bool   `no-flag:"true"`
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	parser.SubcommandsOptional = true // --version needs no command
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	if parser.Active != nil {
		cmdOpts.Command = parser.Active.Name
	}
	if cmdOpts.Command == "" && !cmdOpts.Version {
		return cmdOpts, errors.New("a command is required: serve, agent, push or pull")
	}
	return
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("regionsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string, json bool) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(json))
	logrus.SetReportCaller(false)

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Debug("regionsync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

func run(ctx context.Context, config *Config) error {
	switch config.Command {
	case "serve":
		return runServe(ctx, &config.Serve)
	case "agent":
		return runAgent(ctx, &config.Agent)
	case "push":
		return runPush(ctx, &config.Push)
	case "pull":
		return runPull(ctx, &config.Pull)
	default:
		return fmt.Errorf("unknown command %q", config.Command)
	}
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if config != nil && config.Help {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel, config.LogJSON); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	if err := run(ctx, config); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).WithField("command", config.Command).Fatal("regionsync failed")
	}
	logrus.Info("Graceful shutdown completed")
}
