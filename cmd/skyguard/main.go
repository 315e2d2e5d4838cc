// SkyGuard watches an observatory safety monitor and drives the KStars/Ekos
// scheduler over D-Bus: it starts the schedule when the sky is safe and
// aborts it when it is not.
//
// Usage:
//
//	skyguard [-config path] [-verbose] [-check] [-token subject]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/skyguard-core/internal/actions"
	"github.com/nerrad567/skyguard-core/internal/api"
	"github.com/nerrad567/skyguard-core/internal/control"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/config"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/database"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/logging"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/skyguard-core/internal/journal"
	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/process"
	"github.com/nerrad567/skyguard-core/internal/safety"
	"github.com/nerrad567/skyguard-core/migrations"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// checkTimeout bounds the whole -check run.
	checkTimeout = time.Minute

	journalPruneInterval = 6 * time.Hour
)

// options are the command-line flags.
type options struct {
	configPath string
	verbose    bool
	check      bool
	tokenFor   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("skyguard", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "configuration file (default $SKYGUARD_CONFIG or "+config.DefaultPath+")")
	fs.BoolVar(&opts.verbose, "verbose", false, "force debug logging")
	fs.BoolVar(&opts.check, "check", false, "query the safety source and control plane once, then exit")
	fs.StringVar(&opts.tokenFor, "token", "", "print an API bearer token for this subject, then exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// run is the application, separated from main for testability. It returns
// nil on clean shutdown.
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	return runWithOptions(ctx, opts, os.Stdout)
}

func runWithOptions(ctx context.Context, opts options, stdout io.Writer) error {
	configPath := config.ResolvePath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	if opts.tokenFor != "" {
		token, err := api.IssueToken(cfg.API.Auth.JWTSecret, opts.tokenFor, cfg.API.Auth.TokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, token)
		return err
	}

	log, err := logging.New(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer log.Close() //nolint:errcheck // nothing left to log to
	log.Info("starting SkyGuard",
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"level", cfg.Logging.Level,
	)

	source, err := safety.NewSource(safetyConfig(cfg.SafetySource))
	if err != nil {
		return fmt.Errorf("creating safety source: %w", err)
	}
	source.SetLogger(log.With("component", "safety"))

	ctrl, err := control.NewClient(controlConfig(cfg.Control), control.DBusFactory(cfg.Control.Bus, cfg.Control.Service))
	if err != nil {
		return fmt.Errorf("creating control client: %w", err)
	}
	ctrl.SetLogger(log.With("component", "control"))

	if opts.check {
		return runCheck(ctx, log, source, ctrl)
	}

	return serve(ctx, cfg, log, source, ctrl)
}

// serve runs the monitor until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logging.Logger, source *safety.Source, ctrl *control.Client) error {
	db, err := database.Open(ctx, databaseConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	jrnl := journal.New(db.DB)
	pruneJournal(ctx, log, jrnl, cfg.Monitor.JournalRetention)

	executor := actions.NewExecutor(actionsConfig(cfg.Actions))
	executor.SetLogger(log.With("component", "actions"))

	var host *process.Manager
	if cfg.Control.Host.Managed {
		host = process.NewManager(hostConfig(cfg.Control.Host, busWatchdog(cfg.Control.Bus, cfg.Control.Service)))
		host.SetLogger(log.With("component", "host"))
		ctrl.SetHostLauncher(host)
		defer func() {
			log.Info("stopping KStars")
			if stopErr := host.Stop(); stopErr != nil {
				log.Error("error stopping KStars", "error", stopErr)
			}
		}()
	}

	mon, err := monitor.New(source, ctrl, executor, monitorConfig(cfg.Control))
	if err != nil {
		return fmt.Errorf("creating monitor: %w", err)
	}
	mon.SetLogger(log.With("component", "monitor"))
	mon.AddRecorder(jrnl)

	checks := map[string]api.HealthChecker{"database": db}

	mqttClient := connectMQTT(cfg, log)
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mon.AddRecorder(mqtt.NewStatePublisher(mqttClient, cfg.Site.ID))
		checks["mqtt"] = mqttClient
	}

	influxClient := connectInfluxDB(cfg, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		mon.AddRecorder(influxClient)
		checks["influxdb"] = influxClient
	}

	sched := monitor.NewScheduler(mon, schedulerConfig(cfg.Monitor))
	sched.SetLogger(log.With("component", "scheduler"))

	if mqttClient != nil {
		trigger := func(ctx context.Context) error {
			_, err := sched.Trigger(ctx)
			return err
		}
		if err := mqttClient.OnEvaluateCommand(trigger); err != nil {
			log.Warn("evaluate command unavailable", "error", err)
		}
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			Logger:    log.With("component", "api"),
			Monitor:   mon,
			Scheduler: sched,
			Journal:   jrnl,
			Checks:    checks,
			Version:   version,
		}
		if host != nil {
			deps.Host = host
		}
		srv, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		mon.AddRecorder(srv.Hub())
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if retention := cfg.Monitor.JournalRetention; retention > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(journalPruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					pruneJournal(gctx, log, jrnl, retention)
				}
			}
		})
	}

	log.Info("initialisation complete, monitoring", "interval", cfg.Monitor.PollInterval)
	runErr := g.Wait()

	// The scheduler has returned, so no evaluation holds the sessions.
	log.Info("shutting down")
	ctrl.Disconnect()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.SafetySource.Timeout)
	defer cancel()
	if err := source.Close(closeCtx); err != nil {
		log.Warn("error disconnecting safety source", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("scheduler: %w", runErr)
	}
	log.Info("SkyGuard stopped")
	return nil
}

// connectMQTT returns nil when MQTT is disabled or the broker is unreachable.
// Telemetry is optional; the monitor runs without it.
func connectMQTT(cfg *config.Config, log *logging.Logger) *mqtt.Client {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil
	}
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		log.Warn("MQTT unavailable, continuing without it", "error", err)
		return nil
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client
}

// connectInfluxDB returns nil when InfluxDB is disabled or unreachable.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) *influxdb.Client {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil
	}
	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
	if err != nil {
		log.Warn("InfluxDB unavailable, continuing without it", "error", err)
		return nil
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client
}

func pruneJournal(ctx context.Context, log *logging.Logger, j *journal.Journal, retention time.Duration) {
	if retention <= 0 {
		return
	}
	n, err := j.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		log.Info("journal pruned", "removed", n, "retention", retention)
	}
}

// runCheck queries both ends once and reports what it finds. It fails only
// when neither the safety source nor the control plane answers.
func runCheck(ctx context.Context, log *logging.Logger, source *safety.Source, ctrl *control.Client) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var failures []error

	reading, err := source.Read(ctx)
	if err != nil {
		failures = append(failures, fmt.Errorf("safety source: %w", err))
		log.Error("safety source check failed", "url", source.BaseURL(), "error", err)
	} else {
		log.Info("safety source", "url", source.BaseURL(), "is_safe", reading.IsSafe)
	}
	if err := source.Close(ctx); err != nil {
		log.Debug("safety source disconnect failed", "error", err)
	}

	if err := ctrl.Connect(ctx); err != nil {
		failures = append(failures, fmt.Errorf("control plane: %w", err))
		log.Error("control plane check failed", "error", err)
	} else {
		defer ctrl.Disconnect()
		for op, s := range ctrl.Capabilities() {
			log.Info("capability resolved", "operation", string(op), "strategy", s.String())
		}
		running, err := ctrl.IsServiceRunning(ctx)
		log.Info("ekos service", "running", running, "error", err)
		status, err := ctrl.Status(ctx)
		log.Info("scheduler", "status", status.String(), "error", err)
	}

	if len(failures) == 2 {
		return errors.Join(failures...)
	}
	log.Info("check complete", "failures", len(failures))
	return nil
}
