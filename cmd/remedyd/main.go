package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	apiPkg "github.com/h1v3-io/remedy/internal/api"
	"github.com/h1v3-io/remedy/internal/approval"
	"github.com/h1v3-io/remedy/internal/config"
	"github.com/h1v3-io/remedy/internal/connector"
	slackconn "github.com/h1v3-io/remedy/internal/connector/slack"
	"github.com/h1v3-io/remedy/internal/connector/telegram"
	"github.com/h1v3-io/remedy/internal/connector/webhook"
	"github.com/h1v3-io/remedy/internal/intake"
	"github.com/h1v3-io/remedy/internal/lock"
	"github.com/h1v3-io/remedy/internal/logbuf"
	"github.com/h1v3-io/remedy/internal/retry"
	"github.com/h1v3-io/remedy/internal/runner"
	"github.com/h1v3-io/remedy/internal/scheduler"
	"github.com/h1v3-io/remedy/internal/ticket"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	configURL := flag.String("config-url", os.Getenv("REMEDY_CONFIG_URL"), "URL to fetch the config document from")
	configKey := flag.String("config-key", os.Getenv("REMEDY_CONFIG_KEY"), "Bearer token for -config-url")
	storePath := flag.String("store", "", "Ticket database path (overrides config)")
	envFile := flag.String("env-file", ".env", "Env file loaded in environment mode")
	verbose := flag.Bool("v", false, "Verbose logging")
	pretty := flag.Bool("pretty", false, "Human-readable colored logs instead of JSON")
	logFile := flag.String("log-file", "", "Also write logs to this file, rotated at 100MB")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	var out io.Writer = os.Stdout
	if *logFile != "" {
		os.MkdirAll(filepath.Dir(*logFile), 0o755)
		rotate := &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
			LocalTime:  true,
		}
		defer rotate.Close()
		out = io.MultiWriter(os.Stdout, rotate)
	}
	var base slog.Handler
	if *pretty {
		base = tint.NewHandler(out, &tint.Options{Level: logLevel, TimeFormat: time.RFC3339, NoColor: *logFile != ""})
	} else {
		base = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel})
	}
	logBuf := logbuf.New(2000)
	logger := slog.New(logbuf.NewHandler(base, logBuf))
	slog.SetDefault(logger)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load config (3 modes: file, remote, env)
	if *configPath == "" && *configURL != "" {
		logger.Info("loading config from url", "url", *configURL)
	}
	cfg, err := loadConfig(ctx, configSource{
		Path:      *configPath,
		URL:       *configURL,
		Key:       *configKey,
		StorePath: *storePath,
		EnvFile:   *envFile,
	})
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("remedyd starting",
		"store", cfg.Store.Path,
		"runner", cfg.Runner.Type,
		"max_retries", cfg.Retry.MaxRetries,
		"cooldown", cfg.Retry.Cooldown.Std(),
	)

	// 1. Ticket store
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	store, err := ticket.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open ticket store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 2. Ticket lock: Redis when shared between instances, in-process otherwise
	var locker lock.Locker = lock.NewKeyed()
	if cfg.Redis != nil {
		rl, err := lock.NewRedis(lock.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			TTL:      cfg.Redis.LockTTL.Std(),
			Prefix:   cfg.Redis.Prefix,
		}, logger.With("component", "lock"))
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rl.Close()
		locker = rl
		logger.Info("distributed ticket lock enabled")
	}

	// 3. Job runner
	jobRunner, err := newRunner(cfg.Runner)
	if err != nil {
		logger.Error("failed to init runner", "error", err)
		os.Exit(1)
	}

	// 4. Chat connectors. Decisions are routed to the gate, built below.
	var gate *approval.Gate
	decide := func(ctx context.Context, d connector.Decision) (connector.Outcome, error) {
		return gate.Decide(ctx, d)
	}

	var notifiers connector.Fanout
	var listeners []connector.Listener
	if sc := cfg.Connectors.Slack; sc != nil {
		conn, err := slackconn.New(slackconn.Config{
			BotToken:  sc.BotToken,
			AppToken:  sc.AppToken,
			Channel:   sc.Channel,
			Approvers: sc.Approvers,
		}, decide, logger.With("connector", "slack"))
		if err != nil {
			logger.Error("failed to init slack connector", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, conn)
		listeners = append(listeners, conn)
	}
	if tc := cfg.Connectors.Telegram; tc != nil {
		conn, err := telegram.New(telegram.Config{
			Token:     tc.Token,
			ChatID:    tc.ChatID,
			AllowFrom: tc.AllowFrom,
		}, decide, logger.With("connector", "telegram"))
		if err != nil {
			logger.Error("failed to init telegram connector", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, conn)
		listeners = append(listeners, conn)
	}

	var notifier connector.Notifier = notifiers
	if len(notifiers) == 0 {
		logger.Warn("no chat connector configured; approvals only via API")
		notifier = &connector.LogNotifier{Logger: logger.With("connector", "log")}
	}

	// 5. Remediation pipeline
	orch := retry.New(store, jobRunner, locker, notifier, retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		Cooldown:       cfg.Retry.Cooldown.Std(),
		AttemptTimeout: cfg.Retry.AttemptTimeout.Std(),
	}, logger)
	gate = approval.New(store, notifier, orch, approval.Config{
		Timeout: cfg.Approval.Timeout.Std(),
	}, logger)
	in := intake.New(store, nil, gate, notifier, locker, logger)

	// 6. Scheduler
	sched := scheduler.New(logger)
	err = sched.AddJob("retry-tick", cfg.Retry.Tick, func(ctx context.Context) error {
		_, err := orch.Tick(ctx)
		return err
	})
	if err != nil {
		logger.Error("failed to schedule retry tick", "error", err)
		os.Exit(1)
	}
	if cfg.Approval.Timeout > 0 {
		err = sched.AddJob("approval-expiry", cfg.Approval.Sweep, func(ctx context.Context) error {
			_, err := gate.ExpirePending(ctx)
			return err
		})
		if err != nil {
			logger.Error("failed to schedule approval expiry", "error", err)
			os.Exit(1)
		}
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	}()

	for _, l := range listeners {
		go safeGo(logger, fmt.Sprintf("%T", l), func() { l.Start(ctx) })
	}

	// 7. API server + failure webhook
	apiSrv := apiPkg.NewServer(store, gate, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger, logBuf)

	if wc := cfg.Connectors.Webhook; wc != nil {
		endpoints := make(map[string]webhook.EndpointConfig, len(wc.Endpoints))
		for name, ep := range wc.Endpoints {
			endpoints[name] = webhook.EndpointConfig{Secret: ep.Secret, BearerToken: ep.BearerToken}
		}
		hook := webhook.New(webhook.Config{Endpoints: endpoints}, in.Handle, logger.With("connector", "webhook"))
		apiSrv.Handle("POST /api/webhook/{endpoint}", hook)
		logger.Info("failure webhook mounted", "endpoints", len(endpoints))
	} else {
		logger.Warn("no webhook endpoints configured; failures cannot be reported")
	}

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// Pick up tickets left retrying by a previous run.
	if n, err := orch.Tick(ctx); err != nil {
		logger.Warn("initial retry sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("resumed retrying tickets", "count", n)
	}

	// 8. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	for _, l := range listeners {
		l.Stop()
	}
	// Start returns once running cron jobs finish, so no Tick races Stop.
	<-schedDone
	orch.Stop()
	logger.Info("remedyd stopped")
}

// configSource says where remedyd reads its configuration from.
type configSource struct {
	Path      string
	URL       string
	Key       string
	StorePath string // overrides store.path from any source
	EnvFile   string
}

// loadConfig reads the config from a file, a URL or the environment, applies
// the store path override and validates the result once.
func loadConfig(ctx context.Context, src configSource) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case src.Path != "":
		cfg, err = config.Read(src.Path)
	case src.URL != "":
		return config.LoadFromURL(ctx, config.RemoteOptions{
			URL:       src.URL,
			APIKey:    src.Key,
			StorePath: src.StorePath,
		})
	default:
		cfg, err = config.LoadFromEnv(src.EnvFile)
	}
	if err != nil {
		return nil, err
	}
	if src.StorePath != "" {
		cfg.Store.Path = src.StorePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunner(cfg config.RunnerConfig) (retry.Runner, error) {
	switch cfg.Type {
	case "databricks":
		d := cfg.Databricks
		if d == nil {
			return nil, fmt.Errorf("runner.databricks is required for the databricks runner")
		}
		libs := make([]runner.Library, 0, len(d.Libraries))
		for _, pkg := range d.Libraries {
			libs = append(libs, runner.Library{PyPI: &runner.PyPILibrary{Package: pkg}})
		}
		return runner.NewDatabricks(runner.DatabricksConfig{
			Host:         d.Host,
			Token:        d.Token,
			Jobs:         d.Jobs,
			ClusterID:    d.ClusterID,
			Libraries:    libs,
			PollInterval: d.PollInterval.Std(),
		}), nil
	case "simulated":
		rate := config.DefaultFailureRate
		if cfg.Simulated.FailureRate != nil {
			rate = *cfg.Simulated.FailureRate
		}
		return runner.NewSimulated(rate, cfg.Simulated.Seed), nil
	default:
		return nil, fmt.Errorf("unknown runner type %q", cfg.Type)
	}
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
