// Command advisorflow runs the workflow orchestration service: the HTTP
// API, the durable timer runner, the notification outbox dispatcher, and
// the cron trigger scheduler.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/markus41/advisorflow/internal/analytics"
	"github.com/markus41/advisorflow/internal/api"
	"github.com/markus41/advisorflow/internal/assign"
	"github.com/markus41/advisorflow/internal/campaign"
	"github.com/markus41/advisorflow/internal/engine"
	"github.com/markus41/advisorflow/internal/lock"
	"github.com/markus41/advisorflow/internal/notify"
	"github.com/markus41/advisorflow/internal/scheduler"
	"github.com/markus41/advisorflow/internal/segment"
	"github.com/markus41/advisorflow/internal/store"
	"github.com/markus41/advisorflow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AdvisorFlow state data
	DefaultStateDir = "/var/lib/advisorflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "advisorflow.db"
	// DefaultTimerPollInterval is how often the timer runner scans for due
	// timers.
	DefaultTimerPollInterval = 10 * time.Second
	// DefaultOutboxPollInterval is how often the outbox dispatcher scans
	// for queued notifications.
	DefaultOutboxPollInterval = 5 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("AdvisorFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AdvisorFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIAddr     string
	RedisAddr   string
	TwilioSID   string
	TwilioToken string
	TwilioFrom  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	apiAddr   *string
	redisAddr *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and a
// .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("ADVISORFLOW_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_FROM_NUMBER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ADVISORFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"TWILIO_CONFIGURED", config.TwilioSID != "" && config.TwilioToken != "" && config.TwilioFrom != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment
// defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for AdvisorFlow data (overrides $ADVISORFLOW_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN: file path for SQLite, URL for PostgreSQL (overrides $DATABASE_URL)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisAddr: flag.String("redis-addr", config.RedisAddr, "Redis address for distributed execution locks (overrides $REDIS_ADDR)"),
	}
	flag.Parse()

	// Follow an overridden state directory when the DSN was defaulted into
	// the old one.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags
}

// openStore selects the store backend from the DSN.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Opening PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Opening SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildLocker selects the execution locker: Redis when an address is
// configured, in-process otherwise.
func buildLocker(redisAddr string) lock.Locker {
	if redisAddr == "" {
		return lock.NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	slog.Info("Using Redis execution locks", "addr", redisAddr)
	return lock.NewRedisLocker(client, "advisorflow")
}

// buildNotificationRouter wires delivery channels: Twilio when credentials
// are configured, webhooks always, and log-only fallbacks otherwise.
func buildNotificationRouter(config Config) *notify.Router {
	router := notify.NewRouter()
	router.Register(notify.ChannelWebhook, notify.NewWebhookDispatcher(nil))
	router.Register(notify.ChannelEmail, &notify.LogDispatcher{Channel: notify.ChannelEmail})

	if config.TwilioSID != "" && config.TwilioToken != "" && config.TwilioFrom != "" {
		twilio, err := notify.NewTwilioClient(
			notify.WithAccountSID(config.TwilioSID),
			notify.WithAuthToken(config.TwilioToken),
			notify.WithFrom(config.TwilioFrom),
		)
		if err != nil {
			slog.Error("Twilio configuration rejected, falling back to log-only channels", "error", err)
		} else {
			router.Register(notify.ChannelSMS, twilio.SMS())
			router.Register(notify.ChannelWhatsApp, twilio.WhatsApp())
			slog.Info("Twilio channels registered")
			return router
		}
	}
	router.Register(notify.ChannelSMS, &notify.LogDispatcher{Channel: notify.ChannelSMS})
	router.Register(notify.ChannelWhatsApp, &notify.LogDispatcher{Channel: notify.ChannelWhatsApp})
	return router
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := Config{
		DatabaseURL: *flags.dbDSN,
		StateDir:    *flags.stateDir,
		APIAddr:     *flags.apiAddr,
		RedisAddr:   *flags.redisAddr,
		TwilioSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:  os.Getenv("TWILIO_FROM_NUMBER"),
	}

	st, err := openStore(config.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	locker := buildLocker(config.RedisAddr)
	router := buildNotificationRouter(config)

	assignor := assign.NewAssignor(st)
	eng := engine.NewEngine(st, assignor, locker)
	campaigns := campaign.NewRunner(st, locker, nil)
	reports := analytics.NewAggregator(st)

	timers := store.NewTimerRunner(st, util.ParseDurationEnv("TIMER_POLL_INTERVAL", DefaultTimerPollInterval))
	engine.RegisterJobHandlers(timers, eng)
	campaign.RegisterJobHandlers(timers, campaigns)
	if err := timers.RecoverStaleTimers(); err != nil {
		slog.Error("stale timer recovery failed", "error", err)
	}
	go timers.Run(ctx)

	outbox := store.NewOutboxDispatcher(st, func(ctx context.Context, cmd store.NotificationCommand) error {
		return router.Send(ctx, cmd.Channel, cmd.Recipient, cmd.Body)
	}, util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", DefaultOutboxPollInterval))
	if err := outbox.RecoverStaleNotifications(); err != nil {
		slog.Error("stale notification recovery failed", "error", err)
	}
	go outbox.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	// The client directory is an external collaborator supplied per
	// deployment; without one, scheduled fires and deadline sweeps stay off
	// while event triggers remain segment-gated through the store.
	matcher := segment.NewMatcher(st, nil)
	triggers := scheduler.NewTriggerService(sched, eng, matcher, nil)

	var apiOpts []api.Option
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	srv := api.NewServer(eng, campaigns, reports, triggers, st, apiOpts...)

	slog.Info("AdvisorFlow started")
	return srv.Run(ctx)
}
