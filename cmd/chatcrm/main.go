package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChatCRM/internal/api"
	"github.com/BTreeMap/ChatCRM/internal/autoresponder"
	"github.com/BTreeMap/ChatCRM/internal/bus"
	"github.com/BTreeMap/ChatCRM/internal/lockfile"
	"github.com/BTreeMap/ChatCRM/internal/store"
	"github.com/BTreeMap/ChatCRM/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatCRM/internal/util"
	"github.com/BTreeMap/ChatCRM/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatCRM state data
	DefaultStateDir = "/var/lib/chatcrm"
	// DefaultAppDBFileName is the SQLite file holding the CRM document and alarms
	DefaultAppDBFileName = "chatcrm.db"
	// DefaultWhatsAppDBFileName is the SQLite file holding the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultPollInterval is how often due alarms are claimed
	DefaultPollInterval = time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	lock, err := lockfile.AcquireLock(flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping ChatCRM coordinator")
	slog.Debug("Final configuration", "state_dir", flags.stateDir, "api_addr", flags.apiAddr, "headless", flags.headless, "resync", flags.resyncSchedule)
	if err := api.Run(waOpts, storeOpts, apiOpts); err != nil {
		slog.Error("ChatCRM failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("ChatCRM exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	AppDBDSN       string
	WhatsAppDBDSN  string
	APIAddr        string
	ResyncSchedule string
	MissedSweep    bool
	Headless       bool
	FollowInbound  bool
	UseTwilio      bool
	ReplyDelay     time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       string
	numeric        bool
	stateDir       string
	appDSN         string
	whatsappDSN    string
	apiAddr        string
	resyncSchedule string
	missedSweep    bool
	headless       bool
	followInbound  bool
	twilio         bool
	replyDelay     time.Duration
	pollInterval   time.Duration
	requestTimeout time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       util.GetEnvWithDefault("CHATCRM_STATE_DIR", DefaultStateDir),
		AppDBDSN:       util.GetEnvWithDefault("DATABASE_DSN", os.Getenv("DATABASE_URL")),
		WhatsAppDBDSN:  os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:        util.GetEnvWithDefault("API_ADDR", api.DefaultServerAddress),
		ResyncSchedule: os.Getenv("RESYNC_SCHEDULE"),
		MissedSweep:    util.ParseBoolEnv("MISSED_SWEEP", false),
		Headless:       util.ParseBoolEnv("HEADLESS", false),
		FollowInbound:  util.ParseBoolEnv("HEADLESS_FOLLOW_INBOUND", true),
		UseTwilio:      twiliowhatsapp.Configured(),
		ReplyDelay:     util.ParseDurationEnv("BOT_REPLY_DELAY", autoresponder.DefaultReplyDelay),
		PollInterval:   util.ParseDurationEnv("ALARM_POLL_INTERVAL", DefaultPollInterval),
		RequestTimeout: util.ParseDurationEnv("PAGE_REQUEST_TIMEOUT", bus.DefaultRequestTimeout),
	}

	// Database files default into the state directory
	if config.AppDBDSN == "" {
		config.AppDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.AppDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = whatsappSQLiteDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"CHATCRM_STATE_DIR", config.StateDir,
		"APP_DSN_TYPE", store.DetectDSNType(config.AppDBDSN),
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"API_ADDR", config.APIAddr,
		"RESYNC_SCHEDULE", config.ResyncSchedule,
		"HEADLESS", config.Headless,
		"TWILIO_ACCOUNT_SID_SET", config.UseTwilio)

	return config
}

func whatsappSQLiteDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	var flags Flags
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&flags.numeric, "numeric-code", false, "use numeric login code instead of QR code")
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for ChatCRM data (overrides $CHATCRM_STATE_DIR)")
	fs.StringVar(&flags.appDSN, "db-dsn", config.AppDBDSN, "CRM database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_DSN or $DATABASE_URL)")
	fs.StringVar(&flags.whatsappDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.resyncSchedule, "resync-schedule", config.ResyncSchedule, "cron expression for re-arming pending messages (overrides $RESYNC_SCHEDULE)")
	fs.BoolVar(&flags.missedSweep, "missed-sweep", config.MissedSweep, "mark overdue pending messages as missed (overrides $MISSED_SWEEP)")
	fs.BoolVar(&flags.headless, "headless", config.Headless, "run an in-process WhatsApp page (overrides $HEADLESS)")
	fs.BoolVar(&flags.followInbound, "follow-inbound", config.FollowInbound, "headless page opens the conversation of each inbound message (overrides $HEADLESS_FOLLOW_INBOUND)")
	fs.BoolVar(&flags.twilio, "twilio", config.UseTwilio, "headless page sends through Twilio using $TWILIO_ACCOUNT_SID, $TWILIO_AUTH_TOKEN and $TWILIO_FROM_NUMBER")
	fs.DurationVar(&flags.replyDelay, "reply-delay", config.ReplyDelay, "auto-responder reply delay (overrides $BOT_REPLY_DELAY)")
	fs.DurationVar(&flags.pollInterval, "poll-interval", config.PollInterval, "alarm poll interval (overrides $ALARM_POLL_INTERVAL)")
	fs.DurationVar(&flags.requestTimeout, "request-timeout", config.RequestTimeout, "page request timeout (overrides $PAGE_REQUEST_TIMEOUT)")

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	// Follow a moved state directory unless the DSNs were set explicitly
	if flags.stateDir != config.StateDir {
		if flags.appDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			flags.appDSN = filepath.Join(flags.stateDir, DefaultAppDBFileName)
		}
		if flags.whatsappDSN == whatsappSQLiteDSN(config.StateDir) {
			flags.whatsappDSN = whatsappSQLiteDSN(flags.stateDir)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"apiAddr", flags.apiAddr,
		"headless", flags.headless,
		"missedSweep", flags.missedSweep,
		"replyDelay", flags.replyDelay)
	return flags
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
	}
	if flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(flags.whatsappDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.appDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(flags.appDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.appDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.appDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.appDSN))
	}
	return storeOpts
}

// buildAPIOptions constructs coordinator and API server options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(flags.apiAddr),
		api.WithMissedSweep(flags.missedSweep),
		api.WithReplyDelay(flags.replyDelay),
		api.WithPollInterval(flags.pollInterval),
		api.WithRequestTimeout(flags.requestTimeout),
	}
	if flags.resyncSchedule != "" {
		apiOpts = append(apiOpts, api.WithResyncSchedule(flags.resyncSchedule))
	}
	if flags.headless {
		apiOpts = append(apiOpts, api.WithHeadless(flags.followInbound))
		if flags.twilio {
			apiOpts = append(apiOpts, api.WithTwilioSender())
		}
	}
	return apiOpts
}
