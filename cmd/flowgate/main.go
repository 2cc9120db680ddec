// Command flowgate runs the encrypted webhook gateway that mediates the
// day-by-day task-confirmation flow between the messaging platform and the
// workflow automation backend.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taskweek/flowgate/internal/api"
	"github.com/taskweek/flowgate/internal/automation"
	"github.com/taskweek/flowgate/internal/envelope"
	"github.com/taskweek/flowgate/internal/flow"
	"github.com/taskweek/flowgate/internal/metrics"
	"github.com/taskweek/flowgate/internal/models"
	"github.com/taskweek/flowgate/internal/notify"
	"github.com/taskweek/flowgate/internal/session"
	"github.com/taskweek/flowgate/internal/util"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowGate with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("FlowGate failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowGate exited successfully")
}

// Config holds environment configuration.
type Config struct {
	AppSecret     string
	PrivateKey    string
	Passphrase    string
	APIAddr       string
	SessionDSN    string
	SessionTTL    time.Duration
	FlowMode      string
	DayLocale     string
	N8NDayURL     string
	N8NWeekURL    string
	N8NSecret     string
	N8NAPIKey     string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	AlertToNumber string
}

// Flags holds command line flag values.
type Flags struct {
	config     Config
	apiAddr    *string
	sessionDSN *string
	flowMode   *string
	dayLocale  *string
}

// initializeLogger sets up structured logging; FLOWGATE_DEBUG enables debug level.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FLOWGATE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		AppSecret:     os.Getenv("APP_SECRET"),
		PrivateKey:    os.Getenv("PRIVATE_KEY"),
		Passphrase:    os.Getenv("PASSPHRASE"),
		APIAddr:       os.Getenv("API_ADDR"),
		SessionDSN:    os.Getenv("SESSION_DSN"),
		SessionTTL:    util.ParseDurationEnv("SESSION_TTL", session.DefaultTTL),
		FlowMode:      os.Getenv("FLOW_MODE"),
		DayLocale:     os.Getenv("DAY_LOCALE"),
		N8NDayURL:     os.Getenv("N8N_SUBMIT_URL"),
		N8NWeekURL:    os.Getenv("N8N_WEEK_URL"),
		N8NSecret:     os.Getenv("N8N_SHARED_SECRET"),
		N8NAPIKey:     os.Getenv("N8N_API_KEY"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		AlertToNumber: os.Getenv("ALERT_TO_NUMBER"),
	}
	if config.SessionDSN == "" {
		config.SessionDSN = os.Getenv("DATABASE_URL")
	}

	slog.Debug("environment variables loaded",
		"APP_SECRET_SET", config.AppSecret != "",
		"PRIVATE_KEY_SET", config.PrivateKey != "",
		"API_ADDR", config.APIAddr,
		"SESSION_DSN_TYPE", session.DetectDSNType(config.SessionDSN),
		"SESSION_TTL", config.SessionTTL,
		"FLOW_MODE", config.FlowMode,
		"DAY_LOCALE", config.DayLocale,
		"N8N_SUBMIT_URL_SET", config.N8NDayURL != "",
		"N8N_WEEK_URL_SET", config.N8NWeekURL != "",
		"TWILIO_SET", config.TwilioSID != "")
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		config:     config,
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sessionDSN: flag.String("session-dsn", config.SessionDSN, "session store DSN: empty=memory, redis://, postgres://, or sqlite file path (overrides $SESSION_DSN)"),
		flowMode:   flag.String("flow-mode", config.FlowMode, "default flow mode: select_day_first, sequential_week or aggregate_week (overrides $FLOW_MODE)"),
		dayLocale:  flag.String("day-locale", config.DayLocale, "day screen locale: fr or en (overrides $DAY_LOCALE)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"apiAddr", *flags.apiAddr,
		"sessionDSN_set", *flags.sessionDSN != "",
		"flowMode", *flags.flowMode,
		"dayLocale", *flags.dayLocale)
	return flags
}

func run(ctx context.Context, flags Flags) error {
	config := flags.config

	crypto, err := buildEnvelopeService(config)
	if err != nil {
		return err
	}

	st, err := session.New(
		session.WithDSN(*flags.sessionDSN),
		session.WithTTL(config.SessionTTL),
	)
	if err != nil {
		return err
	}
	defer st.Close()
	metrics.RegisterLiveSessions(func() float64 {
		n, err := st.Count(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})

	adapter := automation.NewN8NClient(
		automation.WithDayURL(config.N8NDayURL),
		automation.WithWeekURL(config.N8NWeekURL),
		automation.WithSharedSecret(config.N8NSecret),
		automation.WithAPIKey(config.N8NAPIKey),
	)

	engineOpts, err := buildEngineOptions(flags)
	if err != nil {
		return err
	}
	engine := flow.New(st, adapter, engineOpts...)

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(crypto, engine, st, apiOpts...)
	return server.Run(ctx)
}

// buildEnvelopeService loads the private key (inline PEM or file path) and
// the app secret into the envelope service.
func buildEnvelopeService(config Config) (*envelope.Service, error) {
	pemData := []byte(config.PrivateKey)
	if config.PrivateKey != "" && !strings.Contains(config.PrivateKey, "BEGIN") {
		data, err := os.ReadFile(config.PrivateKey)
		if err != nil {
			slog.Error("Failed to read private key file", "path", config.PrivateKey, "error", err)
			return nil, err
		}
		pemData = data
	}

	opts := []envelope.Option{
		envelope.WithPrivateKeyPEM(pemData),
		envelope.WithPassphrase(config.Passphrase),
	}
	if config.AppSecret != "" {
		opts = append(opts, envelope.WithAppSecret([]byte(config.AppSecret)))
	}
	return envelope.New(opts...)
}

// buildEngineOptions constructs flow engine options from configuration.
func buildEngineOptions(flags Flags) ([]flow.Option, error) {
	config := flags.config
	var opts []flow.Option

	mode, err := models.ParseMode(*flags.flowMode, models.ModeSequentialWeek)
	if err != nil {
		return nil, err
	}
	opts = append(opts, flow.WithDefaultMode(mode))

	switch strings.ToLower(strings.TrimSpace(*flags.dayLocale)) {
	case "", string(models.LocaleFrench):
		opts = append(opts, flow.WithLocale(models.LocaleFrench))
	case string(models.LocaleEnglish):
		opts = append(opts, flow.WithLocale(models.LocaleEnglish))
	default:
		slog.Warn("Unknown day locale, defaulting to French", "locale", *flags.dayLocale)
		opts = append(opts, flow.WithLocale(models.LocaleFrench))
	}

	if config.TwilioSID != "" && config.AlertToNumber != "" {
		notifier, err := notify.NewTwilioNotifier(
			notify.WithAccountSID(config.TwilioSID),
			notify.WithAuthToken(config.TwilioToken),
			notify.WithFrom(config.TwilioFrom),
			notify.WithTo(config.AlertToNumber),
		)
		if err != nil {
			slog.Error("Failed to configure operator alerting", "error", err)
			return nil, err
		}
		opts = append(opts, flow.WithNotifier(notifier))
		slog.Info("Operator alerting enabled", "to_set", true)
	} else {
		slog.Debug("Operator alerting not configured")
	}
	return opts, nil
}
