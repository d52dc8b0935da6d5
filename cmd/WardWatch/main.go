package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/WardWatch/internal/agent"
	"github.com/BTreeMap/WardWatch/internal/alert"
	"github.com/BTreeMap/WardWatch/internal/api"
	"github.com/BTreeMap/WardWatch/internal/config"
	"github.com/BTreeMap/WardWatch/internal/events"
	"github.com/BTreeMap/WardWatch/internal/genai"
	"github.com/BTreeMap/WardWatch/internal/ingest"
	"github.com/BTreeMap/WardWatch/internal/lockfile"
	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/monitor"
	"github.com/BTreeMap/WardWatch/internal/notify"
	"github.com/BTreeMap/WardWatch/internal/pipeline"
	"github.com/BTreeMap/WardWatch/internal/recovery"
	"github.com/BTreeMap/WardWatch/internal/scheduler"
	"github.com/BTreeMap/WardWatch/internal/session"
	"github.com/BTreeMap/WardWatch/internal/store"
	"github.com/BTreeMap/WardWatch/internal/wearable"
)

// Default configuration constants
const (
	// DefaultStateDir holds the database, lock file and handoff forms.
	DefaultStateDir = "/var/lib/wardwatch"
	// DefaultAppDBFileName is the SQLite database used when no DSN is set.
	DefaultAppDBFileName = "wardwatch.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store.
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// DefaultCaptureBaseURL is where bedside tablets reach the capture socket.
	DefaultCaptureBaseURL = "ws://localhost:8080"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}

	initializeLogger(flags.logLevel)

	if flags.printCaptureQR != "" {
		link, err := captureURL(flags.captureBaseURL, flags.printCaptureQR)
		if err != nil {
			slog.Error("Invalid capture base URL", "error", err)
			os.Exit(1)
		}
		fmt.Println(link)
		qrterminal.GenerateHalfBlock(link, qrterminal.L, os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WardWatch", "state_dir", flags.stateDir, "dsn_set", flags.dbDSN != "", "api_addr", flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("WardWatch failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("WardWatch exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	APIAddr          string
	RulePackPath     string
	OpenAIKey        string
	OpenAIModel      string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	OnCallNumber     string
	HandoffTo        string
	RedisAddr        string
	MQTTBroker       string
	MQTTTopic        string
	LogLevel         string
	CaptureBaseURL   string
}

// Flags holds the effective settings after command line overrides.
type Flags struct {
	stateDir       string
	dbDSN          string
	whatsAppDSN    string
	apiAddr        string
	rulePack       string
	openaiKey      string
	openaiModel    string
	twilioSID      string
	twilioToken    string
	twilioFrom     string
	onCall         string
	handoffTo      string
	redisAddr      string
	mqttBroker     string
	mqttTopic      string
	logLevel       string
	captureBaseURL string
	printCaptureQR string
	qrOutput       string
	numeric        bool
}

// initializeLogger sets up the default text logger at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:       os.Getenv("WARDWATCH_STATE_DIR"),
		APIAddr:        os.Getenv("API_ADDR"),
		RulePackPath:   os.Getenv("WARDWATCH_CONFIG"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		TwilioSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:     os.Getenv("TWILIO_FROM_NUMBER"),
		OnCallNumber:   os.Getenv("ONCALL_PHONE_NUMBER"),
		HandoffTo:      os.Getenv("HANDOFF_WHATSAPP_TO"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		MQTTBroker:     os.Getenv("MQTT_BROKER"),
		MQTTTopic:      os.Getenv("MQTT_TOPIC"),
		LogLevel:       os.Getenv("WARDWATCH_LOG_LEVEL"),
		CaptureBaseURL: os.Getenv("CAPTURE_BASE_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.CaptureBaseURL == "" {
		config.CaptureBaseURL = DefaultCaptureBaseURL
	}

	// DATABASE_DSN wins over the legacy DATABASE_URL.
	config.ApplicationDBDSN = os.Getenv("DATABASE_DSN")
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}

	config.WhatsAppDBDSN = os.Getenv("WHATSAPP_DB_DSN")
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"WARDWATCH_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"API_ADDR", config.APIAddr,
		"WARDWATCH_CONFIG", config.RulePackPath,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_SET", config.TwilioSID != "",
		"REDIS_ADDR", config.RedisAddr,
		"MQTT_BROKER", config.MQTTBroker)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment defaults. Database
// DSNs that were derived from the state directory follow a -state-dir
// override.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory for WardWatch data (overrides $WARDWATCH_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN)")
	fs.StringVar(&f.whatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.rulePack, "config", config.RulePackPath, "YAML rule pack (overrides $WARDWATCH_CONFIG)")
	fs.StringVar(&f.openaiKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.openaiModel, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&f.twilioSID, "twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.twilioToken, "twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&f.twilioFrom, "twilio-from", config.TwilioFrom, "Twilio caller number (overrides $TWILIO_FROM_NUMBER)")
	fs.StringVar(&f.onCall, "oncall", config.OnCallNumber, "on-call phone number (overrides $ONCALL_PHONE_NUMBER)")
	fs.StringVar(&f.handoffTo, "handoff-to", config.HandoffTo, "WhatsApp number receiving handoff summaries (overrides $HANDOFF_WHATSAPP_TO)")
	fs.StringVar(&f.redisAddr, "redis-addr", config.RedisAddr, "Redis address for cross-instance session leases (overrides $REDIS_ADDR)")
	fs.StringVar(&f.mqttBroker, "mqtt-broker", config.MQTTBroker, "MQTT broker for wearable feeds (overrides $MQTT_BROKER)")
	fs.StringVar(&f.mqttTopic, "mqtt-topic", config.MQTTTopic, "MQTT topic filter (overrides $MQTT_TOPIC)")
	fs.StringVar(&f.logLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $WARDWATCH_LOG_LEVEL)")
	fs.StringVar(&f.captureBaseURL, "capture-base-url", config.CaptureBaseURL, "base URL bedside tablets connect to (overrides $CAPTURE_BASE_URL)")
	fs.StringVar(&f.printCaptureQR, "print-capture-qr", "", "print a capture pairing QR code for this patient ID and exit")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if f.stateDir != config.StateDir {
		if f.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			f.dbDSN = filepath.Join(f.stateDir, DefaultAppDBFileName)
		}
		if f.whatsAppDSN == defaultWhatsAppDSN(config.StateDir) {
			f.whatsAppDSN = defaultWhatsAppDSN(f.stateDir)
		}
	}
	return f, nil
}

// captureURL is the capture socket address for one patient.
func captureURL(base, patientID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return u.JoinPath("ws", "capture", patientID).String(), nil
}

// buildStoreOptions picks the backend from the DSN.
func buildStoreOptions(f Flags) []store.Option {
	if f.dbDSN == "" {
		return nil
	}
	if store.DetectDSNType(f.dbDSN) == "postgres" {
		return []store.Option{store.WithPostgresDSN(f.dbDSN)}
	}
	return []store.Option{store.WithSQLiteDSN(f.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(f Flags, cfg *config.Config) []genai.Option {
	opts := []genai.Option{
		genai.WithTemperature(cfg.Agent.Temperature),
		genai.WithMaxTokens(cfg.Agent.MaxTokens),
	}
	if f.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(f.openaiKey))
	}
	if f.openaiModel != "" {
		opts = append(opts, genai.WithModel(f.openaiModel))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(f Flags, cfg *config.Config, gatherer prometheus.Gatherer) []api.Option {
	opts := []api.Option{
		api.WithGatherer(gatherer),
		api.WithLogThrottle(cfg.LogThrottle),
	}
	if f.apiAddr != "" {
		opts = append(opts, api.WithAddr(f.apiAddr))
	}
	if cfg.Session.HandshakeWait > 0 {
		opts = append(opts, api.WithHandshakeWait(cfg.Session.HandshakeWait))
	}
	return opts
}

// buildAgentProvider uses the LLM when a key is configured and the
// deterministic rule provider otherwise.
func buildAgentProvider(f Flags, cfg *config.Config) (agent.Provider, error) {
	client, err := genai.NewClient(buildGenAIOptions(f, cfg)...)
	if errors.Is(err, genai.ErrNoAPIKey) {
		slog.Info("No OpenAI key configured, using rule-based reasoning")
		return agent.NewRuleProvider(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return agent.NewLLMProvider(client, client.Model()), nil
}

// run wires every component and blocks until ctx is cancelled or one of
// the long-running loops fails.
func run(ctx context.Context, f Flags) error {
	lock, err := lockfile.AcquireLock(f.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	cfg, err := config.Load(f.rulePack)
	if err != nil {
		return fmt.Errorf("load rule pack: %w", err)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.Open(buildStoreOptions(f)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(cfg.LogThrottle)

	regOpts := []session.Option{session.WithPublisher(bus)}
	if f.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: f.redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", f.redisAddr, err)
		}
		regOpts = append(regOpts, session.WithLease(session.NewRedisLease(rdb, "", cfg.Session.LeaseTTL), cfg.Session.LeaseTTL/3))
		slog.Info("Cross-instance session leases enabled", "redis", f.redisAddr)
	}
	registry := session.NewRegistry(regOpts...)

	machine := monitor.NewMachine(cfg,
		monitor.WithStateRepo(st),
		monitor.WithDecisionLog(st),
		monitor.WithPublisher(bus))
	defer machine.Stop()

	engine := alert.NewEngine(cfg, st, machine, alert.WithPublisher(bus))

	provider, err := buildAgentProvider(f, cfg)
	if err != nil {
		return err
	}
	reasoner := agent.NewClient(provider,
		agent.WithTimeout(cfg.Agent.Timeout),
		agent.WithDebounce(cfg.Agent.Debounce),
		agent.WithStateReader(machine))

	manager := pipeline.NewManager(pipeline.Deps{
		Registry: registry,
		Adapter:  ingest.NewAdapter(ingest.WithStalenessWindow(cfg.StalenessWindow), ingest.WithThresholds(cfg.Triggers)),
		Machine:  machine,
		Engine:   engine,
		Agent:    reasoner,
		Dedup:    st,
	},
		pipeline.WithQueueSize(cfg.Session.QueueSize),
		pipeline.WithHistorySize(cfg.Agent.HistorySize),
		pipeline.WithLogThrottle(cfg.LogThrottle))

	notifyOpts := []notify.Option{
		notify.WithFormGenerator(notify.NewFileFormGenerator(f.stateDir)),
		notify.WithStateReader(machine),
	}
	if f.twilioSID != "" {
		tel, err := notify.NewTwilioTelephony(
			notify.WithAccountSID(f.twilioSID),
			notify.WithAuthToken(f.twilioToken),
			notify.WithFromNumber(f.twilioFrom))
		if err != nil {
			return fmt.Errorf("create telephony: %w", err)
		}
		if f.onCall == "" {
			slog.Warn("Twilio configured without ONCALL_PHONE_NUMBER, calls will be skipped")
		}
		notifyOpts = append(notifyOpts, notify.WithTelephony(tel, f.onCall))
	}
	if f.handoffTo != "" {
		waOpts := []notify.WhatsAppOption{notify.WithDBDSN(f.whatsAppDSN)}
		if f.qrOutput != "" {
			waOpts = append(waOpts, notify.WithQRCodeOutput(f.qrOutput))
		}
		if f.numeric {
			waOpts = append(waOpts, notify.WithNumericCode())
		}
		wa, err := notify.NewWhatsAppMessenger(ctx, waOpts...)
		if err != nil {
			return fmt.Errorf("create whatsapp messenger: %w", err)
		}
		defer wa.Close()
		notifyOpts = append(notifyOpts, notify.WithStaffMessenger(wa, f.handoffTo))
	}
	dispatcher := notify.NewDispatcher(st, notifyOpts...)
	sender := store.NewOutboxSender(st, dispatcher.Send, cfg.Outbox.PollInterval,
		store.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		store.WithStaleThreshold(cfg.Outbox.StaleAfter))

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.MonitoringRecoverable{Repo: st, Machine: machine})
	rm.RegisterRecoverable(recovery.OutboxRecoverable{Sender: sender})
	if err := rm.RecoverAll(ctx); err != nil {
		// Partial recovery still leaves a usable monitor.
		slog.Error("Startup recovery incomplete", "error", err)
	}

	sched, err := buildMaintenance(cfg, machine, sender, st)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Registry:  registry,
		Manager:   manager,
		Machine:   machine,
		Engine:    engine,
		Store:     st,
		Decisions: st,
		Outbox:    st,
		Bus:       bus,
	}, buildAPIOptions(f, cfg, prometheus.DefaultGatherer)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sender.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if f.mqttBroker != "" {
		subOpts := []wearable.Option{wearable.WithBroker(f.mqttBroker), wearable.WithLogThrottle(cfg.LogThrottle)}
		if f.mqttTopic != "" {
			subOpts = append(subOpts, wearable.WithTopic(f.mqttTopic))
		}
		sub := wearable.NewSubscriber(manager, subOpts...)
		g.Go(func() error { return sub.Run(gctx) })
	}
	return g.Wait()
}

// buildMaintenance schedules the housekeeping jobs. The expiry sweep backs
// up the per-patient timers; the requeue job rescues notifications whose
// delivery attempt hung; the purge job forgets old capture message ids.
func buildMaintenance(cfg *config.Config, machine *monitor.Machine, sender *store.OutboxSender, dedup store.DedupRepo) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler()
	err := sched.AddJob("expiry-sweep", cfg.Maintenance.ExpirySweep, func() {
		if n := len(machine.ExpireDue(time.Now())); n > 0 {
			slog.Info("Expiry sweep reverted monitoring states", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	err = sched.AddJob("outbox-requeue", cfg.Maintenance.OutboxRequeue, func() {
		if _, err := recovery.RecoverOutbox(sender); err != nil {
			slog.Error("Outbox requeue failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	retention := cfg.Maintenance.DedupRetention
	err = sched.AddJob("dedup-purge", cfg.Maintenance.DedupPurge, func() {
		purgeInbound(dedup, retention, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// purgeInbound drops dedup records older than retention.
func purgeInbound(dedup store.DedupRepo, retention time.Duration, now time.Time) int {
	n, err := dedup.PurgeInboundBefore(now.Add(-retention))
	if err != nil {
		slog.Error("Inbound dedup purge failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("Inbound dedup purged", "count", n)
	}
	return n
}
