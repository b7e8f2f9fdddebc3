// Command tuyalocal is the local device coordinator: it keeps one session per
// configured device open through the protocol bridge, reconnects them, and
// publishes their status over MQTT, NATS, InfluxDB and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/tuyalocal-core/migrations"

	"github.com/nerrad567/tuyalocal-core/internal/api"
	"github.com/nerrad567/tuyalocal-core/internal/bridges/tuya"
	"github.com/nerrad567/tuyalocal-core/internal/cloud"
	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/diagnostics"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/database"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/logging"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/nats"
	"github.com/nerrad567/tuyalocal-core/internal/notify"
	"github.com/nerrad567/tuyalocal-core/internal/process"
	"github.com/nerrad567/tuyalocal-core/internal/session"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds closing the sessions.
	shutdownTimeout = 15 * time.Second

	// historyPruneInterval is how often old state history rows are removed.
	historyPruneInterval = 6 * time.Hour
)

// options are the command-line flags.
type options struct {
	configPath  string
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("tuyalocal %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts.configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. The config path falls back to
// TUYALOCAL_CONFIG, then to configs/config.yaml.
func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("tuyalocal", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	fs.BoolVar(&opts.showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// getConfigPath returns TUYALOCAL_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("TUYALOCAL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run wires the coordinator and blocks until ctx is cancelled. Deferred
// cleanups run in reverse: API, reporters, sessions, sinks, bridge,
// clients, database.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting tuyalocal core", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	// Database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	deviceRepo := device.NewSQLiteRepository(db.DB)
	devices, err := loadDevices(ctx, deviceRepo, cfg.Devices, log)
	if err != nil {
		return err
	}

	history := device.NewSQLiteStateHistoryRepository(db.DB)
	if cfg.Database.HistoryRetentionDays > 0 {
		retention := time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour
		go pruneHistory(ctx, history, retention, log)
	}

	// MQTT
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))

	sinks := []notify.Sink{
		notify.NewMQTTSink(mqttClient, mqttClient.QoS()),
		notify.NewHistorySink(history),
	}

	// InfluxDB (optional)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		sinks = append(sinks, notify.NewInfluxSink(influxClient))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// NATS (optional)
	natsClient, err := nats.Connect(ctx, cfg.NATS, log.Component("nats"))
	switch {
	case errors.Is(err, nats.ErrDisabled):
		log.Info("NATS disabled")
	case err != nil:
		return fmt.Errorf("connecting to NATS: %w", err)
	default:
		defer func() {
			log.Info("closing NATS connection")
			if closeErr := natsClient.Close(); closeErr != nil {
				log.Error("error closing NATS", "error", closeErr)
			}
		}()
		sinks = append(sinks, notify.NewNATSSink(natsClient))
		log.Info("NATS connected", "url", cfg.NATS.URL)
	}

	// Protocol bridge
	bridge, err := tuya.NewClient(tuya.Options{
		MQTT:           mqttClient,
		Protocol:       cfg.Bridge.Protocol,
		QoS:            mqttClient.QoS(),
		RequestTimeout: config.Seconds(cfg.Bridge.RequestTimeout),
		OpenTimeout:    config.Seconds(cfg.Bridge.OpenTimeout),
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge client: %w", err)
	}
	if err := bridge.Start(); err != nil {
		return fmt.Errorf("starting bridge client: %w", err)
	}
	defer func() {
		log.Info("stopping bridge client")
		bridge.Stop()
	}()

	if sc := cfg.Bridge.Supervisor; sc.Enabled {
		supervisor := newSupervisor(sc, bridge, log.Component("supervisor"))
		if err := supervisor.Start(ctx); err != nil {
			return fmt.Errorf("starting bridge process: %w", err)
		}
		defer supervisor.Stop()
	}

	// Sessions
	deps := session.Deps{
		Dialer:  bridge,
		Keys:    deviceRepo,
		Logger:  log.Component("session"),
		Options: session.OptionsFromConfig(cfg.Session),
	}
	var cloudCache diagnostics.CloudCache
	if cfg.Cloud.Enabled {
		directory := cloud.New(cfg.Cloud, nil, log.Component("cloud"))
		deps.Directory = directory
		cloudCache = directory
		log.Info("cloud directory enabled", "endpoint", cfg.Cloud.Endpoint)
	}
	registry := session.NewRegistry(deps)

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{}, sinks...)
	dispatcher.SetLogger(log.Component("notify"))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	registry.Events().AddNotifier(dispatcher)
	registry.Events().AddStatusSink(dispatcher)

	if err := registry.Setup(devices); err != nil {
		return fmt.Errorf("setting up device sessions: %w", err)
	}
	defer func() {
		log.Info("closing device sessions")
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := registry.CloseAll(closeCtx); closeErr != nil {
			log.Error("error closing device sessions", "error", closeErr)
		}
	}()
	go func() {
		if err := registry.ConnectAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("initial connect finished with error", "error", err)
		}
		log.Info("initial connect done", "connected", registry.Counts().Connected, "total", registry.Counts().Total)
	}()

	// MQTT command intake and health
	commands := notify.NewCommandHandler(notify.CommandHandlerConfig{
		Client: mqttClient,
		Writer: registry,
		QoS:    mqttClient.QoS(),
	})
	commands.SetLogger(log.Component("commands"))
	if err := commands.Start(ctx); err != nil {
		return fmt.Errorf("starting command handler: %w", err)
	}
	defer commands.Stop()

	health := notify.NewHealthReporter(notify.HealthReporterConfig{
		Version:   version,
		Interval:  config.Seconds(cfg.Bridge.HealthInterval),
		Publisher: mqttClient,
		Counter:   registry,
		Dropped:   dispatcher.Dropped,
	})
	health.SetLogger(log.Component("health"))
	if err := health.PublishStarting(); err != nil {
		log.Warn("publishing starting health failed", "error", err)
	}
	health.Start(ctx)
	defer health.Stop()

	// HTTP API
	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.Component("api"),
			Sessions:    registry,
			History:     history,
			Diagnostics: diagnostics.New(cfg.Cloud, version, registry, cloudCache),
			MQTT:        mqttClient,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "devices", len(devices))

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// loadDevices seeds the configured devices and returns the stored list.
// Stored rows win over the file so rotated keys survive restarts.
func loadDevices(ctx context.Context, repo device.Repository, seed []config.DeviceConfig, log *logging.Logger) ([]device.Config, error) {
	configs := make([]device.Config, 0, len(seed))
	for _, dc := range seed {
		c, err := device.FromConfig(dc)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		configs = append(configs, c)
	}

	inserted, err := device.Seed(ctx, repo, configs)
	if err != nil {
		return nil, err
	}
	devices, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	log.Info("devices loaded", "seeded", inserted, "total", len(devices))
	return devices, nil
}

// pruneHistory removes state history older than retention until ctx ends.
func pruneHistory(ctx context.Context, repo device.StateHistoryRepository, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(historyPruneInterval)
	defer ticker.Stop()
	for {
		n, err := repo.PruneHistory(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("pruning state history failed", "error", err)
		case n > 0:
			log.Debug("state history pruned", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newSupervisor builds the bridge daemon supervisor. A stale bridge health
// record counts as a failed check.
func newSupervisor(sc config.BridgeSupervisorConfig, bridge *tuya.Client, log *logging.Logger) *process.Supervisor {
	cfg := process.Config{
		Name:               "bridge",
		Binary:             sc.Binary,
		Args:               sc.Args,
		RestartDelay:       config.Seconds(sc.RestartDelay),
		MaxRestartDelay:    config.Seconds(sc.MaxRestartDelay),
		MaxRestartAttempts: sc.MaxRestartAttempts,
	}
	if sc.HealthTimeout > 0 {
		maxAge := config.Seconds(sc.HealthTimeout)
		cfg.HealthCheckInterval = maxAge / 3
		cfg.HealthCheck = bridgeHealthCheck(bridge.BridgeHealth, maxAge, time.Now)
	}
	s := process.NewSupervisor(cfg)
	s.SetLogger(log)
	return s
}

// bridgeHealthCheck fails when no health record arrived or the last one is
// older than maxAge.
func bridgeHealthCheck(last func() (tuya.HealthMessage, bool), maxAge time.Duration, now func() time.Time) func(context.Context) error {
	return func(context.Context) error {
		h, ok := last()
		if !ok {
			return errors.New("no bridge health record yet")
		}
		if age := now().Sub(h.Timestamp); age > maxAge {
			return fmt.Errorf("bridge health record is %s old", age.Round(time.Second))
		}
		if h.Status == tuya.HealthStopping {
			return errors.New("bridge reports stopping")
		}
		return nil
	}
}

// healthCheck verifies the infrastructure connections.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
