// evok2mqtt bridges a Unipi Evok websocket to MQTT with Home Assistant
// autodiscovery.
//
//	evok2mqtt [evok_uri] [mqtt_host] [name] [flags]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mhemeryck/evok2mqtt/internal/api"
	"github.com/mhemeryck/evok2mqtt/internal/audit"
	"github.com/mhemeryck/evok2mqtt/internal/bridges/evok"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/config"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/database"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/influxdb"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/logging"
	"github.com/mhemeryck/evok2mqtt/internal/infrastructure/mqtt"
	"github.com/mhemeryck/evok2mqtt/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// startupCheckTimeout bounds the health checks run once everything is wired.
const startupCheckTimeout = 5 * time.Second

// options holds command-line values. Zero values leave the file/env value alone.
type options struct {
	configPath string
	envFile    string

	evokURI  string
	mqttHost string
	name     string

	mappings   string
	mqttPort   int
	payloadOn  string
	payloadOff string
	scheme     string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "evok2mqtt [evok_uri] [mqtt_host] [name]",
		Short: "Bridge Unipi Evok circuits to MQTT with Home Assistant discovery",
		Long: `evok2mqtt listens to the Evok websocket of a Unipi controller, publishes
every mapped circuit state to MQTT and forwards MQTT commands back to Evok.

Positional arguments override the configuration file and environment:
  evok_uri   Evok websocket URI (default ws://localhost/ws)
  mqtt_host  MQTT broker host (default localhost)
  name       device name used in topics (default: hostname)`,
		Args:         cobra.MaximumNArgs(3),
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.applyArgs(args)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("EVOK2MQTT_CONFIG"), "YAML configuration file (env EVOK2MQTT_CONFIG)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration, if present")
	flags.StringVarP(&opts.mappings, "mappings", "m", "", "circuit mapping file (default config.yaml)")
	flags.IntVar(&opts.mqttPort, "mqtt-port", 0, "MQTT broker port (default 1883)")
	flags.StringVar(&opts.payloadOn, "payload-on", "", "MQTT payload for the on state (default ON)")
	flags.StringVar(&opts.payloadOff, "payload-off", "", "MQTT payload for the off state (default OFF)")
	flags.StringVar(&opts.scheme, "scheme", "", "topic scheme: homeassistant or device (default homeassistant)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (default info)")

	return cmd
}

// applyArgs assigns positional arguments in order.
func (o *options) applyArgs(args []string) {
	targets := []*string{&o.evokURI, &o.mqttHost, &o.name}
	for i, arg := range args {
		if i < len(targets) {
			*targets[i] = arg
		}
	}
}

// apply overrides configuration values with every option that was set.
func (o options) apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Evok.URI, o.evokURI)
	set(&cfg.MQTT.Broker.Host, o.mqttHost)
	set(&cfg.Bridge.Name, o.name)
	set(&cfg.Evok.Mappings, o.mappings)
	set(&cfg.Bridge.PayloadOn, o.payloadOn)
	set(&cfg.Bridge.PayloadOff, o.payloadOff)
	set(&cfg.Topics.Scheme, o.scheme)
	set(&cfg.Logging.Level, o.logLevel)
	if o.mqttPort != 0 {
		cfg.MQTT.Broker.Port = o.mqttPort
	}
}

// loadConfig resolves the configuration: defaults, file, dotenv and
// environment, then command-line options, then validation.
func loadConfig(opts options) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	opts.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context, opts options) error {
	log := logging.Default()

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting evok2mqtt",
		"version", version,
		"commit", commit,
		"build_date", date,
		"name", cfg.Bridge.Name,
	)

	table, err := evok.LoadTable(cfg.Evok.Mappings)
	if err != nil {
		return fmt.Errorf("loading mappings: %w", err)
	}
	log.Info("mappings loaded", "path", cfg.Evok.Mappings, "circuits", table.Len(), "outputs", len(table.Outputs()))

	scheme, err := evok.NewScheme(cfg.Topics.Scheme, cfg.Topics.DiscoveryPrefix, cfg.Bridge.Name)
	if err != nil {
		return err
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.Status{
		Topic:   cfg.StatusTopic(),
		Online:  cfg.Bridge.PayloadOnline,
		Offline: cfg.Bridge.PayloadOffline,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"status_topic", cfg.StatusTopic(),
	)

	evokClient, err := evok.Connect(ctx, evokClientConfig(cfg.Evok), log.Component("evok"))
	if err != nil {
		return fmt.Errorf("connecting to Evok: %w", err)
	}
	defer func() {
		log.Info("closing Evok connection")
		if closeErr := evokClient.Close(); closeErr != nil {
			log.Error("error closing Evok", "error", closeErr)
		}
	}()
	log.Info("Evok connected", "uri", cfg.Evok.URI)

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	db, auditRepo, err := openAudit(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
	}

	sink := &telemetry{device: cfg.Bridge.Name}
	if influxClient != nil {
		sink.influx = influxClient
	}
	if auditRepo != nil {
		sink.audit = auditRepo
	}
	bridgeOpts := evok.BridgeOptions{
		Settings:   bridgeSettings(cfg),
		Table:      table,
		Scheme:     scheme,
		Version:    version,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		EvokClient: evokClient,
		Logger:     log.Component("bridge"),
	}
	if influxClient != nil {
		bridgeOpts.Recorder = sink
	}
	if influxClient != nil || auditRepo != nil {
		bridgeOpts.Auditor = sink
	}

	bridge, err := evok.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	// Retained discovery may have been lost with a broker restart.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, re-announcing circuits")
		if announceErr := bridge.Announce(); announceErr != nil {
			log.Warn("re-announce incomplete", "error", announceErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log.Component("api"),
			MQTT:    mqttClient,
			Evok:    evokClient,
			Bridge:  bridge,
			Version: version,
		}
		if auditRepo != nil {
			deps.Audit = auditRepo
		}
		server, err := api.New(deps)
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

	if err := healthCheck(ctx, mqttClient, evokClient, influxClient, db); err != nil {
		log.Warn("startup health check failed", "error", err)
	} else {
		log.Info("all health checks passed")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, bridge, database, InfluxDB, Evok, MQTT.
	return nil
}

func evokClientConfig(cfg config.EvokConfig) evok.ClientConfig {
	return evok.ClientConfig{
		URI:                  cfg.URI,
		HandshakeTimeout:     config.Seconds(cfg.HandshakeTimeout),
		WriteTimeout:         config.Seconds(cfg.WriteTimeout),
		PingInterval:         config.Seconds(cfg.PingInterval),
		PongTimeout:          config.Seconds(cfg.PongTimeout),
		ReconnectInterval:    config.Seconds(cfg.Reconnect.InitialDelay),
		MaxReconnectInterval: config.Seconds(cfg.Reconnect.MaxDelay),
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		QueueSize:            cfg.QueueSize,
		RequestSnapshot:      cfg.RequestSnapshot,
	}
}

func bridgeSettings(cfg *config.Config) evok.Settings {
	return evok.Settings{
		DeviceName:     cfg.Bridge.Name,
		PayloadOn:      cfg.Bridge.PayloadOn,
		PayloadOff:     cfg.Bridge.PayloadOff,
		PayloadOnline:  cfg.Bridge.PayloadOnline,
		PayloadOffline: cfg.Bridge.PayloadOffline,
		BirthTopic:     cfg.Bridge.BirthTopic,
		BirthPayload:   cfg.Bridge.BirthPayload,
		StatusTopic:    cfg.StatusTopic(),
		HealthTopic:    healthTopic(cfg),
		HealthInterval: config.Seconds(cfg.Bridge.HealthInterval),
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // Validated to 0..2
		RetainState:    cfg.Bridge.RetainState,
		CommandTimeout: config.Seconds(cfg.Bridge.CommandTimeout),
	}
}

// healthTopic is empty, disabling health reports, when the interval is not positive.
func healthTopic(cfg *config.Config) string {
	if cfg.Bridge.HealthInterval <= 0 {
		return ""
	}
	return cfg.HealthTopic()
}

// connectInflux returns a nil client when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}

// openAudit opens and migrates the command audit store. It returns nils when
// the database is disabled.
func openAudit(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, *audit.SQLiteRepository, error) {
	db, err := database.Open(cfg)
	if errors.Is(err, database.ErrDisabled) {
		log.Info("command audit store disabled")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	if applied, _, err := db.MigrationStatus(ctx, migrations.FS); err == nil {
		log.Debug("schema migrations applied", "count", len(applied))
	}

	repo := audit.NewSQLiteRepository(db.DB)
	if cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays)
		pruned, err := repo.Prune(ctx, cutoff)
		if err != nil {
			log.Warn("command audit prune failed", "error", err)
		} else if pruned > 0 {
			log.Info("command audit pruned", "entries", pruned, "older_than_days", cfg.RetentionDays)
		}
	}

	log.Info("command audit store ready", "path", db.Path())
	return db, repo, nil
}

// healthChecker is implemented by every connection checked at startup.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type namedCheck struct {
	name  string
	check healthChecker
}

// healthCheck verifies all connections. Nil optional clients are skipped.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, evokClient *evok.Client, influxClient *influxdb.Client, db *database.DB) error {
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()

	checks := []namedCheck{
		{"mqtt", mqttClient},
		{"evok", evokClient},
	}
	if influxClient != nil {
		checks = append(checks, namedCheck{"influxdb", influxClient})
	}
	if db != nil {
		checks = append(checks, namedCheck{"database", db})
	}

	var errs []error
	for _, c := range checks {
		if err := c.check.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
