// Gray Logic Bus - resilient messaging daemon
//
// This is the main entry point for the Gray Logic Bus service. It runs one
// messaging system against the configured broker and:
//   - Keeps reconnecting forever, replaying every subscription
//   - Buffers outgoing messages in order while the broker is away
//   - Journals malformed payloads and handler faults to SQLite
//   - Serves an admin API with metrics and a live event stream
//   - Writes bus events to InfluxDB
//
// For architecture details, see: internal/messaging/doc.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	_ "github.com/nerrad567/gray-logic-bus/migrations"

	"github.com/nerrad567/gray-logic-bus/internal/api"
	"github.com/nerrad567/gray-logic-bus/internal/deadletter"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/amqp"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/membroker"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-bus/internal/messaging"
	"github.com/nerrad567/gray-logic-bus/internal/metrics"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when GRAYBUS_CONFIG is unset.
	defaultConfigPath = "configs/config.yaml"

	// purgeInterval is how often expired dead-letter entries are removed.
	purgeInterval = time.Hour

	statusOnline  = "online"
	statusOffline = "offline"
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Bus",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	collector := metrics.New()
	hub := api.NewHub(cfg.WebSocket, log)
	observers := []messaging.Observer{collector, hub}

	// Dead-letter journal (optional)
	var (
		db   *database.DB
		repo *deadletter.SQLiteRepository
	)
	if cfg.DeadLetter.Enabled {
		db, err = openDatabase(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		repo = deadletter.NewSQLiteRepository(db.DB)
		journal := deadletter.NewJournal(repo, log, deadletter.DefaultBufferSize)
		defer func() {
			log.Info("closing dead-letter journal")
			journal.Close()
		}()
		observers = append(observers, journal)

		if cfg.DeadLetter.Retention > 0 {
			go runRetention(ctx, repo, cfg.DeadLetter.Retention, log)
		}
		log.Info("dead-letter journal enabled", "retention", cfg.DeadLetter.Retention)
	} else {
		log.Info("dead-letter journal disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		observers = append(observers, influxClient)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	transport, err := newTransport(cfg, log)
	if err != nil {
		return fmt.Errorf("creating %s transport: %w", cfg.Messaging.Transport, err)
	}

	sys, err := messaging.New(transport, messaging.Config{
		OutExchanges:   cfg.Messaging.OutExchanges,
		InputExchange:  cfg.Messaging.InputExchange,
		InputQueue:     cfg.Messaging.InputQueue,
		RetryDelay:     cfg.Messaging.RetryDelay,
		ConnectTimeout: cfg.Messaging.ConnectTimeout,
		Logger:         log,
		Observers:      observers,
	})
	if err != nil {
		return fmt.Errorf("creating messaging system: %w", err)
	}
	// Runs before the journal, InfluxDB and database closers so the final
	// events still reach them.
	defer func() {
		announce(sys, cfg, statusOffline, log)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Messaging.ShutdownTimeout)
		defer cancel()
		log.Info("closing messaging system", "pending", sys.Pending())
		if closeErr := sys.Close(shutdownCtx); closeErr != nil {
			log.Error("error closing messaging system", "error", closeErr)
		}
	}()
	log.Info("messaging system started",
		"transport", cfg.Messaging.Transport,
		"input_exchange", cfg.Messaging.InputExchange,
		"out_exchanges", cfg.Messaging.OutExchanges,
	)

	sys.SetOnPublishError(func(env messaging.Envelope, err error) {
		log.Warn("message not delivered",
			"name", env.Name,
			"id", env.ID,
			"registration_key", env.RegistrationKey,
			"error", err,
		)
	})

	if err := collector.Track(sys); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Admin API: status, dead-letter journal, metrics and the event stream
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log,
			Bus:         sys,
			ExternalHub: hub,
			Site:        cfg.Site.ID,
			Version:     version,
		}
		if repo != nil {
			deps.DeadLetters = repo
			deps.Store = db
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = collector.Handler()
			deps.MetricsPath = cfg.Metrics.Path
		}

		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("closing API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("admin API disabled")
	}

	if err := registerTaps(sys, cfg.Messaging.Taps, log); err != nil {
		return err
	}

	go func() {
		if acceptErr := sys.StartAcceptingMessages(ctx); acceptErr != nil {
			if !errors.Is(acceptErr, context.Canceled) && !errors.Is(acceptErr, messaging.ErrClosed) {
				log.Warn("input queue not consumed", "error", acceptErr)
			}
			return
		}
		log.Info("accepting messages", "queue", sys.Queue())
	}()

	announce(sys, cfg, statusOnline, log)

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. Admin API
	// 2. Messaging system (flushes the outgoing buffer)
	// 3. InfluxDB (if enabled)
	// 4. Dead-letter journal and database (if enabled)

	log.Info("Gray Logic Bus stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYBUS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYBUS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openDatabase opens SQLite and applies migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// newTransport builds the broker transport selected by messaging.transport.
func newTransport(cfg *config.Config, log *logging.Logger) (messaging.Transport, error) {
	switch cfg.Messaging.Transport {
	case config.TransportAMQP:
		return amqp.New(cfg.AMQP, log), nil

	case config.TransportMQTT:
		opts := []mqtt.Option{mqtt.WithLogger(log)}
		will, ok, err := offlineWill(cfg)
		if err != nil {
			return nil, err
		}
		if ok {
			opts = append(opts, mqtt.WithWill(will))
		}
		return mqtt.New(cfg.MQTT, opts...)

	case config.TransportMemory:
		log.Warn("using in-memory broker, messages stay inside this process")
		return membroker.New(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Messaging.Transport)
}

// statusPayload is the data of a status announcement.
type statusPayload struct {
	Site      string `json:"site"`
	Status    string `json:"status"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func newStatus(cfg *config.Config, status string) statusPayload {
	return statusPayload{
		Site:      cfg.Site.ID,
		Status:    status,
		Version:   version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// announce sends a status message. Disabled when messaging.status_name is empty.
func announce(sys *messaging.System, cfg *config.Config, status string, log *logging.Logger) {
	if cfg.Messaging.StatusName == "" {
		return
	}
	err := sys.Send(messaging.Message{
		Name: cfg.Messaging.StatusName,
		Data: newStatus(cfg, status),
	}, messaging.WithRegistrationKey(cfg.Site.ID))
	if err != nil {
		log.Warn("status not sent", "status", status, "error", err)
	}
}

// offlineWill builds the MQTT last-will that announces this instance offline
// if it drops without a clean shutdown.
func offlineWill(cfg *config.Config) (mqtt.Will, bool, error) {
	if cfg.Messaging.StatusName == "" || len(cfg.Messaging.OutExchanges) == 0 {
		return mqtt.Will{}, false, nil
	}

	data, err := json.Marshal(newStatus(cfg, statusOffline))
	if err != nil {
		return mqtt.Will{}, false, fmt.Errorf("encoding will: %w", err)
	}
	body, err := json.Marshal(messaging.Envelope{
		Name:            cfg.Messaging.StatusName,
		Data:            data,
		ID:              uuid.NewString(),
		RegistrationKey: cfg.Site.ID,
	})
	if err != nil {
		return mqtt.Will{}, false, fmt.Errorf("encoding will: %w", err)
	}

	return mqtt.Will{
		Exchange:   cfg.Messaging.OutExchanges[0],
		RoutingKey: messaging.RoutingKey(cfg.Messaging.StatusName, cfg.Site.ID),
		Body:       body,
	}, true, nil
}

// registerTaps subscribes a logging handler for every configured tap.
func registerTaps(sys *messaging.System, taps []config.TapConfig, log *logging.Logger) error {
	for _, tap := range taps {
		var opts []messaging.Option
		if tap.RegistrationKey != nil {
			opts = append(opts, messaging.WithRegistrationKey(*tap.RegistrationKey))
		}

		pattern := tap.Pattern
		if _, err := sys.On(pattern, tapHandler(pattern, log), opts...); err != nil {
			return fmt.Errorf("registering tap %q: %w", pattern, err)
		}
		log.Info("tap registered", "pattern", pattern)
	}
	return nil
}

func tapHandler(pattern string, log *logging.Logger) messaging.Handler {
	return func(_ context.Context, env messaging.Envelope) error {
		log.Info("tap",
			"pattern", pattern,
			"name", env.Name,
			"id", env.ID,
			"registration_key", env.RegistrationKey,
			"bytes", len(env.Data),
		)
		return nil
	}
}

// runRetention purges dead-letter entries older than retention until ctx ends.
func runRetention(ctx context.Context, repo deadletter.Repository, retention time.Duration, log *logging.Logger) {
	purge := func() {
		n, err := repo.Purge(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("dead-letter purge failed", "error", err)
		case n > 0:
			log.Info("dead-letter entries purged", "count", n)
		}
	}

	purge()
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

// healthCheck verifies the local infrastructure is usable.
//
// The broker is not checked: the messaging system keeps retrying until it
// connects.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
