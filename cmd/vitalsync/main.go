package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vitalsync/vitalsync/internal/coalesce"
	"github.com/vitalsync/vitalsync/internal/conflict"
	"github.com/vitalsync/vitalsync/internal/device"
	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/observability"
	"github.com/vitalsync/vitalsync/internal/rpc"
	"github.com/vitalsync/vitalsync/internal/schema"
	"github.com/vitalsync/vitalsync/internal/scheduler"
	"github.com/vitalsync/vitalsync/internal/server"
	"github.com/vitalsync/vitalsync/internal/store"
	"github.com/vitalsync/vitalsync/internal/syncer"
)

var (
	logLevel string
)

func main() {
	// .env is optional; flags and real env vars win.
	godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vitalsync",
	Short: "VitalSync is an offline-first sync engine for connected health devices",
	Long:  "Durable offline mutation queue with conflict resolution, device control sync and a migration safety net.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync engine daemon",
	RunE:  runDaemon,
}

var (
	bindAddr        string
	ingestBind      string
	dataDir         string
	kvBackend       string
	apiBaseURL      string
	apiToken        string
	attemptCeiling  int
	scanInterval    time.Duration
	debounceWindow  time.Duration
	shutdownTimeout time.Duration
	otelEnabled     bool
	otelEndpoint    string
	schemaDir       string

	eventRetention time.Duration
	autoBackup     time.Duration
	backupDir      string

	brokerAddrs      string
	brokerTopicTmpl  string
	brokerOnCmd      string
	brokerOffCmd     string
	brokerLevelCmd   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("VITALSYNC_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&bindAddr, "bind", envOr("VITALSYNC_BIND", ":8080"), "Admin HTTP server bind address")
	runCmd.Flags().StringVar(&ingestBind, "ingest-bind", envOr("VITALSYNC_INGEST_BIND", ""), "Line-protocol ingest socket bind address (empty disables)")
	runCmd.Flags().StringVar(&dataDir, "data-dir", envOr("VITALSYNC_DATA_DIR", "data"), "Directory for the durable store")
	runCmd.Flags().StringVar(&kvBackend, "kv-backend", envOr("VITALSYNC_KV_BACKEND", "badger"), "Durable store backend: badger or pebble")
	runCmd.Flags().StringVar(&apiBaseURL, "api-url", envOr("VITALSYNC_API_URL", ""), "Remote backend base URL (empty disables the generic processor)")
	runCmd.Flags().StringVar(&apiToken, "api-token", envOr("VITALSYNC_API_TOKEN", ""), "Bearer token for the remote backend")
	runCmd.Flags().IntVar(&attemptCeiling, "attempt-ceiling", 5, "Failed attempts before an operation moves to dead-letter")
	runCmd.Flags().DurationVar(&scanInterval, "scan-interval", 350*time.Millisecond, "Queue drain tick interval")
	runCmd.Flags().DurationVar(&debounceWindow, "debounce-window", 150*time.Millisecond, "Write coalescer debounce window")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	runCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	runCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", envOr("VITALSYNC_OTEL_ENDPOINT", ""), "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	runCmd.Flags().DurationVar(&eventRetention, "event-retention", 7*24*time.Hour, "Audit events older than this are pruned")
	runCmd.Flags().DurationVar(&autoBackup, "auto-backup-interval", 0, "Periodic store snapshot cadence (0 disables)")
	runCmd.Flags().StringVar(&backupDir, "backup-dir", envOr("VITALSYNC_BACKUP_DIR", "backups"), "Directory for automatic snapshots")
	runCmd.Flags().StringVar(&schemaDir, "schema-dir", envOr("VITALSYNC_SCHEMA_DIR", ""), "Directory of <entity_type>.json payload schemas (empty disables validation)")
	runCmd.Flags().StringVar(&brokerAddrs, "broker", envOr("VITALSYNC_BROKER", ""), "Device broker address list, comma-separated (empty disables the device controller)")
	runCmd.Flags().StringVar(&brokerTopicTmpl, "broker-topic", envOr("VITALSYNC_BROKER_TOPIC", "devices/{device}/set"), "Broker topic template ({device} substituted)")
	runCmd.Flags().StringVar(&brokerOnCmd, "broker-on-command", "ON", "Turn-on command payload template")
	runCmd.Flags().StringVar(&brokerOffCmd, "broker-off-command", "OFF", "Turn-off command payload template")
	runCmd.Flags().StringVar(&brokerLevelCmd, "broker-level-command", "{value}", "Set-intensity command payload template ({device}/{value} substituted)")

	rootCmd.AddCommand(runCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadSchemas registers every <entity_type>.json file under dir. A nil
// registry disables payload validation entirely.
func loadSchemas(dir string) (*schema.Registry, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	reg := schema.NewRegistry()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		entityType := strings.TrimSuffix(name, ".json")
		if err := reg.Register(entityType, string(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		slog.Info("registered payload schema", "entity_type", entityType)
	}
	return reg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	slog.Info("starting vitalsync engine",
		"bind", bindAddr,
		"data_dir", dataDir,
		"kv_backend", kvBackend,
		"api_url", apiBaseURL,
		"broker", brokerAddrs,
		"attempt_ceiling", attemptCeiling,
		"scan_interval", scanInterval,
	)

	shutdownTracer, err := observability.InitTracer(otelEnabled, "vitalsync", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	s, err := store.Open(kvBackend, dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	locks := lock.New(s.KV(), s.Events(), lock.Config{})
	defer locks.Dispose()

	coalescer := coalesce.New(s, coalesce.Config{DebounceWindow: debounceWindow})
	defer coalescer.Dispose()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	resolver := conflict.New(s, conflict.Config{})

	var processor *syncer.Processor
	if apiBaseURL != "" {
		transport := syncer.NewHTTPTransport(apiBaseURL, syncer.WithAuthToken(apiToken))
		processor = syncer.New(s, locks, transport, resolver, syncer.Config{
			ScanInterval:   scanInterval,
			AttemptCeiling: attemptCeiling,
		})
		processor.Start(ctx)
		defer processor.Dispose()
	} else {
		slog.Warn("no api-url configured, generic queue processor disabled")
	}

	var controller *device.Controller
	if brokerAddrs != "" {
		driver := device.NewBrokerDriver(device.BrokerConfig{
			Brokers:          brokerAddrs,
			TopicTemplate:    brokerTopicTmpl,
			OnCommand:        brokerOnCmd,
			OffCommand:       brokerOffCmd,
			IntensityCommand: brokerLevelCmd,
		})
		defer driver.Close()
		controller = device.NewController(s, locks, driver, device.Config{
			ScanInterval:   scanInterval,
			AttemptCeiling: attemptCeiling,
		})
		controller.Start(ctx)
		defer controller.Dispose()
	} else {
		slog.Warn("no broker configured, device controller disabled")
	}

	schemas, err := loadSchemas(schemaDir)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}

	sched := scheduler.New(s, locks, scheduler.Config{
		EventRetention: eventRetention,
		BackupInterval: autoBackup,
		BackupDir:      backupDir,
		BackupPassword: os.Getenv("VITALSYNC_BACKUP_PASSWORD"),
	})
	go sched.Run(ctx)

	var ingest *rpc.Server
	if ingestBind != "" {
		ingest = rpc.New(s, coalescer, ingestBind)
		go func() {
			if err := ingest.Start(); err != nil {
				slog.Error("ingest server failed", "error", err)
			}
		}()
	}

	srv := server.New(s, locks, schemas, coalescer, bindAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("admin server failed", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown", "error", err)
	}
	if ingest != nil {
		if err := ingest.Shutdown(); err != nil {
			slog.Error("ingest server shutdown", "error", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Error("tracer shutdown", "error", err)
	}
	return nil
}
