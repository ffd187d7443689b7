package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/api"
	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/notification"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/reconcile"
	"github.com/coldvault/coldvault/internal/repositories"
	"github.com/coldvault/coldvault/internal/restore"
	"github.com/coldvault/coldvault/internal/scheduler"
	"github.com/coldvault/coldvault/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	dbDriver string
	dbDSN    string
	dataDir  string
	logLevel string

	s3Region    string
	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string

	s3MultipartThresholdMB int
	s3PartSizeMB           int
	s3ConnectTimeout       time.Duration
	s3ReadTimeout          time.Duration

	passphrase string

	scanWorkers   int
	uploadWorkers int

	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	smtpFrom     string
	smtpTo       string
	smtpTLS      bool

	webhookURL      string
	webhookSecret   string
	notifyOnSuccess bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "coldvault",
		Short: "Self-hosted backup orchestrator for tiered object storage",
		Long: `ColdVault drives periodic, encrypted, incremental backups from local
filesystems into tiered S3-compatible object storage, tracks every
artifact in a durable ledger, and reconciles the ledger against the
store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("COLDVAULT_HTTP_ADDR", ":8080"), "HTTP API listen address")
	f.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("COLDVAULT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("COLDVAULT_DB_DSN", "./coldvault.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.dataDir, "data-dir", envOrDefault("COLDVAULT_DATA_DIR", "./data"), "Directory for run logs and staging files")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("COLDVAULT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	f.StringVar(&cfg.s3Region, "s3-region", envOrDefault("COLDVAULT_S3_REGION", "us-east-1"), "Object store region")
	f.StringVar(&cfg.s3Endpoint, "s3-endpoint", envOrDefault("COLDVAULT_S3_ENDPOINT", ""), "Object store endpoint override (MinIO, localstack)")
	f.StringVar(&cfg.s3AccessKey, "s3-access-key", envOrDefault("COLDVAULT_S3_ACCESS_KEY", ""), "Object store access key")
	f.StringVar(&cfg.s3SecretKey, "s3-secret-key", envOrDefault("COLDVAULT_S3_SECRET_KEY", ""), "Object store secret key")
	f.IntVar(&cfg.s3MultipartThresholdMB, "s3-multipart-threshold-mb", envIntOrDefault("COLDVAULT_S3_MULTIPART_THRESHOLD_MB", 8), "File size in MiB above which uploads use multipart")
	f.IntVar(&cfg.s3PartSizeMB, "s3-part-size-mb", envIntOrDefault("COLDVAULT_S3_PART_SIZE_MB", 8), "Multipart chunk size in MiB")
	f.DurationVar(&cfg.s3ConnectTimeout, "s3-connect-timeout", envDurationOrDefault("COLDVAULT_S3_CONNECT_TIMEOUT", 10*time.Second), "Object store connection timeout")
	f.DurationVar(&cfg.s3ReadTimeout, "s3-read-timeout", envDurationOrDefault("COLDVAULT_S3_READ_TIMEOUT", 60*time.Second), "Object store read timeout")

	f.StringVar(&cfg.passphrase, "passphrase", envOrDefault("COLDVAULT_PASSPHRASE", ""), "Encryption passphrase for jobs with encryption enabled")

	f.IntVar(&cfg.scanWorkers, "scan-workers", envIntOrDefault("COLDVAULT_SCAN_WORKERS", 4), "Parallel file-hash workers per run")
	f.IntVar(&cfg.uploadWorkers, "upload-workers", envIntOrDefault("COLDVAULT_UPLOAD_WORKERS", 4), "Parallel upload workers per run")

	f.StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("COLDVAULT_SMTP_HOST", ""), "SMTP host for email notifications (empty disables)")
	f.IntVar(&cfg.smtpPort, "smtp-port", envIntOrDefault("COLDVAULT_SMTP_PORT", 587), "SMTP port")
	f.StringVar(&cfg.smtpUser, "smtp-user", envOrDefault("COLDVAULT_SMTP_USER", ""), "SMTP username")
	f.StringVar(&cfg.smtpPassword, "smtp-password", envOrDefault("COLDVAULT_SMTP_PASSWORD", ""), "SMTP password")
	f.StringVar(&cfg.smtpFrom, "smtp-from", envOrDefault("COLDVAULT_SMTP_FROM", ""), "Email sender address")
	f.StringVar(&cfg.smtpTo, "smtp-to", envOrDefault("COLDVAULT_SMTP_TO", ""), "Comma-separated notification recipients")
	f.BoolVar(&cfg.smtpTLS, "smtp-tls", envBoolOrDefault("COLDVAULT_SMTP_TLS", false), "Use implicit TLS for SMTP (port 465 style)")

	f.StringVar(&cfg.webhookURL, "webhook-url", envOrDefault("COLDVAULT_WEBHOOK_URL", ""), "Webhook URL for notifications (empty disables)")
	f.StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("COLDVAULT_WEBHOOK_SECRET", ""), "HMAC secret for webhook signatures")
	f.BoolVar(&cfg.notifyOnSuccess, "notify-on-success", envBoolOrDefault("COLDVAULT_NOTIFY_ON_SUCCESS", false), "Also notify on successful runs")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coldvault %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting coldvault",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Ledger.
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	jobs := repositories.NewJobRepository(database)
	runs := repositories.NewRunRepository(database)
	snapshots := repositories.NewSnapshotRepository(database)
	notifications := repositories.NewNotificationRepository(database)
	storageMetrics := repositories.NewMetricRepository(database)

	// Object store.
	store, err := objectstore.New(ctx, objectstore.Config{
		Region:             cfg.s3Region,
		Endpoint:           cfg.s3Endpoint,
		AccessKey:          cfg.s3AccessKey,
		SecretKey:          cfg.s3SecretKey,
		MultipartThreshold: int64(cfg.s3MultipartThresholdMB) << 20,
		PartSize:           int64(cfg.s3PartSizeMB) << 20,
		ConnectTimeout:     cfg.s3ConnectTimeout,
		ReadTimeout:        cfg.s3ReadTimeout,
	}, logger)
	if err != nil {
		return err
	}

	// Notifications.
	notifier := notification.NewService(notification.Config{
		Repo: notifications,
		SMTP: notification.SMTPConfig{
			Host:     cfg.smtpHost,
			Port:     cfg.smtpPort,
			Username: cfg.smtpUser,
			Password: cfg.smtpPassword,
			From:     cfg.smtpFrom,
			To:       splitList(cfg.smtpTo),
			TLS:      cfg.smtpTLS,
		},
		Webhook: notification.WebhookConfig{
			URL:    cfg.webhookURL,
			Secret: cfg.webhookSecret,
		},
		NotifyOnSuccess: cfg.notifyOnSuccess,
		Logger:          logger,
	})

	// Worker. Construction sweeps orphaned runs from a previous process.
	wrk, err := worker.New(ctx, worker.Config{
		Jobs:          jobs,
		Runs:          runs,
		Snapshots:     snapshots,
		Store:         store,
		Notifier:      notifier,
		Logger:        logger,
		DataDir:       cfg.dataDir,
		Passphrase:    cfg.passphrase,
		ScanWorkers:   cfg.scanWorkers,
		UploadWorkers: cfg.uploadWorkers,
	})
	if err != nil {
		return err
	}

	// Scheduler fires the worker; the worker writes next-fire times back.
	sched, err := scheduler.New(jobs, wrk.TriggerScheduled, logger)
	if err != nil {
		return err
	}
	wrk.SetNextFire(sched.NextFireTime)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	go wrk.Start(ctx)

	// Storage metrics: once at startup, then daily.
	recorder := metrics.New(snapshots, storageMetrics, logger)
	if _, err := recorder.Record(ctx); err != nil {
		logger.Warn("initial metrics recording failed", zap.Error(err))
	}
	go recordDaily(ctx, recorder, logger)

	// HTTP API.
	router := api.NewRouter(api.RouterConfig{
		Logger:        logger,
		Jobs:          jobs,
		Runs:          runs,
		Snapshots:     snapshots,
		Notifications: notifications,
		Worker:        wrk,
		Scheduler:     sched,
		Store:         store,
		Reconciler:    reconcile.New(jobs, snapshots, store, cfg.passphrase, logger),
		Restorer:      restore.New(jobs, snapshots, store, cfg.passphrase, cfg.dataDir+"/tmp", logger),
		Recorder:      recorder,
		Health: func(ctx context.Context) error {
			return db.Ping(ctx, database)
		},
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down coldvault")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	return nil
}

// recordDaily re-records storage metrics every 24 hours. The row is
// upserted by calendar day, so restarts never duplicate it.
func recordDaily(ctx context.Context, recorder *metrics.Recorder, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := recorder.Record(ctx); err != nil {
				logger.Warn("daily metrics recording failed", zap.Error(err))
			}
		}
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
