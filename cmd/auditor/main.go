// Package main wires together the auditor service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/sitescore/auditor/internal/api"
	"github.com/sitescore/auditor/internal/audit"
	"github.com/sitescore/auditor/internal/chunkstore"
	"github.com/sitescore/auditor/internal/clock/system"
	"github.com/sitescore/auditor/internal/config"
	collyfetcher "github.com/sitescore/auditor/internal/fetcher/colly"
	"github.com/sitescore/auditor/internal/id/uuid"
	"github.com/sitescore/auditor/internal/logging"
	"github.com/sitescore/auditor/internal/metrics"
	"github.com/sitescore/auditor/internal/orchestrator"
	memorypublisher "github.com/sitescore/auditor/internal/publisher/memory"
	pubsubpublisher "github.com/sitescore/auditor/internal/publisher/pubsub"
	"github.com/sitescore/auditor/internal/scoring"
	memorystorage "github.com/sitescore/auditor/internal/storage/memory"
	"github.com/sitescore/auditor/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxRedirects: cfg.HTTP.MaxRedirects,
	})
	retry := audit.NewRetryPolicy(
		cfg.HTTP.MaxRetries,
		time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
	)

	workspaces, err := buildWorkspaceFactory(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("workspace factory init failed", zap.Error(err))
	}
	reports, closeReports, err := buildReportStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("report store init failed", zap.Error(err))
	}
	defer closeReports()
	publisher, closePublisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	audits, err := orchestrator.New(orchestrator.Config{
		DefaultLimits: audit.CrawlLimits{
			MaxPages: cfg.Crawler.MaxPagesDefault,
			MaxDepth: cfg.Crawler.MaxDepthDefault,
			Budget:   cfg.CrawlBudget(),
		},
		Concurrency:     cfg.Crawler.Concurrency,
		ExternalChecks:  cfg.Crawler.ExternalChecks,
		RetainTerminal:  cfg.Crawler.RetainTerminal,
		CompletionTopic: cfg.PubSub.TopicName,
	}, orchestrator.Deps{
		Fetcher:    fetcher,
		Workspaces: workspaces,
		Reports:    reports,
		Publisher:  publisher,
		Retry:      retry,
		Clock:      system.New(),
		IDs:        uuid.New(),
		Analyzers:  scoring.BuiltinAnalyzers(),
		Logger:     logger.Named("orchestrator"),
	})
	if err != nil {
		logger.Fatal("orchestrator init failed", zap.Error(err))
	}

	apiServer := api.NewServer(audits, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := audits.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildWorkspaceFactory returns the per-audit storage opener for the
// configured provider. The failure log always lives on the local disk, next
// to the chunks for the local provider.
func buildWorkspaceFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (audit.WorkspaceFactory, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		logger.Info("using gcs chunk storage", zap.String("bucket", cfg.Storage.GCSBucket))
		return func(auditID string) (audit.Workspace, error) {
			chunks, err := chunkstore.NewGCS(client, chunkstore.GCSConfig{
				Bucket:  cfg.Storage.GCSBucket,
				Prefix:  cfg.Storage.Prefix,
				AuditID: auditID,
			})
			if err != nil {
				return audit.Workspace{}, err
			}
			failureLog, err := openFailureLog(filepath.Join(cfg.Storage.BaseDir, auditID))
			if err != nil {
				return audit.Workspace{}, err
			}
			return audit.Workspace{Chunks: chunks, FailureLog: failureLog}, nil
		}, nil
	default:
		logger.Info("using local chunk storage", zap.String("base_dir", cfg.Storage.BaseDir))
		return func(auditID string) (audit.Workspace, error) {
			chunks, err := chunkstore.NewLocal(chunkstore.LocalConfig{
				BaseDir: cfg.Storage.BaseDir,
				AuditID: auditID,
			})
			if err != nil {
				return audit.Workspace{}, err
			}
			failureLog, err := openFailureLog(chunks.Dir())
			if err != nil {
				return audit.Workspace{}, err
			}
			return audit.Workspace{Chunks: chunks, FailureLog: failureLog}, nil
		}, nil
	}
}

func openFailureLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create failure log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "failures.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	return f, nil
}

func buildReportStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (audit.ReportStore, func(), error) {
	switch cfg.DB.Provider {
	case "postgres":
		logger.Info("using postgres report store", zap.String("table", cfg.DB.Table))
		store, err := postgres.NewReportStore(ctx, postgres.ReportStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		logger.Info("using in-memory report store")
		return memorystorage.NewReportStore(), func() {}, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (audit.Publisher, func(), error) {
	switch cfg.PubSub.Provider {
	case "pubsub":
		logger.Info("using gcp pubsub publisher",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
		pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close pubsub publisher", zap.Error(err))
			}
		}, nil
	default:
		logger.Info("using in-memory publisher")
		return memorypublisher.New(), func() {}, nil
	}
}
