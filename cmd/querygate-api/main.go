package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/querygate/querygate/internal/api"
	"github.com/querygate/querygate/internal/audit"
	auditpostgres "github.com/querygate/querygate/internal/audit/postgres"
	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/pipeline"
	"github.com/querygate/querygate/internal/query"
	duckdbengine "github.com/querygate/querygate/internal/query/duckdb"
	"github.com/querygate/querygate/internal/query/sqldb"
	"github.com/querygate/querygate/internal/schema"
	schemapostgres "github.com/querygate/querygate/internal/schema/postgres"
	"github.com/querygate/querygate/internal/storage"
	s3store "github.com/querygate/querygate/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("querygate-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Error("querygate api exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var objectStore storage.ObjectStore
	if cfg.ObjectStore.Enabled {
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return fmt.Errorf("initialize object store: %w", err)
		}
		objectStore = store
	}

	var (
		dataDB   *sql.DB
		executor query.Executor
	)
	switch cfg.DataStore.Driver {
	case config.DriverDuckDB:
		if objectStore == nil {
			return errors.New("duckdb data store requires QUERYGATE_OBJECTSTORE_ENABLED=true")
		}
		executor = duckdbengine.NewEngine(objectStore, cfg.DataStore.ExportPrefix)
	default:
		db, err := sqldb.Open(ctx, cfg.DataStore.Driver, sqldb.DBConfig{
			DSN:             cfg.DataStore.DSN,
			MaxOpenConns:    cfg.DataStore.MaxOpenConns,
			MaxIdleConns:    cfg.DataStore.MaxIdleConns,
			ConnMaxIdleTime: cfg.DataStore.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.DataStore.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open data store: %w", err)
		}
		defer func() { _ = db.Close() }()
		dataDB = db
		executor = sqldb.NewExecutor(db)
	}
	guarded := query.NewGuard(executor, cfg.Pipeline.ExecutionTimeout, cfg.Pipeline.ReadRetryBackoff, logger)

	var source schema.Source = schema.FileSource{Path: cfg.Catalog.FilePath}
	if cfg.Catalog.Source == config.CatalogSourcePostgres {
		if dataDB == nil || cfg.DataStore.Driver != config.DriverPostgres {
			return errors.New("postgres catalog source requires the pgx data store driver")
		}
		source = schemapostgres.NewSource(dataDB, cfg.Catalog.IntrospectSchema, source)
	}
	if objectStore != nil {
		source = &schema.CachedSource{
			Primary: source,
			Store:   objectStore,
			Key:     cfg.Catalog.SnapshotCacheKey,
			Logger:  logger,
		}
	}
	catalog := schema.NewCatalog(source, cfg.Catalog.RefreshInterval, logger)
	if _, err := catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("load schema catalog: %w", err)
	}
	resolver := permission.NewResolver(catalog)

	generator, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}

	var (
		recorder *audit.Recorder
		auditLog api.AuditLog
	)
	pipelineDeps := pipeline.Dependencies{
		Resolver:  resolver,
		Generator: generator,
		Executor:  guarded,
		Logger:    logger,
	}
	if cfg.Audit.Enabled {
		auditDB, err := sqldb.Open(ctx, config.DriverPostgres, sqldb.DBConfig{
			DSN:          cfg.Audit.DSN,
			MaxOpenConns: 4,
			MaxIdleConns: 4,
		})
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer func() { _ = auditDB.Close() }()
		repo := auditpostgres.NewRepository(auditDB)
		recorder = audit.NewRecorder(repo, objectStore, audit.Config{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			ArchivePrefix: cfg.Audit.ArchivePrefix,
		}, logger)
		pipelineDeps.Audit = recorder
		auditLog = repo
	}
	service := pipeline.NewService(pipeline.Config{
		Workers:  cfg.Pipeline.Workers,
		RowLimit: cfg.Pipeline.RowLimit,
	}, pipelineDeps)

	readiness := []api.ReadinessCheck{api.CheckCatalogLoaded(catalog), api.CheckObjectStoreConfig(cfg)}
	if dataDB != nil {
		readiness = append(readiness, api.CheckDataStore(dataDB))
	}
	deps := api.Dependencies{
		Logger:           logger,
		Readiness:        api.CombineReadinessChecks(readiness...),
		DependencyTimout: time.Second,
		Pipeline:         service,
		Schema:           resolver,
		Catalog:          catalog,
		AuditLog:         auditLog,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return fmt.Errorf("parse static auth keys: %w", err)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return catalog.Run(groupCtx)
	})
	if recorder != nil {
		group.Go(func() error {
			return recorder.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info("shutting down api server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func newGenerator(cfg config.Config, logger *slog.Logger) (nl2sql.Generator, error) {
	if !cfg.AI.Enabled {
		logger.Warn("query generation is disabled; natural-language queries will fail with generation_error")
		return nl2sql.GeneratorFunc(func(context.Context, string, permission.AllowedSchema) (nl2sql.CandidateSQL, error) {
			return nl2sql.CandidateSQL{}, fmt.Errorf("generation disabled: %w", nl2sql.ErrUnavailable)
		}), nil
	}
	generator, err := nl2sql.NewOpenAIGenerator(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize query generator: %w", err)
	}
	return nl2sql.NewRetrying(generator, cfg.AI.MaxAttempts, 250*time.Millisecond, logger), nil
}
