package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"omfs/api/internal/app"
	"omfs/api/internal/archive"
	"omfs/api/internal/cache"
	"omfs/api/internal/config"
	"omfs/api/internal/export"
	"omfs/api/internal/logging"
	"omfs/api/internal/search"
	"omfs/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Stderr, "info")
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)
	ctx := context.Background()

	var (
		dataStore store.Store
		db        *sql.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		if err := store.MigrateUp(db); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		dataStore = store.NewPostgresStore(db)
	}

	opts := app.Options{Logger: logger}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisCache.Close()
		opts.Cache = redisCache
		logger.Info().Dur("ttl", cfg.CacheTTL).Msg("block cache enabled")
	}

	if searchService, closeSearch := newSearch(cfg, db, logger); searchService != nil {
		defer closeSearch()
		opts.Search = searchService
	}

	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			logger.Fatal().Err(err).Msg("failed to create archive dir")
		}
		opts.Archive = archive.New(cfg.ArchiveDir)
	}

	exporter, err := newExporter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("export setup failed")
	}
	opts.Exporter = exporter

	service := app.New(cfg, dataStore, opts)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreBackend).Msg("content API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

// newSearch wires Meilisearch when configured and the Postgres full-text
// fallback when a database is available. It returns nil when neither is.
func newSearch(cfg config.Config, db *sql.DB, logger zerolog.Logger) (*search.Service, func()) {
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, cfg.MeiliIndex, logger)
	}
	var fallback search.Searcher
	if db != nil {
		fallback = search.NewPgFTS(db)
	}
	if meiliClient == nil && fallback == nil {
		return nil, func() {}
	}
	closeFn := func() {}
	if meiliClient != nil {
		closeFn = meiliClient.Close
	}
	return search.NewService(meiliClient, fallback, logger), closeFn
}

func newExporter(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*export.Service, error) {
	var pdf, docx export.Renderer
	pdf = export.NewChromePDF(cfg.ExportChromePath)
	if strings.TrimSpace(cfg.ExportPandocPath) != "" {
		docx = export.NewPandocDOCX(cfg.ExportPandocPath)
	}

	var artifacts export.ArtifactStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := export.NewMinioArtifacts(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		artifacts = minioStore
		logger.Info().Str("bucket", cfg.MinioBucket).Msg("export artifacts enabled")
	}
	return export.NewService(pdf, docx, artifacts), nil
}
