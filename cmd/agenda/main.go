package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agenda/api/internal/app"
	"agenda/api/internal/config"
	"agenda/api/internal/notify"
	"agenda/api/internal/search"
	"agenda/api/internal/session"
	"agenda/api/internal/store"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("using redis for session storage")
		sessions = redisStore
	} else {
		logger.Info("using in-memory session storage")
		sessions = session.NewMemoryStore()
	}
	defer sessions.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, search.NewScanner(repo), logger)
	defer searchService.Close()

	service := app.New(cfg, repo, sessions, searchService, logger)
	if err := service.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	httpServer := app.NewHTTPServer(service, notify.NewChannel(logger), cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agenda listening", "addr", cfg.Addr, "store_backend", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	logger.Info("agenda stopped")
	return nil
}

// parseConfig layers defaults, the optional YAML file, the environment and
// finally any flags set explicitly on the command line.
func parseConfig(args []string) (config.Config, error) {
	var (
		configPath   string
		addr         string
		storeBackend string
		dataFile     string
		logLevel     string
	)

	flagSet := pflag.NewFlagSet("agenda", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (default :8080)")
	flagSet.StringVar(&storeBackend, "store-backend", "", "document store: file, postgres or s3")
	flagSet.StringVar(&dataFile, "data-file", "", "path of the JSON document for the file backend")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		return config.Config{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return config.Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg := config.Load()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if flagSet.Changed("addr") {
		cfg.Addr = addr
	}
	if flagSet.Changed("store-backend") {
		cfg.StoreBackend = storeBackend
	}
	if flagSet.Changed("data-file") {
		cfg.DataFile = dataFile
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, error) {
	switch cfg.StoreBackend {
	case config.BackendFile:
		logger.Info("using file store", "path", cfg.DataFile)
		return store.NewFileStore(cfg.DataFile, logger), nil
	case config.BackendPostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		logger.Info("using postgres store")
		return store.NewPostgresStore(db, logger), nil
	case config.BackendObject:
		objectStore, err := store.NewObjectStore(ctx, store.ObjectConfig{
			Endpoint:  cfg.ObjectEndpoint,
			AccessKey: cfg.ObjectAccessKey,
			SecretKey: cfg.ObjectSecretKey,
			Bucket:    cfg.ObjectBucket,
			Key:       cfg.ObjectKey,
			UseSSL:    cfg.ObjectUseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("object store connection failed: %w", err)
		}
		logger.Info("using object store", "bucket", cfg.ObjectBucket, "key", cfg.ObjectKey)
		return objectStore, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func parseLevel(level string) slog.Level {
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
