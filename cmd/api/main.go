package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	migrations "cowrite/api/db"
	"cowrite/api/internal/aigw"
	"cowrite/api/internal/app"
	"cowrite/api/internal/backup"
	"cowrite/api/internal/broadcast"
	"cowrite/api/internal/config"
	"cowrite/api/internal/export"
	"cowrite/api/internal/gitrepo"
	"cowrite/api/internal/logging"
	"cowrite/api/internal/ratelimit"
	"cowrite/api/internal/search"
	"cowrite/api/internal/session"
	"cowrite/api/internal/store"
	"cowrite/api/internal/telemetry"
)

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// migrationSource prefers an on-disk directory so migrations can be edited
// without a rebuild, and falls back to the embedded copy.
func migrationSource(dir string) fs.FS {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return os.DirFS(dir)
	}
	return migrations.Migrations()
}

func main() {
	cfg := config.Load()
	logging.Setup(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		fatal("telemetry setup failed", err)
	}
	if tel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(shutdownCtx)
		}()
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, migrationSource(cfg.MigrationsDir)); err != nil {
		fatal("migrations failed", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fatal("invalid redis url", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		fatal("redis connection failed", err)
	}

	hub := broadcast.NewHub()
	relay := broadcast.NewRedisRelay(redisClient, cfg.BroadcastPrefix, hub)
	if err := relay.Start(ctx); err != nil {
		fatal("broadcast relay failed", err)
	}
	hub.SetRelay(relay)

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		fatal("failed to create repos dir", err)
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db))
	if meili != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	limiter := ratelimit.New(cfg.AIRateLimitPerMinute, cfg.AIRateLimitBurst)
	go limiter.Run(ctx)

	service := app.New(cfg, app.Deps{
		Store:    store.NewPostgresStore(db),
		Sessions: session.NewRedisStoreWithClient(redisClient),
		Gateway:  aigw.New(aigw.NewFactory(cfg.AI), aigw.WithAttemptTimeout(cfg.AI.RequestTimeout)),
		Hub:      hub,
		Search:   searchService,
		Backups:  backup.New(ctx, cfg),
		Mirror:   gitrepo.New(cfg.ReposDir),
		Exporter: export.NewService(),
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, limiter).WithBaseContext(ctx).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// AI routes hold the request open across provider retries.
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cowrite api listening", "addr", cfg.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
