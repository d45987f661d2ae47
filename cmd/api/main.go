package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merfy/sitehost/internal/app/migrate"
	"github.com/merfy/sitehost/internal/dnschallenge"
	"github.com/merfy/sitehost/internal/docker"
	"github.com/merfy/sitehost/internal/generator"
	httpx "github.com/merfy/sitehost/internal/http"
	"github.com/merfy/sitehost/internal/provider"
	"github.com/merfy/sitehost/internal/repository/postgres"
	"github.com/merfy/sitehost/internal/service/build"
	"github.com/merfy/sitehost/internal/service/events"
	"github.com/merfy/sitehost/internal/service/fragment"
	"github.com/merfy/sitehost/internal/service/notify"
	"github.com/merfy/sitehost/internal/service/orchestrator"
	"github.com/merfy/sitehost/internal/storage"
	"github.com/merfy/sitehost/internal/workspace"
	"github.com/merfy/sitehost/internal/ws"
	"github.com/merfy/sitehost/pkg/config"
	"github.com/merfy/sitehost/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("sitehost", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	store, err := storage.NewGCSStore(ctx, cfg.ArtifactBucket, cfg.ArtifactCDNDomain, log)
	if err != nil {
		log.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	prov, err := provider.New(cfg, log)
	if err != nil {
		log.Error("failed to configure deployment provider", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(config.GetString("DOCKER_HOST", ""))
	if err != nil {
		log.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.GeneratorWorkRoot)
	if err != nil {
		log.Error("failed to prepare generator workspace", "error", err)
		os.Exit(1)
	}
	gen := generator.NewDocker(dockerClient, workspaces, cfg.GeneratorImage, cfg.GeneratorTimeout, log)

	hub := ws.NewHub()
	eventSvc := events.New(hub, log)

	buildSvc := build.New(repo, store, gen, log)
	resolver := dnschallenge.NewNetResolver(cfg.DNSTimeout)
	verifier := dnschallenge.NewVerifier(resolver, cfg.ChallengePrefix, log)
	orchSvc := orchestrator.New(repo, repo, repo, repo, repo, repo, prov, buildSvc, verifier, eventSvc, log, cfg)

	renderer := fragment.NewHTTPRenderer(cfg.FragmentURL, cfg.FragmentTimeout)
	fragmentSvc := fragment.New(store, renderer, log)
	notifySvc := notify.New(repo, repo, fragmentSvc, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, orchSvc, notifySvc, eventSvc, limiter, cfg.JWTSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("sitehost api starting", "addr", cfg.Addr, "provider_mode", cfg.ProviderMode)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("sitehost api stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
