package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"portal-orchestrator/internal/api"
	"portal-orchestrator/internal/artifact"
	"portal-orchestrator/internal/callback"
	"portal-orchestrator/internal/config"
	"portal-orchestrator/internal/dispatcher"
	"portal-orchestrator/internal/executor"
	"portal-orchestrator/internal/provider"
	"portal-orchestrator/internal/ratelimit"
	"portal-orchestrator/internal/registry"
	"portal-orchestrator/internal/retry"
	"portal-orchestrator/internal/scheduler"
	"portal-orchestrator/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSlidingWindow(redisClient, cfg.RateLimitRequests, cfg.RateLimitWindow)

	workers := registry.New(cfg.WorkerEndpoints, cfg.WorkerConcurrency, cfg.WorkerAuthTokens)
	schema := provider.NewRegistry(cfg.Providers)
	exec := executor.New(cfg.WorkerTimeout)
	policy := retry.Policy{MaxAttempts: cfg.MaxRetryAttempts, Delay: cfg.RetryDelay}

	var offloader *artifact.Offloader
	if cfg.ArtifactS3Bucket != "" {
		uploader, err := artifact.NewS3Uploader(ctx, cfg.ArtifactS3Bucket, cfg.ArtifactS3Region)
		if err != nil {
			log.Fatalf("init s3 uploader: %v", err)
		}
		offloader = artifact.NewOffloader(uploader, cfg.ArtifactThreshold)
	} else if cfg.ArtifactLocalDir != "" {
		offloader = artifact.NewOffloader(&artifact.LocalUploader{BaseDir: cfg.ArtifactLocalDir}, cfg.ArtifactThreshold)
	}

	callbacks := callback.NewSender(cfg.CallbackURL, cfg.CallbackMaxAttempts, cfg.CallbackRetryInterval)
	callbacks.Start(ctx)

	disp := dispatcher.New(st, workers, exec, policy, callbacks, offloader)
	sched := scheduler.New(st, disp, policy, callbacks, scheduler.Options{
		PollInterval:    cfg.PollInterval,
		ReclaimInterval: cfg.ReclaimInterval,
		StaleTimeout:    cfg.StaleTimeout,
		BatchSize:       cfg.BatchSize,
		MaxConcurrent:   workers.Capacity(),
	})
	go sched.Run(ctx)

	server := api.New(st, schema, workers, sched, limiter, callbacks, exec, offloader)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("orchestrator listening on :%s (workers=%d poll=%s)", cfg.HTTPPort, len(cfg.WorkerEndpoints), cfg.PollInterval)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	callbacks.Wait()
}
