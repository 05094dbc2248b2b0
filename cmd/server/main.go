package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	docservice "bastion/internal/documents/service"
	docstore "bastion/internal/documents/store"
	"bastion/internal/platform/config"
	"bastion/internal/platform/httpserver"
	"bastion/internal/platform/logger"
	platformredis "bastion/internal/platform/redis"
	"bastion/internal/resilience/admission"
	"bastion/internal/resilience/breaker"
	"bastion/internal/resilience/cache"
	"bastion/internal/resilience/metrics"
	"bastion/internal/resilience/middleware"
	"bastion/internal/resilience/models"
	"bastion/internal/resilience/pipeline"
	"bastion/internal/resilience/store"
	httptransport "bastion/internal/transport/http"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	// Without Redis the service runs single-instance: circuit state, cache,
	// and version counters stay in process memory.
	var sharedState store.Store
	var health httptransport.HealthChecker
	if redisClient != nil {
		defer redisClient.Close()
		sharedState = store.NewRedis(redisClient)
		health = redisClient
		log.Info("shared state store connected", "url", cfg.Redis.URL)
	} else {
		sharedState = store.NewMemory()
		log.Warn("redis not configured, running with in-process state only")
	}

	m := metrics.New()

	breakerOpts := []breaker.Option{
		breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		breaker.WithSuccessThreshold(cfg.Breaker.SuccessThreshold),
		breaker.WithOpenTimeout(cfg.Breaker.OpenTimeout),
		breaker.WithErrorRateThreshold(cfg.Breaker.ErrorRateThreshold),
		breaker.WithDegradedPolicy(breaker.DegradedPolicy(cfg.Breaker.DegradedPolicy)),
		breaker.WithLogger(log),
		breaker.WithMetrics(m),
	}
	if cfg.Admission.RejectionsTripBreaker {
		breakerOpts = append(breakerOpts, breaker.WithCircuitRelevant(models.ClassLoadShed))
	}
	registry := breaker.New(sharedState, breakerOpts...)

	ctrl := admission.New(
		admission.WithConfig(admission.Config{
			MaxConcurrent: cfg.Admission.MaxConcurrent,
			MaxQueueSize:  cfg.Admission.MaxQueueSize,
			MaxQueueWait:  cfg.Admission.MaxQueueWait,
		}),
		admission.WithLogger(log),
		admission.WithMetrics(m),
	)

	cch := cache.New(sharedState,
		cache.WithMemoryTTL(cfg.Cache.MemoryTTL),
		cache.WithDistributedTTL(cfg.Cache.DistributedTTL),
		cache.WithLogger(log),
		cache.WithMetrics(m),
	)

	p, err := pipeline.NewBuilder().
		WithAdmission(ctrl).
		WithBreaker(registry).
		WithCache(cch).
		WithLogger(log).
		WithMetrics(m).
		Build()
	if err != nil {
		log.Error("pipeline wiring failed", "error", err)
		os.Exit(1)
	}

	docs := docservice.New(
		docstore.NewMemory(),
		cch,
		cache.NewVersions(sharedState),
		docservice.WithLogger(log),
	)

	router := httptransport.NewRouter(
		httptransport.NewDocumentHandler(docs),
		middleware.New(p, log, middleware.WithTenantRequired(cfg.TenantMode)),
		health,
	)

	srv := httpserver.New(cfg, router)

	go func() {
		log.Info("starting bastion", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
