package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/inference-orchestrator/internal/cache"
	"github.com/ak3tsm7/inference-orchestrator/internal/config"
	"github.com/ak3tsm7/inference-orchestrator/internal/dispatch"
	"github.com/ak3tsm7/inference-orchestrator/internal/job"
	"github.com/ak3tsm7/inference-orchestrator/internal/provider"
	"github.com/ak3tsm7/inference-orchestrator/internal/retry"
	"github.com/ak3tsm7/inference-orchestrator/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}

	var st store.Store = store.NewRedis(rdb)
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPG(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres connect failed: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("job store: postgres")
	} else {
		log.Printf("job store: redis %s", cfg.RedisAddr)
	}

	reg := buildRegistry(cfg)
	policy := retry.Policy{Base: cfg.RetryBase, Max: cfg.RetryMax, MaxAttempts: cfg.MaxAttempts}

	disp := dispatch.New(st, cache.NewRedis(rdb), reg, policy, dispatch.Options{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		SlotWait:     cfg.SlotWait,
		CacheTTL:     cfg.CacheTTL,
	})

	if err := disp.Recover(ctx, cfg.RecoveryAge); err != nil {
		log.Printf("recovery scan failed: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("metrics server on %s/metrics", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	log.Printf("dispatcher started: workers=%d poll=%v", cfg.Workers, cfg.PollInterval)
	disp.Run(ctx)
	log.Printf("dispatcher stopped")
}

func buildRegistry(cfg config.Config) *provider.Registry {
	client := &http.Client{Timeout: cfg.ProviderTimeout + 5*time.Second}
	reg := provider.NewRegistry()
	registered := 0

	if cfg.TogetherAPIKey != "" {
		reg.Register(provider.NewTogether(client, cfg.TogetherAPIKey, cfg.TogetherModel), provider.Descriptor{
			Name:        "together",
			Kinds:       []job.Kind{job.KindText},
			Concurrency: cfg.ProviderConcurrency,
			Timeout:     cfg.ProviderTimeout,
		})
		registered++
	}
	if cfg.HuggingFaceAPIKey != "" {
		reg.Register(provider.NewHuggingFace(client, cfg.HuggingFaceAPIKey, cfg.HuggingFaceModel), provider.Descriptor{
			Name:        "huggingface",
			Kinds:       []job.Kind{job.KindText, job.KindImage},
			Concurrency: cfg.ProviderConcurrency,
			Timeout:     cfg.ProviderTimeout,
		})
		registered++
	}
	if cfg.LocalRunnerURL != "" {
		reg.Register(provider.NewLocal(client, cfg.LocalRunnerURL), provider.Descriptor{
			Name:        "local",
			Kinds:       []job.Kind{job.KindText, job.KindModel},
			Concurrency: cfg.ProviderConcurrency,
			Timeout:     cfg.ProviderTimeout,
		})
		registered++
	}

	if registered == 0 {
		log.Fatalf("no providers configured: set TOGETHER_API_KEY, HUGGINGFACE_API_KEY or LOCAL_RUNNER_URL")
	}
	log.Printf("providers registered: %d", registered)
	return reg
}
