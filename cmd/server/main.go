// Copyright 2026 The assistgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command server runs the assistant gateway: an HTTP front for the shopping
// assistant that answers FAQ queries from rules, serves repeats from the
// semantic cache, and shields the upstream model provider behind a priority
// queue, batcher, and circuit breaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/velomarket/assistgate/internal/analytics"
	"github.com/velomarket/assistgate/internal/api"
	"github.com/velomarket/assistgate/internal/assist"
	"github.com/velomarket/assistgate/internal/batch"
	"github.com/velomarket/assistgate/internal/breaker"
	"github.com/velomarket/assistgate/internal/classify"
	"github.com/velomarket/assistgate/internal/config"
	"github.com/velomarket/assistgate/internal/embedding"
	"github.com/velomarket/assistgate/internal/logging"
	"github.com/velomarket/assistgate/internal/promptopt"
	"github.com/velomarket/assistgate/internal/provider"
	"github.com/velomarket/assistgate/internal/queue"
	"github.com/velomarket/assistgate/internal/rules"
	"github.com/velomarket/assistgate/internal/semcache"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging regardless of config")
	flag.Parse()

	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)
	if *debug {
		cfg.Debug = true
	}

	logging.SetupBaseLogger()
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, "logs"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDebug(cfg.Debug)

	srv, background := buildServer(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	for _, run := range background {
		go run(bgCtx)
	}

	// Config changes take effect on restart, except the log level which is
	// safe to flip live.
	stopWatch, err := config.Watch(*configPath, func(reloaded *config.Config) {
		logging.SetDebug(reloaded.Debug || *debug)
		log.Info("config file changed; restart to apply non-logging settings")
	})
	if err != nil {
		log.WithError(err).Warn("config watcher unavailable")
	} else {
		defer stopWatch()
	}

	go func() {
		log.Infof("assistgate listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("forced shutdown")
	}
	// Stopping the background context triggers the tracker's final flush.
	bgCancel()
	time.Sleep(200 * time.Millisecond)
	log.Info("bye")
}

// buildServer wires every pipeline component from the config and returns the
// HTTP server plus the background loops to run.
func buildServer(cfg *config.Config) (*http.Server, []func(context.Context)) {
	matcher := rules.NewMatcher(rules.DefaultRules())
	classifier := classify.New(classify.Models{
		EmbeddingTier: cfg.Models.EmbeddingTier,
		CheapTier:     cfg.Models.CheapTier,
		PremiumTier:   cfg.Models.PremiumTier,
	}, cfg.Models.CostPer1K)

	cache := semcache.New(semcache.Config{
		MaxEntries:          cfg.Cache.MaxEntries,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		TTL:                 time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})
	embedder := embedding.NewClient(embedding.ClientConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	})
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})
	q := queue.New(queue.Config{
		Depth:         cfg.Queue.MaxDepth,
		WaitTimeout:   time.Duration(cfg.Queue.TimeoutSeconds) * time.Second,
		DispatchDelay: time.Duration(cfg.Queue.DispatchDelayMS) * time.Millisecond,
		Weights: map[queue.Tier]int{
			queue.TierFree:    cfg.Queue.TierWeights.Free,
			queue.TierPremium: cfg.Queue.TierWeights.Premium,
			queue.TierVendor:  cfg.Queue.TierWeights.Vendor,
		},
		SessionBonus: cfg.Queue.SessionBonus,
	})
	upstream := provider.New(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	})
	var sink analytics.Sink
	if httpSink := analytics.NewHTTPSink(cfg.Analytics.SinkURL, 10*time.Second); httpSink != nil {
		sink = httpSink
	}
	tracker := analytics.New(analytics.Config{
		BufferSize:    cfg.Analytics.MaxEvents,
		FlushInterval: time.Duration(cfg.Analytics.FlushIntervalSeconds) * time.Second,
	}, sink)

	service := assist.New(assist.Config{
		FallbackMessage: cfg.FallbackMessage,
		Limits: promptopt.Limits{
			MaxSystemPromptChars: cfg.Optimizer.MaxSystemPromptChars,
			MaxHistoryTurns:      cfg.Optimizer.MaxHistoryTurns,
			MaxTurnChars:         cfg.Optimizer.MaxTurnChars,
			MaxUserMessageChars:  cfg.Optimizer.MaxUserMessageChars,
		},
	}, assist.Deps{
		Matcher:    matcher,
		Classifier: classifier,
		Cache:      cache,
		Embedder:   embedder,
		Breaker:    brk,
		Queue:      q,
		Upstream:   upstream,
		Tracker:    tracker,
		Batch: batch.Config{
			MaxSize:     cfg.Batch.MaxSize,
			Window:      time.Duration(cfg.Batch.WindowMS) * time.Millisecond,
			MinOverlap:  cfg.Batch.WordOverlap,
			MaxWordDiff: cfg.Batch.MaxWordCountDiff,
		},
	})

	server := api.New(cfg, service, cache, brk, q, tracker)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpServer, []func(context.Context){q.Run, tracker.Run}
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("ASSISTGATE_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("ASSISTGATE_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("ASSISTGATE_ANALYTICS_SINK_URL"); v != "" {
		cfg.Analytics.SinkURL = v
	}
}
