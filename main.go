package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trigger-core/internal/api"
	"trigger-core/internal/engine"
	"trigger-core/internal/events"
	"trigger-core/internal/executor"
	"trigger-core/internal/indicators"
	"trigger-core/internal/market"
	"trigger-core/internal/monitor"
	"trigger-core/internal/order"
	"trigger-core/internal/resilience"
	"trigger-core/internal/scheduler"
	"trigger-core/internal/trigger"
	"trigger-core/pkg/chain"
	"trigger-core/pkg/config"
	"trigger-core/pkg/db"
)

const version = "0.9.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("main: conditional execution core v%s starting", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("main: apply migrations: %v", err)
	}
	log.Printf("main: database ready at %s", cfg.DBPath)

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	ind := indicators.NewEngine(256)
	feed := market.NewCachedFeed(ind, cfg.PriceTimeout)

	if cfg.UseMockChain {
		log.Printf("main: dry-run mode, orders fill against the mock backend")
	} else {
		log.Printf("main: live chain backend not configured, falling back to mock")
	}
	mock := chain.NewMockClient(100)
	mock.FailureRate = cfg.MockFailureRate
	mock.PartialRate = cfg.MockPartialRate
	mock.Latency = time.Duration(cfg.MockLatencyMs) * time.Millisecond

	guard := resilience.NewGuard(
		resilience.LimiterConfig{
			GlobalRPS:   cfg.GlobalRPS,
			EndpointRPM: cfg.EndpointRPM,
			BurstSize:   cfg.BurstSize,
			Cooldown:    cfg.CooldownDuration,
		},
		resilience.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
		},
	)

	repo := order.NewRepository(store, bus)
	if err := repo.Load(ctx); err != nil {
		log.Fatalf("main: load orders: %v", err)
	}

	coord := executor.NewCoordinator(repo, store, guard, mock, bus, mock, metrics,
		executor.Config{
			SubmitTimeout: cfg.SubmitTimeout,
			DefaultRetry: order.RetryConfig{
				MaxAttempts:    cfg.MaxAttempts,
				InitialBackoff: cfg.InitialBackoff,
				MaxBackoff:     cfg.MaxBackoff,
			},
		})
	if err := coord.Recover(ctx); err != nil {
		log.Printf("main: recover in-flight orders: %v", err)
	}

	// Market data: a live websocket stream when configured, otherwise a
	// local random walk so the loops have something to chew on.
	switch {
	case cfg.FeedWSURL != "":
		stream := market.NewStreamClient(cfg.FeedWSURL, feed, bus)
		go stream.Run(ctx)
	case cfg.UseMockFeed:
		go runMockFeed(ctx, feed, cfg.Instruments)
	default:
		log.Printf("main: no market feed configured, trigger evaluation will be idle")
	}

	eval := trigger.NewEvaluator()
	eng := engine.New(repo, eval, feed, coord, bus, metrics, cfg.TickInterval)
	go eng.Run(ctx)

	var followers []scheduler.FollowerConfig
	strategies, err := scheduler.LoadStrategyFile(cfg.StrategyConfigPath)
	if err != nil {
		log.Printf("main: strategy config %s not loaded: %v", cfg.StrategyConfigPath, err)
	} else {
		if err := scheduler.SyncToStore(ctx, store, strategies); err != nil {
			log.Fatalf("main: sync strategies: %v", err)
		}
		followers = strategies.Followers
		log.Printf("main: strategies synced (%d dca, %d trailing, %d followers)",
			len(strategies.DCA), len(strategies.TrailingStops), len(strategies.Followers))
	}

	dca := scheduler.NewDCAScheduler(store, repo, coord, feed, bus, cfg.DCAInterval)
	go dca.Run(ctx)

	trailing := scheduler.NewTrailingManager(store, repo, coord, feed, bus, cfg.TrailingInterval)
	go trailing.Run(ctx)

	copyMon := scheduler.NewCopyMonitor(store, repo, coord, mock, mock, guard, bus,
		followers, cfg.CopyPollInterval)
	go copyMon.Run(ctx)

	server := api.NewServer(bus, store, repo, coord, guard, metrics,
		api.SystemMeta{
			Instruments: cfg.Instruments,
			UseMockFeed: cfg.UseMockFeed,
			DryRun:      true, // no live chain backend yet
			Version:     version,
		}, cfg.JWTSecret)
	go func() {
		log.Printf("main: API listening on :%s", cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("main: API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Printf("main: shutting down")
	cancel()
	eng.Wait()
	copyMon.Wait()
	log.Printf("main: shutdown complete")
}

// runMockFeed drives the cached feed with a random walk per instrument. The
// oracle price trails the trade price with a small spread so oracle-sourced
// conditions stay meaningful.
func runMockFeed(ctx context.Context, feed *market.CachedFeed, instruments []string) {
	log.Printf("feed: mock walk started for %v", instruments)
	prices := make(map[string]float64, len(instruments))
	for _, inst := range instruments {
		prices[inst] = 100
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("feed: mock walk stopped")
			return
		case <-ticker.C:
			for _, inst := range instruments {
				p := prices[inst] * (1 + (rand.Float64()-0.5)*0.004)
				prices[inst] = p
				feed.ApplyTick(inst, p, 1+rand.Float64()*10)
				feed.ApplyOracle(inst, p*(1+(rand.Float64()-0.5)*0.001))
			}
		}
	}
}
