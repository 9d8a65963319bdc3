package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/camuig/tranche-trader/internal/broker"
	"github.com/camuig/tranche-trader/internal/config"
	"github.com/camuig/tranche-trader/internal/executor"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/reconcile"
	"github.com/camuig/tranche-trader/internal/sampler"
	"github.com/camuig/tranche-trader/internal/scheduler"
	"github.com/camuig/tranche-trader/internal/storage"
	"github.com/camuig/tranche-trader/internal/supervisor"
	"github.com/camuig/tranche-trader/internal/telegram"
	"github.com/camuig/tranche-trader/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)
	if err := run(cfg, log); err != nil {
		log.Error("tranche-trader failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting tranche-trader", "venue", cfg.Venue.Mode, "feed", cfg.Feed.Source)

	db, err := storage.NewDatabase(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	repo := storage.NewRepository(db)

	var bc *broker.BrokerClient
	if needsBroker(cfg) {
		// The SDK binds its streams to this context; in-flight orders must
		// outlive the shutdown signal.
		bc, err = broker.NewBrokerClient(context.WithoutCancel(ctx), cfg.Tinkoff, log)
		if err != nil {
			return fmt.Errorf("init broker client: %w", err)
		}
		defer func() {
			if err := bc.Stop(); err != nil {
				log.Error("broker client stop error", "error", err)
			}
		}()
		log.Info("broker connected", "account_id", bc.AccountID())
	}

	rdb, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	defaults, err := signalDefaults(cfg)
	if err != nil {
		return err
	}

	notifier := telegram.NewNotifier(cfg, log)
	alerts := reconcile.NewEscalator(repo, notifier, log)
	feed := priceFeed(cfg, bc, rdb)
	venue := executionVenue(cfg, bc, feed, log)
	policy := retryPolicy(cfg.Retry)

	samplers := sampler.NewRegistry(cfg.Sampler.Window, cfg.Sampler.MinSamples)
	ingestor := sampler.NewIngestor(feed, samplers, cfg.Feed.PollInterval, cfg.Feed.Timeout, log)
	trackSymbols(cfg, bc, ingestor, log)

	entry := executor.NewTrancheScheduler(feed, venue, repo, samplers, notifier, alerts, entryConfig(cfg), policy, log)
	exit := supervisor.New(feed, venue, repo, riskSignal(rdb), samplers, notifier, alerts, exitConfig(cfg), policy, log)
	sched := scheduler.NewScheduler(repo, entry, exit, ingestor, alerts, defaults, log)
	webServer := web.NewServer(cfg.Web.Port, sched, alerts, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(webServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return webServer.Shutdown(shutdownCtx)
	})

	notifier.NotifyStatus(fmt.Sprintf("tranche-trader started (%s)", cfg.Venue.Mode))

	err = g.Wait()
	notifier.NotifyStatus("tranche-trader stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("tranche-trader stopped")
	return nil
}

// trackSymbols warms baselines for the configured watch list. Symbols the
// exchange will not trade are skipped when a broker is connected.
func trackSymbols(cfg *config.Config, bc *broker.BrokerClient, ingestor *sampler.Ingestor, log *logger.Logger) {
	symbols := cfg.Feed.Symbols
	if bc != nil && len(symbols) > 0 {
		tradable, err := bc.FilterTradable(symbols)
		if err != nil {
			log.Warn("check tradable symbols", "error", err)
		} else {
			kept := symbols[:0:0]
			for _, s := range symbols {
				if tradable[s] {
					kept = append(kept, s)
				} else {
					log.Warn("symbol not tradable, not tracked", "symbol", s)
				}
			}
			symbols = kept
		}
	}
	for _, s := range symbols {
		ingestor.Track(s)
	}
}
