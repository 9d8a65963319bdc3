package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/broker"
	"github.com/camuig/tranche-trader/internal/config"
	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/executor"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/retry"
	"github.com/camuig/tranche-trader/internal/risk"
	"github.com/camuig/tranche-trader/internal/scheduler"
	"github.com/camuig/tranche-trader/internal/supervisor"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		MaxAttempts:     cfg.MaxAttempts,
	}
}

func entryConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		PollInterval:  cfg.Entry.PollInterval,
		Cooldown:      cfg.Entry.Cooldown,
		WarmupTimeout: cfg.Entry.WarmupTimeout,
		FeedTimeout:   cfg.Feed.Timeout,
	}
}

func exitConfig(cfg *config.Config) supervisor.Config {
	x := cfg.Exit
	brackets := make([]supervisor.Bracket, len(x.Trailing.Brackets))
	for i, b := range x.Trailing.Brackets {
		brackets[i] = supervisor.Bracket{UpTo: dec(b.UpTo), Step: dec(b.Step)}
	}
	return supervisor.Config{
		PollInterval: x.PollInterval,
		FeedTimeout:  cfg.Feed.Timeout,
		MaxHold:      x.MaxHold,
		Emergency: supervisor.EmergencyConfig{
			MinStrength: dec(x.Emergency.MinStrength),
			Recency:     x.Emergency.Recency,
		},
		Reversal: supervisor.ReversalConfig{
			Bars:         x.Reversal.Bars,
			BaselineBars: x.Reversal.BaselineBars,
			BarInterval:  x.Reversal.BarInterval,
			VolumeRatio:  dec(x.Reversal.VolumeRatio),
			MinMovePct:   dec(x.Reversal.MinMovePct),
			WinningPct:   dec(x.Reversal.WinningPct),
		},
		Trailing: supervisor.TrailingConfig{
			Activation: dec(x.Trailing.ActivationProfit),
			Brackets:   brackets,
		},
	}
}

func signalDefaults(cfg *config.Config) (scheduler.Defaults, error) {
	ratios, err := cfg.Entry.Ratios()
	if err != nil {
		return scheduler.Defaults{}, err
	}
	return scheduler.Defaults{
		TrancheRatios: ratios,
		Deadline:      cfg.Entry.Deadline,
		StopLossPct:   dec(cfg.Exit.StopLossPct),
		TakeProfitPct: dec(cfg.Exit.TakeProfitPct),
	}, nil
}

// needsBroker reports whether any component talks to the exchange.
func needsBroker(cfg *config.Config) bool {
	return cfg.Venue.Mode != config.VenuePaper || cfg.Feed.Source == config.FeedBroker
}

func priceFeed(cfg *config.Config, bc *broker.BrokerClient, rdb *redis.Client) domain.PriceFeed {
	if cfg.Feed.Source == config.FeedRedis {
		return risk.NewPriceFeed(rdb, cfg.Feed.MaxAge)
	}
	return broker.NewCandleFeed(bc)
}

func executionVenue(cfg *config.Config, bc *broker.BrokerClient, feed domain.PriceFeed, log *logger.Logger) domain.ExecutionVenue {
	if cfg.Venue.Mode == config.VenuePaper {
		return broker.NewPaperVenue(dec(cfg.Venue.SlippageBps), feed, log)
	}
	return broker.NewVenue(bc)
}

func riskSignal(rdb *redis.Client) domain.RiskSignal {
	if rdb == nil {
		return risk.None{}
	}
	return risk.NewOverrideSource(rdb)
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rdb, err := risk.NewClient(ctx, risk.ClientConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
