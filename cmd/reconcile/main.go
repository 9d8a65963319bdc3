package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/tranche-trader/internal/broker"
	"github.com/camuig/tranche-trader/internal/config"
	"github.com/camuig/tranche-trader/internal/domain"
	"github.com/camuig/tranche-trader/internal/logger"
	"github.com/camuig/tranche-trader/internal/reconcile"
	"github.com/camuig/tranche-trader/internal/risk"
	"github.com/camuig/tranche-trader/internal/storage"
	"github.com/camuig/tranche-trader/internal/telegram"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	holdings := flag.Bool("holdings", false, "show what the broker holds for each reconciling symbol")
	resolve := flag.Uint("resolve", 0, "mark one alert as resolved")
	settle := flag.String("settle", "", "position id to settle as closed (or discarded when unfilled)")
	closePrice := flag.String("price", "", "close price for -settle")
	note := flag.String("note", "", "operator note for -settle")
	flatten := flag.String("flatten", "", "publish a max-strength override for this symbol against -direction")
	direction := flag.String("direction", "", "direction of the positions -flatten should close (long|short)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level)
	ctx := context.Background()

	db, err := storage.NewDatabase(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database error: %v\n", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)
	alerts := reconcile.NewEscalator(repo, telegram.NewNotifier(cfg, log), log)

	switch {
	case *resolve != 0:
		if err := alerts.Resolve(ctx, *resolve); err != nil {
			fail("resolve alert", err)
		}
		fmt.Printf("Alert %d resolved.\n", *resolve)
	case *settle != "":
		price := decimal.Zero
		if *closePrice != "" {
			if price, err = decimal.NewFromString(*closePrice); err != nil {
				fail("parse -price", err)
			}
		}
		pos, err := alerts.Settle(ctx, *settle, price, *note)
		if err != nil {
			fail("settle position", err)
		}
		fmt.Printf("Position %s is now %s (pnl %s).\n", pos.ID, pos.Status, pos.RealizedPnL.Decimal)
	case *flatten != "":
		if err := publishFlatten(ctx, cfg, *flatten, *direction); err != nil {
			fail("publish override", err)
		}
		fmt.Printf("Override published: %s positions in %s close on the next tick.\n", *direction, *flatten)
	default:
		if err := report(ctx, cfg, repo, alerts, *holdings, log); err != nil {
			fail("report", err)
		}
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func report(ctx context.Context, cfg *config.Config, repo *storage.Repository, alerts *reconcile.Escalator, withHoldings bool, log *logger.Logger) error {
	books, err := repo.ListPositions(ctx, string(domain.StatusReconciling))
	if err != nil {
		return err
	}
	pending, err := alerts.Pending(ctx)
	if err != nil {
		return err
	}

	if len(books) == 0 && len(pending) == 0 {
		fmt.Println("Nothing to reconcile.")
		return nil
	}

	var bc *broker.BrokerClient
	if withHoldings {
		bc, err = broker.NewBrokerClient(ctx, cfg.Tinkoff, log)
		if err != nil {
			return fmt.Errorf("broker init: %w", err)
		}
		defer bc.Stop()
	}

	fmt.Printf("Reconciling positions: %d\n\n", len(books))
	for _, b := range books {
		p := b.Position
		fmt.Printf("  %s  %s %s  filled %s of %s in %d/%d tranches @ avg %s\n",
			p.ID, p.Symbol, p.Direction, p.TotalQuantityFilled, b.Plan.TotalSize,
			len(b.Fills), b.Plan.Tranches(), p.AvgEntryPrice)
		fmt.Printf("      note: %s\n", p.Note)
		for _, f := range b.Fills {
			fmt.Printf("      tranche %d: %s @ %s  order %s  %s\n",
				f.TrancheIndex, f.Quantity, f.Price, f.OrderID, f.FilledAt.Format(time.RFC3339))
		}
		if bc != nil {
			h, err := bc.HoldingFor(p.Symbol)
			if err != nil {
				fmt.Printf("      broker: %v\n", err)
			} else {
				fmt.Printf("      broker holds %s @ avg %s (last %s)\n", h.Quantity, h.AvgPrice, h.CurrentPrice)
			}
		}
	}

	fmt.Printf("\nOpen alerts: %d\n\n", len(pending))
	for _, a := range pending {
		fmt.Printf("  #%d  %s  %s %s  %s\n      %s\n",
			a.ID, a.CreatedAt.Format(time.RFC3339), a.Symbol, a.PositionID, a.Kind, a.Detail)
	}
	return nil
}

// publishFlatten writes an emergency override the running service picks up
// through its Redis risk signal.
func publishFlatten(ctx context.Context, cfg *config.Config, symbol, held string) error {
	dir, err := domain.ParseDirection(held)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled {
		return fmt.Errorf("redis is not enabled in config")
	}
	rdb, err := risk.NewClient(ctx, risk.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	return risk.NewOverrideSource(rdb).Publish(ctx, domain.RiskOverride{
		Symbol:    symbol,
		Direction: dir.Opposite(),
		Strength:  decimal.NewFromInt(1),
		AsOf:      time.Now().UTC(),
	})
}
