package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/russianinvestments/invest-api-go-sdk/investgo"

	"github.com/camuig/tranche-trader/internal/config"
	"github.com/camuig/tranche-trader/internal/logger"
)

const (
	sandboxEndpoint = "sandbox-invest-public-api.tinkoff.ru:443"
	liveEndpoint    = "invest-public-api.tinkoff.ru:443"
)

type BrokerClient struct {
	Client  *investgo.Client
	Sandbox bool
	Logger  *logger.Logger

	mu   sync.RWMutex
	uids map[string]string // ticker -> instrument uid
}

func NewBrokerClient(ctx context.Context, cfg config.TinkoffConfig, log *logger.Logger) (*BrokerClient, error) {
	endpoint := liveEndpoint
	if cfg.Sandbox {
		endpoint = sandboxEndpoint
	}

	investCfg := investgo.Config{
		EndPoint:  endpoint,
		Token:     cfg.Token,
		AccountId: cfg.AccountID,
		AppName:   "tranche-trader",
	}

	client, err := investgo.NewClient(ctx, investCfg, log)
	if err != nil {
		return nil, fmt.Errorf("create investgo client: %w", err)
	}

	bc := &BrokerClient{
		Client:  client,
		Sandbox: cfg.Sandbox,
		Logger:  log,
		uids:    make(map[string]string),
	}

	if cfg.Sandbox && cfg.AccountID == "" {
		if err := bc.setupSandbox(cfg.SandboxFundsRub); err != nil {
			return nil, fmt.Errorf("setup sandbox: %w", err)
		}
	}

	return bc, nil
}

func (bc *BrokerClient) setupSandbox(funds int64) error {
	sandbox := bc.Client.NewSandboxServiceClient()

	_, err := sandbox.SandboxPayIn(&investgo.SandboxPayInRequest{
		AccountId: bc.Client.Config.AccountId,
		Currency:  "RUB",
		Unit:      funds,
		Nano:      0,
	})
	if err != nil {
		return fmt.Errorf("sandbox pay in: %w", err)
	}

	bc.Logger.Info("sandbox account funded", "account_id", bc.Client.Config.AccountId, "rub", funds)
	return nil
}

func (bc *BrokerClient) AccountID() string {
	return bc.Client.Config.AccountId
}

func (bc *BrokerClient) Stop() error {
	return bc.Client.Stop()
}
