// Package bybit implements the broker gateway against the Bybit V5 API.
package bybit

import (
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
)

// Config holds the connection settings for the Bybit gateway.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// Demo selects Bybit's demo trading environment, which accepts real API
	// calls against play-money accounts.
	Demo bool
	// Category is the product category for orders and positions, e.g. "spot"
	// or "linear".
	Category string
	// AccountType is the wallet account type queried for balances.
	AccountType string
	// RequestTimeout bounds each API call.
	RequestTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Category == "" {
		c.Category = "spot"
	}
	if c.AccountType == "" {
		c.AccountType = "UNIFIED"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Gateway is the Bybit implementation of broker.Gateway.
type Gateway struct {
	httpClient *bybit_api.Client
	config     Config
	retry      retryConfig
	log        *logger.Entry
}

// NewGateway creates a Bybit gateway for the configured environment.
func NewGateway(config Config) *Gateway {
	config.setDefaults()

	var baseURL string
	switch {
	case config.Demo:
		baseURL = "https://api-demo.bybit.com"
	case config.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}

	httpClient := bybit_api.NewBybitHttpClient(
		config.APIKey,
		config.APISecret,
		bybit_api.WithBaseURL(baseURL),
	)

	return &Gateway{
		httpClient: httpClient,
		config:     config,
		retry:      defaultRetryConfig(),
		log: logger.WithFields(logger.Fields{
			"component": "broker",
			"gateway":   "bybit",
			"env":       environmentName(config),
		}),
	}
}

// Name identifies the gateway in logs and reports.
func (g *Gateway) Name() string { return "bybit" }

func environmentName(config Config) string {
	switch {
	case config.Demo:
		return "demo"
	case config.Testnet:
		return "testnet"
	default:
		return "mainnet"
	}
}

var _ broker.Gateway = (*Gateway)(nil)
