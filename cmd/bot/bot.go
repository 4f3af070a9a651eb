package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	"github.com/ducminhle1904/multi-strategy-bot/internal/config"
	"github.com/ducminhle1904/multi-strategy-bot/internal/coordinator"
	"github.com/ducminhle1904/multi-strategy-bot/internal/marketdata"
	"github.com/ducminhle1904/multi-strategy-bot/internal/monitoring"
	"github.com/ducminhle1904/multi-strategy-bot/internal/notifications"
	"github.com/ducminhle1904/multi-strategy-bot/pkg/reporting"
)

// Bot ties the coordinator to its schedule. Each cycle loads the current
// market snapshot, hands it to the coordinator and prints the run report.
// Run-level alerting lives in the coordinator; the bot only reports problems
// that kept a run from happening at all.
type Bot struct {
	coordinator *coordinator.Coordinator
	provider    marketdata.Provider
	universe    []string
	reporter    *reporting.ConsoleReporter
	notifier    notifications.Notifier
	interval    time.Duration
	log         *logger.Entry
	running     bool
	stopChan    chan struct{}
	doneChan    chan struct{}
}

// NewBot wires a bot from an already-validated configuration.
func NewBot(coord *coordinator.Coordinator, provider marketdata.Provider, cfg *config.BotConfig, notifier notifications.Notifier) *Bot {
	return &Bot{
		coordinator: coord,
		provider:    provider,
		universe:    cfg.Universe,
		reporter:    reporting.NewConsoleReporter(nil),
		notifier:    notifier,
		interval:    cfg.RunInterval(),
		log:         logger.WithField("component", "bot"),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start launches the run loop. The first cycle fires immediately, then one
// cycle per interval until Stop is called or the context ends.
func (b *Bot) Start(ctx context.Context) {
	b.running = true
	go b.loop(ctx)
}

// Stop signals the loop and waits for any in-flight cycle to finish.
func (b *Bot) Stop() {
	if !b.running {
		return
	}
	b.running = false
	close(b.stopChan)
	<-b.doneChan
}

// RunOnce executes a single cycle synchronously.
func (b *Bot) RunOnce(ctx context.Context) {
	b.runCycle(ctx)
}

func (b *Bot) loop(ctx context.Context) {
	defer close(b.doneChan)

	b.runCycle(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.runCycle(ctx)
		case <-b.stopChan:
			b.log.Info("Run loop stopped")
			return
		case <-ctx.Done():
			b.log.Info("Run loop stopped")
			return
		}
	}
}

// runCycle performs one snapshot-load-and-run pass. A snapshot failure skips
// the cycle; the next tick retries with whatever the collector wrote since.
func (b *Bot) runCycle(ctx context.Context) {
	snapshot, err := b.provider.Snapshot(ctx)
	if err != nil {
		b.log.WithError(err).Error("Failed to load market snapshot")
		b.notify(notifications.LevelWarning, fmt.Sprintf("Market snapshot unavailable: %v", err))
		return
	}
	if len(b.universe) > 0 {
		snapshot = snapshot.Restrict(b.universe)
	}

	sum, err := b.coordinator.RunOnce(ctx, snapshot)
	if err != nil {
		b.log.WithError(err).Error("Run could not be recorded")
		b.notify(notifications.LevelError, fmt.Sprintf("Run could not be recorded: %v", err))
		return
	}
	b.reporter.PrintSummary(sum)
}

func (b *Bot) notify(level, message string) {
	if err := b.notifier.SendAlert(level, message); err != nil {
		b.log.WithError(err).Warn("Alert delivery failed")
	}
}

// probeBroker verifies broker connectivity before the first run and prints
// the account it found. A failed probe is a warning, not a startup failure:
// the reconciliation gate fails closed on every run regardless.
func probeBroker(gateway broker.Gateway, health *monitoring.HealthChecker) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	account, err := gateway.GetAccount(ctx)
	if err != nil {
		logger.WithError(err).Warn("Broker account probe failed")
		fmt.Printf("⚠️ Could not reach broker %s: %v\n", gateway.Name(), err)
		health.SetConnectivity(true, false)
		return
	}
	health.SetConnectivity(true, true)
	fmt.Printf("💰 Broker Account (%s):\n", gateway.Name())
	fmt.Printf("   Cash:        $%s\n", account.Cash.StringFixed(2))
	fmt.Printf("   Total Value: $%s\n", account.TotalValue.StringFixed(2))
}

// startMonitoring serves the health and metrics listeners when configured.
// An empty address disables the listener.
func startMonitoring(cfg config.MonitoringConfig, health *monitoring.HealthChecker) {
	if cfg.HealthAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/health", health)
		go func() {
			logger.WithField("addr", cfg.HealthAddr).Info("Health endpoint listening")
			if err := http.ListenAndServe(cfg.HealthAddr, mux); err != nil {
				logger.WithError(err).Error("Health server stopped")
			}
		}()
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", monitoring.MetricsHandler())
		go func() {
			logger.WithField("addr", cfg.MetricsAddr).Info("Metrics endpoint listening")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
	}
}
