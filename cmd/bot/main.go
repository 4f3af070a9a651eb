package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/ducminhle1904/multi-strategy-bot/internal/allocation"
	"github.com/ducminhle1904/multi-strategy-bot/internal/broker"
	bybitbroker "github.com/ducminhle1904/multi-strategy-bot/internal/broker/bybit"
	"github.com/ducminhle1904/multi-strategy-bot/internal/config"
	"github.com/ducminhle1904/multi-strategy-bot/internal/coordinator"
	"github.com/ducminhle1904/multi-strategy-bot/internal/costmodel"
	"github.com/ducminhle1904/multi-strategy-bot/internal/dataquality"
	"github.com/ducminhle1904/multi-strategy-bot/internal/intent"
	"github.com/ducminhle1904/multi-strategy-bot/internal/marketdata"
	"github.com/ducminhle1904/multi-strategy-bot/internal/monitoring"
	"github.com/ducminhle1904/multi-strategy-bot/internal/notifications"
	"github.com/ducminhle1904/multi-strategy-bot/internal/reconcile"
	"github.com/ducminhle1904/multi-strategy-bot/internal/regime"
	"github.com/ducminhle1904/multi-strategy-bot/internal/risk"
	"github.com/ducminhle1904/multi-strategy-bot/internal/safety"
	"github.com/ducminhle1904/multi-strategy-bot/internal/store"
	"github.com/ducminhle1904/multi-strategy-bot/internal/strategy"
)

func main() {
	var (
		configFile    = flag.String("config", "", "Configuration file (e.g., default.json)")
		envFile       = flag.String("env", ".env", "Environment file path (default: .env)")
		paperMode     = flag.Bool("paper", false, "Force the paper broker regardless of config")
		runOnce       = flag.Bool("once", false, "Run a single cycle and exit")
		resetFailures = flag.Bool("reset-failures", false, "Reset the consecutive failure counter and exit")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Please specify a config file with -config flag")
	}

	// Load environment variables from .env file
	if err := loadEnvFile(*envFile); err != nil {
		log.Printf("Warning: Could not load .env file (%v), checking environment variables...", err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *paperMode {
		cfg.Broker.Name = "paper"
	}
	setupLogging(cfg.Logging)

	creds, err := config.LoadCredentials()
	if err != nil {
		log.Fatalf("Failed to read credentials: %v", err)
	}
	if err := creds.RequireFor(cfg); err != nil {
		log.Fatalf("Missing credentials: %v", err)
	}

	fmt.Println("🚀 Multi-Strategy Bot Starting...")
	fmt.Printf("🆔 System: %s\n", cfg.SystemID)
	fmt.Printf("🏦 Broker: %s\n", describeBroker(cfg.Broker))
	fmt.Printf("📊 Snapshot: %s\n", cfg.SnapshotFile)
	fmt.Printf("⏰ Interval: %s\n", cfg.RunInterval())
	fmt.Printf("🗄️ Store: %s\n", cfg.Store.Path)
	fmt.Println("=" + strings.Repeat("=", 50))

	if strings.EqualFold(cfg.Broker.Name, "bybit") && !cfg.Broker.Demo && !cfg.Broker.Testnet {
		fmt.Println("⚠️  LIVE TRADING MODE - Real money will be used!")
	} else {
		fmt.Println("📝 Note: Orders are filled with play money - no real funds involved")
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if *resetFailures {
		if err := resetFailureCounter(st, cfg.SystemID); err != nil {
			log.Fatalf("Failed to reset failure counter: %v", err)
		}
		return
	}

	costs := costmodel.NewModel(cfg.Costs.SlippagePct, cfg.Costs.CommissionPct)
	gateway := buildBroker(cfg.Broker, creds, costs)

	drawdown, err := safety.NewDrawdownStop(cfg.Drawdown.Build(cfg.SystemID), st)
	if err != nil {
		log.Fatalf("Failed to initialize drawdown stop: %v", err)
	}
	killSwitch, err := safety.NewKillSwitch(cfg.KillSwitch)
	if err != nil {
		log.Fatalf("Failed to initialize kill switch: %v", err)
	}

	strategies, err := cfg.BuildStrategies()
	if err != nil {
		log.Fatalf("Failed to build strategies: %v", err)
	}
	fmt.Printf("🧠 Strategies: %s\n", strategyNames(strategies))

	notifier := buildNotifier(cfg, creds)
	health := monitoring.NewHealthChecker(cfg.SystemID)

	coord, err := coordinator.New(coordinator.Config{
		SystemID:               cfg.SystemID,
		TopNPerStrategy:        cfg.Coordinator.TopNPerStrategy,
		GenerationWorkers:      cfg.Coordinator.GenerationWorkers,
		AllocationWindow:       cfg.Coordinator.AllocationWindow,
		MaxResumeDuplicateRate: cfg.Coordinator.MaxResumeDuplicateRate,
	}, coordinator.Deps{
		Store:       st,
		Broker:      gateway,
		Costs:       costs,
		Ledger:      cfg.Ledger,
		DataGate:    dataquality.NewGate(cfg.DataQuality.Build()),
		Regimes:     regime.NewClassifier(cfg.Regime),
		Reconciler:  reconcile.NewGate(gateway, cfg.Reconciliation.Build()),
		Allocator:   allocation.NewAllocator(cfg.Allocation),
		Correlation: risk.NewFilter(cfg.Correlation),
		Drawdown:    drawdown,
		KillSwitch:  killSwitch,
		Breakers:    safety.NewBreakerSet(cfg.Breaker.Build()),
		Intents:     intent.NewManager(st, cfg.IntentBucket()),
		Strategies:  strategies,
		Notifier:    notifier,
		Health:      health,
	})
	if err != nil {
		log.Fatalf("Failed to initialize coordinator: %v", err)
	}

	probeBroker(gateway, health)
	startMonitoring(cfg.Monitoring, health)

	bot := NewBot(coord, marketdata.NewFileProvider(cfg.SnapshotFile), cfg, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *runOnce {
		bot.RunOnce(ctx)
		fmt.Println("✅ Single run complete")
		return
	}

	notify(notifier, notifications.LevelInfo,
		fmt.Sprintf("%s started: %s broker, runs every %s", cfg.SystemID, gateway.Name(), cfg.RunInterval()))
	bot.Start(ctx)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutdown signal received...")
	cancel()
	bot.Stop()
	notify(notifier, notifications.LevelInfo, fmt.Sprintf("%s stopped", cfg.SystemID))
	fmt.Println("✅ Bot stopped successfully")
}

func loadEnvFile(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		return godotenv.Load(envFile)
	}
	return fmt.Errorf("env file %s not found", envFile)
}

// setupLogging configures the process-wide logger from the config block. An
// unknown level falls back to info rather than refusing to start.
func setupLogging(cfg config.LoggingConfig) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logger.JSONFormatter{})
	} else {
		logger.SetFormatter(&logger.TextFormatter{FullTimestamp: true})
	}
}

// buildBroker selects the broker gateway. The paper broker shares the cost
// model with the ledger so simulated fills and accounting agree.
func buildBroker(cfg config.BrokerConfig, creds *config.Credentials, costs *costmodel.Model) broker.Gateway {
	if strings.EqualFold(cfg.Name, "bybit") {
		return bybitbroker.NewGateway(bybitbroker.Config{
			APIKey:         creds.BybitAPIKey,
			APISecret:      creds.BybitAPISecret,
			Testnet:        cfg.Testnet,
			Demo:           cfg.Demo,
			Category:       cfg.Category,
			AccountType:    cfg.AccountType,
			RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		})
	}
	return broker.NewPaper(decimal.NewFromFloat(cfg.PaperCash), costs)
}

func buildNotifier(cfg *config.BotConfig, creds *config.Credentials) notifications.Notifier {
	if cfg.Notifications.Enabled {
		return notifications.NewTelegramNotifier(creds.TelegramToken, creds.TelegramChatID)
	}
	return notifications.NewNoop()
}

func describeBroker(cfg config.BrokerConfig) string {
	if strings.EqualFold(cfg.Name, "bybit") {
		switch {
		case cfg.Demo:
			return "bybit (demo)"
		case cfg.Testnet:
			return "bybit (testnet)"
		default:
			return "bybit (LIVE)"
		}
	}
	return fmt.Sprintf("paper ($%.2f starting cash)", cfg.PaperCash)
}

func strategyNames(strategies []strategy.SignalGenerator) string {
	names := make([]string, 0, len(strategies))
	for _, gen := range strategies {
		names = append(names, gen.Name())
	}
	return strings.Join(names, ", ")
}

// resetFailureCounter zeroes the consecutive-failure count that feeds the
// kill switch. Operator escape hatch for when the underlying cause is fixed
// but the counter still blocks runs.
func resetFailureCounter(st *store.Store, systemID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := st.LoadSystemState(ctx, systemID)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Printf("ℹ️ No system state recorded for %s, nothing to reset\n", systemID)
		return nil
	}
	before := rec.ConsecutiveFailures
	rec.ConsecutiveFailures = 0
	rec.UpdatedAt = time.Now().UTC()
	if err := st.SaveSystemState(ctx, rec); err != nil {
		return err
	}
	fmt.Printf("✅ Consecutive failure counter reset (%d -> 0) for %s\n", before, systemID)
	return nil
}

func notify(notifier notifications.Notifier, level, message string) {
	if err := notifier.SendAlert(level, message); err != nil {
		logger.WithError(err).Warn("Alert delivery failed")
	}
}
