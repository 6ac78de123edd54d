package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"bitbank-trader/internal/alerting"
	"bitbank-trader/internal/config"
	"bitbank-trader/internal/domain"
	"bitbank-trader/internal/exchange/bitbank"
	"bitbank-trader/internal/execution"
	"bitbank-trader/internal/logging"
	"bitbank-trader/internal/orchestrator"
	"bitbank-trader/internal/persistence"
	"bitbank-trader/internal/position"
	"bitbank-trader/internal/risk"
	"bitbank-trader/internal/strategy"
	"bitbank-trader/internal/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/tradingbot.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tradingbot version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting bitbank-trader", "version", version, "mode", cfg.App.Mode, "pair", cfg.TradingConstraints.CurrencyPair)

	tel, err := telemetry.Setup("bitbank-trader")
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(tel.Meter("bitbank-trader"))
	if err != nil {
		logger.Error("failed to initialize metrics instruments", "error", err)
		os.Exit(1)
	}

	client, err := bitbank.NewClient(cfg.Exchange, tel)
	if err != nil {
		logger.Error("failed to create bitbank client", "error", err)
		os.Exit(1)
	}

	alertPool := alerting.NewPool(alerting.PoolConfig{Name: "alerts"}, logger)
	defer alertPool.Stop()
	alertSink := alerting.NewLogOnlyAlertSink(logger, alertPool)

	drawdown, err := risk.NewDrawdownManager(
		cfg.App.StateDir,
		decimal.NewFromFloat(cfg.Risk.MaxDrawdownRatio),
		cfg.Risk.ConsecutiveLossLimit,
		time.Duration(cfg.Risk.CooldownHours)*time.Hour,
		logger,
	)
	if err != nil {
		logger.Error("failed to initialize drawdown manager", "error", err)
		os.Exit(1)
	}

	anomaly := risk.NewAnomalyDetector(
		decimal.NewFromFloat(cfg.OrderExecution.MaxSpreadRatioForLimit),
		decimal.NewFromFloat(0.03),
		5*time.Second,
		20,
	)

	sizer := risk.NewPositionSizer(
		cfg.Risk.MinTradesForKelly,
		decimal.NewFromFloat(cfg.Risk.MaxPositionRatio),
		decimal.NewFromFloat(cfg.Risk.KellySafetyFactor),
		decimal.NewFromFloat(cfg.PositionManagement.MinTradeSize),
	)

	tradeHistory, err := persistence.NewTradeHistoryStore(filepath.Join(cfg.App.StateDir, "trade_history.db"))
	if err != nil {
		logger.Error("failed to open trade history store", "error", err)
		os.Exit(1)
	}
	defer tradeHistory.Close()
	if recent, err := tradeHistory.LoadRecent(ctx, 200); err != nil {
		logger.Warn("failed to load trade history, Kelly sizing starts cold", "error", err)
	} else {
		sizer.Seed(recent)
	}

	evaluator := risk.NewRiskEvaluator(drawdown, anomaly, sizer, risk.EvaluatorConfig{
		RiskThresholdDeny:        cfg.Risk.RiskThresholdDeny,
		RiskThresholdConditional: cfg.Risk.RiskThresholdConditional,
		MinMLConfidence:          cfg.Risk.MinMLConfidence,
		MaxDrawdownRatio:         cfg.Risk.MaxDrawdownRatio,
		ConsecutiveLossLimit:     cfg.Risk.ConsecutiveLossLimit,
	}, logger)

	orphanLog, err := persistence.NewOrphanSLLog(cfg.App.StateDir)
	if err != nil {
		logger.Error("failed to load orphan SL log", "error", err)
		os.Exit(1)
	}

	tpslManager := execution.NewTPSLManager(client, orphanLog, metrics, cfg.PositionManagement.TakeProfit, cfg.PositionManagement.StopLoss, cfg.TPSL.TPSL, logger)
	decider := execution.NewOrderStrategyDecider(cfg.OrderExecution)
	tracker := position.NewTracker()

	restorer := execution.NewPositionRestorer(client, tracker, logger)
	if err := restorer.Restore(ctx, cfg.TradingConstraints.CurrencyPair); err != nil {
		logger.Warn("position restore failed, starting flat", "error", err)
	}

	mode := domain.ParseMode(cfg.App.Mode)
	execService := execution.NewService(client, decider, tpslManager, tracker, sizer, drawdown, alertSink, logger, cfg.TradingConstraints.CurrencyPair,
		decimal.NewFromFloat(cfg.Exchange.MakerFeeRate), decimal.NewFromFloat(cfg.Exchange.TakerFeeRate),
		mode, decimal.NewFromFloat(cfg.PositionManagement.MinTradeSize), cfg.PositionManagement.DynamicSizing)
	execService.SetHistory(tradeHistory)

	signaler := strategy.NewSpreadReversion(strategy.SpreadReversionConfig{
		MoveThreshold: decimal.NewFromFloat(0.002),
	})

	cycle := orchestrator.NewCycle(client, signaler, evaluator, execService, tpslManager, tracker, restorer, cfg.TradingConstraints.CurrencyPair,
		10*time.Second, time.Duration(cfg.TPSL.TPSL.CheckIntervalSeconds)*time.Second, time.Duration(cfg.TPSL.TPSL.OrphanScanIntervalSeconds)*time.Second, logger)
	cycle.Start()
	defer cycle.Stop()

	drawdown.StartSession(decimal.Zero)

	logger.Info("bitbank-trader running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	logger.Info("received shutdown signal, shutting down gracefully")
	if err := drawdown.EndSession("shutdown", decimal.Zero); err != nil {
		logger.Error("failed to persist session end", "error", err)
	}
	cancel()
	logger.Info("bitbank-trader stopped")
}
