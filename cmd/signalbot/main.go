// Package main provides the entry point for the signal dispatch bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/riverbend/signalbot/internal/broker"
	"github.com/riverbend/signalbot/internal/catalog"
	"github.com/riverbend/signalbot/internal/config"
	"github.com/riverbend/signalbot/internal/dispatcher"
	"github.com/riverbend/signalbot/internal/events"
	"github.com/riverbend/signalbot/internal/intake"
	"github.com/riverbend/signalbot/internal/models"
	"github.com/riverbend/signalbot/internal/reaper"
	"github.com/riverbend/signalbot/internal/retry"
	"github.com/riverbend/signalbot/internal/sequencer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Bot wires every component together: one broker session per configured
// account, the pre-trade filter, the dispatcher, the sequencer that feeds
// it, the expiry reaper, and the HTTP intake surface.
type Bot struct {
	config    *config.Config
	store     *config.Store
	logger    *log.Logger
	startedAt time.Time

	intakeLogger *logrus.Logger

	catalog *catalog.Catalog
	bus     *events.Bus

	brokersMu sync.RWMutex
	brokers   map[string]broker.Broker
	retrier   *retry.Retrier

	dispatcher *dispatcher.Dispatcher
	sequencer  *sequencer.Sequencer
	reaper     *reaper.Reaper
	intake     *intake.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger := log.New(os.Stdout, "[SIGNALBOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting signal dispatch bot in %s mode", cfg.General.Mode)
	if cfg.IsLive() {
		logger.Println("LIVE TRADING MODE - real orders will be placed")
		if os.Getenv("SIGNALBOT_SKIP_LIVE_WAIT") != "1" {
			logger.Println("Waiting 10 seconds to confirm... (set SIGNALBOT_SKIP_LIVE_WAIT=1 to skip)")
			time.Sleep(10 * time.Second)
		}
	} else {
		logger.Println("demo mode - orders go to every enabled account")
	}

	bot := &Bot{
		config:    cfg,
		store:     config.NewStore(cfg.Path()),
		logger:    logger,
		brokers:   make(map[string]broker.Broker),
		retrier:   retry.New(logger),
		startedAt: time.Now().UTC(),
	}

	bot.catalog = catalog.New(cfg.Instruments)
	bot.bus = events.New(logger)

	intakeLogger := logrus.New()
	intakeLogger.SetOutput(os.Stdout)
	if cfg.IsLive() {
		intakeLogger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		intakeLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, lerr := logrus.ParseLevel(cfg.General.LogLevel); lerr == nil {
		intakeLogger.SetLevel(lvl)
	} else {
		intakeLogger.SetLevel(logrus.InfoLevel)
		intakeLogger.WithError(lerr).Warn("invalid log level; defaulting to info")
	}
	bot.intakeLogger = intakeLogger

	enabled := cfg.EnabledBrokers()
	if len(enabled) == 0 {
		logger.Println("no enabled broker accounts configured")
		return 1
	}
	for _, account := range enabled {
		br, berr := bot.buildBroker(account)
		if berr != nil {
			logger.Printf("Failed to build broker adapter for account %s: %v", account.ID, berr)
			return 1
		}
		bot.brokers[account.ID] = broker.NewCircuitBreakerBroker(br, broker.CircuitConfig{Name: account.ID})
	}

	dispatchCfg := dispatcher.Config{
		MinDelayMs:          cfg.Execution.MinDelayMs,
		MaxDelayMs:          cfg.Execution.MaxDelayMs,
		DuplicatePrevention: cfg.Filters.DuplicatePrevention,
	}
	bot.dispatcher = dispatcher.New(enabled, bot.catalog, bot.brokerFor, dispatchCfg, bot.bus)

	bot.sequencer = sequencer.New(cfg.Execution.MinDelayMs, cfg.Execution.MaxDelayMs, bot.dispatchSignal, logger)

	bot.reaper = reaper.New(enabled, bot.catalog, bot.brokerFor, reaper.Config{
		Interval:         cfg.ReaperInterval(),
		OrderTimeoutBars: cfg.Execution.OrderTimeoutBars,
		BarMinutes:       cfg.Execution.TimeframeMinutes,
	}, bot.bus, logger)

	bot.intake = intake.NewServer(intake.Config{
		Port:       cfg.Webhook.Port,
		Secret:     cfg.Webhook.Secret,
		AllowedIPs: cfg.Webhook.AllowedIPs,
		PathPrefix: cfg.Webhook.PathPrefix,
	}, bot.sequencer, bot.bus, intakeLogger, bot.statusSnapshot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		cancel()
	}()

	if err := bot.connectAll(ctx); err != nil {
		logger.Printf("Warning: one or more broker accounts failed to connect at startup: %v", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		bot.reaper.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		bot.sequencer.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		if err := bot.intake.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("intake server: %w", err)
		}
		return nil
	})

	<-ctx.Done()

	logger.Println("Draining in-flight signals before shutdown...")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	bot.awaitDrain(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := bot.intake.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Error shutting down intake server: %v", err)
	}

	bot.disconnectAll(shutdownCtx)

	if err := group.Wait(); err != nil {
		logger.Printf("Bot error: %v", err)
		return 1
	}

	logger.Println("Bot stopped successfully")
	return 0
}

// buildBroker constructs the unwrapped adapter for one account, selecting
// the RPC or REST implementation by its configured kind.
func (b *Bot) buildBroker(account models.AccountConfig) (broker.Broker, error) {
	switch account.Broker {
	case "rpc":
		return broker.NewRPCBroker(broker.RPCConfig{
			DialAddr:       account.Credentials["dial_addr"],
			TokenEndpoint:  account.Credentials["token_endpoint"],
			ClientID:       account.Credentials["client_id"],
			ClientSecret:   account.Credentials["client_secret"],
			AccessToken:    account.Credentials["access_token"],
			RefreshToken:   account.Credentials["refresh_token"],
			AccountID:      account.Credentials["account_id"],
			Demo:           account.Demo,
			Store:          b.store,
			LocalAccountID: account.ID,
		}, b.catalog), nil
	case "rest":
		return broker.NewRESTBroker(broker.RESTConfig{
			AuthBaseURL: account.Credentials["auth_base_url"],
			Username:    account.Credentials["username"],
			Password:    account.Credentials["password"],
			AccountID:   account.Credentials["account_id"],
		}, b.catalog, account.ID), nil
	default:
		return nil, fmt.Errorf("account %s: unrecognized broker kind %q", account.ID, account.Broker)
	}
}

// brokerFor satisfies both dispatcher.BrokerProvider and
// reaper.BrokerProvider: every account's session is built once at startup
// and reused, so this is a lookup, not a construction.
func (b *Bot) brokerFor(accountID string) (broker.Broker, error) {
	b.brokersMu.RLock()
	defer b.brokersMu.RUnlock()
	br, ok := b.brokers[accountID]
	if !ok {
		return nil, fmt.Errorf("no broker session configured for account %s", accountID)
	}
	return br, nil
}

// dispatchSignal is the sequencer's DispatchFunc: it runs one signal
// through the dispatcher and logs the per-account outcome.
func (b *Bot) dispatchSignal(ctx context.Context, signal models.Signal) {
	outcomes := b.dispatcher.Dispatch(ctx, signal)
	for accountID, outcome := range outcomes {
		b.logger.Printf("signal %s -> account %s: %s (%s) lots=%.2f order=%s",
			signal.RequestID, accountID, outcome.Outcome, outcome.Message, outcome.Lots, outcome.OrderID)
	}
}

// statusSnapshot is the intake server's StatusFunc: it reports process
// uptime and the latest dispatcher/reaper state without either of those
// components knowing the HTTP surface exists.
func (b *Bot) statusSnapshot() intake.StatusSnapshot {
	cycleAt, cycleStats := b.reaper.LastCycle()
	return intake.StatusSnapshot{
		StartedAt:       b.startedAt,
		AccountOutcomes: b.dispatcher.LastOutcomes(),
		ReaperLastCycle: cycleAt,
		ReaperStats:     cycleStats,
	}
}

// connectAll connects every account's broker session, retrying transient
// failures. A connection failure for one account never blocks the others;
// a later dispatch to that account fails the pre-trade filter's account
// state check with CONNECTION_ERROR instead.
func (b *Bot) connectAll(ctx context.Context) error {
	var firstErr error
	for _, account := range b.config.EnabledBrokers() {
		br, err := b.brokerFor(account.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		label := fmt.Sprintf("connect[%s]", account.ID)
		if err := b.retrier.Do(ctx, label, br.Connect); err != nil {
			b.logger.Printf("account %s: %v", account.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bot) disconnectAll(ctx context.Context) {
	for _, account := range b.config.EnabledBrokers() {
		br, err := b.brokerFor(account.ID)
		if err != nil {
			continue
		}
		if err := br.Disconnect(ctx); err != nil {
			b.logger.Printf("account %s: error disconnecting: %v", account.ID, err)
		}
	}
}

// awaitDrain polls the sequencer's queue depth until it empties or ctx
// expires, giving already-queued signals a chance to dispatch before the
// process exits.
func (b *Bot) awaitDrain(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.sequencer.Depth() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
