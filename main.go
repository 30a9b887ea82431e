package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"optionflow/internal/api"
	"optionflow/internal/engine"
	"optionflow/internal/events"
	"optionflow/internal/monitor"
	sig "optionflow/internal/signal"
	"optionflow/internal/staking"
	"optionflow/pkg/broker"
	"optionflow/pkg/config"
	"optionflow/pkg/logger"
)

func main() {
	log := logger.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.Email == "" || cfg.Password == "" {
		log.Fatal("BROKER_EMAIL and BROKER_PASSWORD must be set")
	}

	ctx, stop := signalContext()
	defer stop()

	stdin := bufio.NewScanner(os.Stdin)

	token := login(ctx, cfg, stdin, log)
	if exp := broker.TokenExpiry(token); !exp.IsZero() {
		log.WithField("expires_at", exp.Format(time.RFC3339)).Info("session token obtained")
		if time.Until(exp) < time.Hour {
			log.Warn("session token expires in under an hour")
		}
	}

	store := broker.NewStore()
	session := broker.NewSession(cfg.BrokerWSURL, token, store, cfg.SendRatePerSecond)
	defer session.Close()

	if err := connectWithBackoff(ctx, session, cfg); err != nil {
		log.WithError(err).Fatal("could not establish stream")
	}

	client := broker.NewClient(session, cfg.AwaitTimeout)
	client.Bootstrap(ctx)

	balance, err := client.SetActiveBalance(ctx, cfg.BalanceKind)
	if err != nil {
		log.WithError(err).Warn("could not switch balance, staying on venue default")
	} else {
		log.WithFields(logger.Fields{
			"kind":     balance.Kind,
			"amount":   balance.Amount,
			"currency": balance.Currency,
		}).Info("active balance")
	}

	bus := events.NewBus()
	metrics := monitor.New()
	tracker := staking.NewTracker(staking.NewMachine(cfg.Ladder))

	if cfg.EnableStatusAPI {
		server := api.NewServer(session, tracker, metrics, bus)
		go func() {
			if err := server.Run(":" + cfg.Port); err != nil {
				log.WithError(err).Error("status API stopped")
			}
		}()
	}

	showOpenInstruments(ctx, client, log)

	menuLoop(ctx, cfg, client, bus, metrics, tracker, stdin, log)
	log.Info("shutting down")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// login performs the HTTP credential exchange, prompting for a code when
// the account has a second factor enabled.
func login(ctx context.Context, cfg *config.Config, stdin *bufio.Scanner, log *logrus.Entry) string {
	auth := broker.NewAuthenticator(cfg.BrokerAuthURL)
	token, err := auth.Login(ctx, cfg.Email, cfg.Password)
	if err == nil {
		return token
	}
	if !errors.Is(err, broker.ErrTwoFactorRequired) {
		log.Fatal("login failed: ", err)
	}

	fmt.Print("verification code: ")
	if !stdin.Scan() {
		log.Fatal("no verification code entered")
	}
	code := strings.TrimSpace(stdin.Text())
	token, err = auth.Verify(ctx, cfg.Email, cfg.Password, code)
	if err != nil {
		log.Fatal("verification failed: ", err)
	}
	return token
}

func connectWithBackoff(ctx context.Context, session *broker.Session, cfg *config.Config) error {
	log := logger.WithComponent("main")
	var lastErr error
	for attempt := 0; attempt < cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			backoff := cfg.ConnectBackoffBase * time.Duration(1<<(attempt-1))
			log.WithField("backoff", backoff.String()).Info("retrying connect")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := session.Connect(ctx); err != nil {
			lastErr = err
			log.WithError(err).Warn("connect failed")
			continue
		}
		return nil
	}
	return lastErr
}

func showOpenInstruments(ctx context.Context, client *broker.Client, log *logrus.Entry) {
	book, err := client.OpenInstruments(ctx)
	if err != nil {
		log.Warn("could not list open instruments: ", err)
		return
	}
	for class, instruments := range book {
		open := make([]string, 0, len(instruments))
		for name, isOpen := range instruments {
			if isOpen {
				open = append(open, name)
			}
		}
		sort.Strings(open)
		fmt.Printf("%s (%d open): %s\n", class, len(open), strings.Join(open, ", "))
	}
}

func menuLoop(ctx context.Context, cfg *config.Config, client *broker.Client, bus *events.Bus, metrics *monitor.Metrics, tracker *staking.Tracker, stdin *bufio.Scanner, log *logrus.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Println()
		fmt.Println("1) buy call")
		fmt.Println("2) buy put")
		fmt.Println("3) staking simulator")
		fmt.Println("4) run band strategy")
		fmt.Println("5) exit")
		fmt.Print("> ")
		if !stdin.Scan() {
			return
		}

		switch strings.TrimSpace(stdin.Text()) {
		case "1":
			oneShot(ctx, cfg, client, broker.Call, log)
		case "2":
			oneShot(ctx, cfg, client, broker.Put, log)
		case "3":
			machine := staking.NewMachine(cfg.Ladder)
			staking.NewSimulator(machine, os.Stdin, os.Stdout).Run(100)
		case "4":
			runStrategy(ctx, cfg, client, bus, metrics, tracker, log)
		case "5":
			return
		default:
			fmt.Println("unknown choice")
		}
	}
}

// oneShot places a single trade on the default asset and waits for its
// outcome.
func oneShot(ctx context.Context, cfg *config.Config, client *broker.Client, dir broker.Direction, log *logrus.Entry) {
	book, err := client.OpenInstruments(ctx)
	if err != nil {
		log.Warn("instrument lookup failed: ", err)
		return
	}
	res, err := engine.Resolve(book, cfg.DefaultAsset, classPreference(cfg))
	if err != nil {
		log.Warn("asset not tradable: ", err)
		return
	}

	order, err := client.PlaceOrder(ctx, broker.PlaceRequest{
		Instrument:    res.Instrument,
		Class:         res.Class,
		Direction:     dir,
		Stake:         cfg.DefaultStake,
		ExpiryMinutes: cfg.DefaultDuration,
	})
	if err != nil {
		log.Warn("placement failed: ", err)
		return
	}
	fmt.Printf("order %s placed: %s %s %.2f, expiry %dm\n",
		order.ID, order.Instrument, order.Direction, order.Stake, order.ExpiryMinutes)

	wait := time.Duration(cfg.DefaultDuration)*time.Minute + cfg.SettleTimeout
	st, err := client.Settlement(ctx, order.ID, wait)
	if err != nil {
		log.Warn("settlement unknown: ", err)
		return
	}
	fmt.Printf("order %s settled: %s, pnl %.2f\n", order.ID, st.Outcome, st.ProfitLoss)
}

func runStrategy(ctx context.Context, cfg *config.Config, client *broker.Client, bus *events.Bus, metrics *monitor.Metrics, tracker *staking.Tracker, log *logrus.Entry) {
	signals := sig.New(sig.Config{
		BandPeriod:   cfg.BandPeriod,
		BandStdDev:   cfg.BandStdDev,
		CarryForward: cfg.CarryForward,
	})

	coordinator := engine.NewCoordinator(engine.Config{
		Assets:             cfg.Assets,
		ClassPreference:    classPreference(cfg),
		TimeframeSeconds:   cfg.TimeframeSeconds,
		CandleCount:        cfg.CandleCount,
		MinPayout:          cfg.MinPayout,
		MaxTrades:          cfg.MaxTrades,
		MaxAssets:          cfg.MaxAssets,
		MaxWorkers:         cfg.MaxWorkers,
		PlaceRetries:       cfg.PlaceRetries,
		RetryBase:          cfg.RetryBase,
		ConnectRetries:     cfg.ConnectRetries,
		ConnectBackoffBase: cfg.ConnectBackoffBase,
		SettleTimeout:      cfg.SettleTimeout,
		ExpiryInterval:     cfg.ExpiryCheckInterval,
	}, client, signals, tracker, bus, metrics)

	log.Info("strategy running, interrupt to stop")
	if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("strategy stopped: ", err)
	}
}

func classPreference(cfg *config.Config) []broker.InstrumentClass {
	out := make([]broker.InstrumentClass, 0, len(cfg.ClassPreference))
	for _, c := range cfg.ClassPreference {
		out = append(out, broker.InstrumentClass(c))
	}
	return out
}
