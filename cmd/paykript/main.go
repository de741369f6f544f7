// paykript is the gateway daemon: HTTP API, blockchain monitor and webhook
// dispatcher in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/paykript/paykript/api"
	"github.com/paykript/paykript/auth"
	"github.com/paykript/paykript/config"
	"github.com/paykript/paykript/monitor"
	"github.com/paykript/paykript/payments"
	"github.com/paykript/paykript/store"
	"github.com/paykript/paykript/trongrid"
	"github.com/paykript/paykript/webhook"
)

const startupTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:   "paykript",
		Usage:  "USDT/TRON merchant payment gateway",
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "apply the database schema and exit",
				Action: migrate,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl := log.LevelInfo
	switch level {
	case "trace":
		lvl = log.LevelTrace
	case "debug":
		lvl = log.LevelDebug
	case "warn":
		lvl = log.LevelWarn
	case "error":
		lvl = log.LevelError
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, false)))
}

func openStore(cfg config.Config) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func migrate(_ *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("Database schema applied")
	return nil
}

func run(_ *cli.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	log.Info("Starting PayKript gateway", "network", cfg.TronNetwork,
		"environment", cfg.Environment, "port", cfg.Port)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	chain := trongrid.NewClient(cfg.TronGridURL, cfg.TronGridAPIKey)
	dispatcher := webhook.NewDispatcher(cfg.WebhookSecret, st)
	mon := monitor.New(st, chain, dispatcher, cfg.USDTContract, cfg.RequiredConfirmations)
	authn := auth.NewAuthenticator(st, cfg.SecretKey, cfg.AccessTokenExpire)
	pays := payments.NewService(st, cfg.USDTContract, cfg.PaymentTimeout)

	server := api.NewServer(api.Config{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
		LiveNetwork:    cfg.Production(),
	}, st, pays, authn, dispatcher)

	mon.Start()
	if err := server.Start(); err != nil {
		mon.Stop()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info("Shutting down", "signal", got)

	// Stop intake first, then let the monitor drain its tick and cancel
	// pending webhook retries. Undelivered webhooks stay resendable.
	server.Stop()
	mon.Stop()
	dispatcher.Stop()
	return nil
}
