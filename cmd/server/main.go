// Package main is the entry point for the Bastion trading control plane.
// It wires the databases, broker pool, signal gate, emergency controls, and
// the admin plane, then serves them over HTTP and websocket.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/archonlabs/bastion/internal/config"
	"github.com/archonlabs/bastion/internal/di"
	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/events"
	"github.com/archonlabs/bastion/internal/pool"
	"github.com/archonlabs/bastion/internal/server"
	"github.com/archonlabs/bastion/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Bool("dev_mode", cfg.DevMode).Msg("Starting Bastion")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// A restart must not re-execute signals that were already decided
	warmed, err := container.Signals.WarmFromStore(cfg.Ingress.IdempotencyTTL)
	if err != nil {
		log.Error().Err(err).Msg("Idempotency cache warm-up failed")
	} else if warmed > 0 {
		log.Info().Int("decisions", warmed).Msg("Idempotency cache warmed")
	}

	wireBrokerCallbacks(container)

	container.Scheduler.Start()
	log.Info().Msg("Scheduler started")

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Container: container,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	container.Pool.Shutdown(shutdownCtx)

	// container.Close stops the scheduler, drops hub subscribers, and
	// checkpoints the databases before closing them
	log.Info().Msg("Bastion stopped")
}

// wireBrokerCallbacks routes pool lifecycle transitions onto the event hub
// so websocket subscribers see connection state changes as they happen
func wireBrokerCallbacks(c *di.Container) {
	c.Pool.SetCallbacks(pool.Callbacks{
		OnConnect: func(profileID string, info *domain.BrokerAccountInfo) {
			data := map[string]interface{}{}
			if info != nil {
				data["balance"] = info.Balance
				data["equity"] = info.Equity
				data["currency"] = info.Currency
			}
			c.Hub.Publish(events.New(events.ConnectionRestored, profileID, c.Clock.Now(), data))
		},
		OnDisconnect: func(profileID, reason string) {
			c.Hub.Publish(events.New(events.ConnectionLost, profileID, c.Clock.Now(),
				map[string]interface{}{"reason": reason}))
		},
		OnAccountUpdate: func(profileID string, info *domain.BrokerAccountInfo) {
			if info == nil {
				return
			}
			c.Hub.Publish(events.New(events.AccountUpdate, profileID, c.Clock.Now(),
				map[string]interface{}{
					"balance":      info.Balance,
					"equity":       info.Equity,
					"margin":       info.Margin,
					"free_margin":  info.FreeMargin,
					"margin_level": info.MarginLevel,
				}))
		},
	})
}
