package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/captimer/go/internal/config"
	"github.com/mcdev12/captimer/go/internal/relay"
)

func newRelayCmd() *cobra.Command {
	var (
		host     string
		port     int
		secret   string
		natsURL  string
		lateJoin bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(config.ConfigPath(configPath))
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("secret") {
				cfg.Secret = secret
			}
			if flags.Changed("nats-url") {
				cfg.NATSURL = natsURL
			}
			if flags.Changed("late-join") {
				cfg.LateJoin = lateJoin
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runRelay(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret clients must present")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server for relay federation")
	cmd.Flags().BoolVar(&lateJoin, "late-join", true, "send the running countdown to clients that join late")
	return cmd
}

func relayServiceConfig(cfg config.RelayConfig) relay.Config {
	serviceConfig := relay.DefaultConfig()
	serviceConfig.ConnectionConfig.Secret = cfg.Secret
	serviceConfig.ConnectionConfig.PingInterval = cfg.PingInterval
	serviceConfig.ConnectionConfig.PongTimeout = cfg.PongTimeout
	serviceConfig.ConnectionConfig.AuthTimeout = cfg.AuthTimeout
	serviceConfig.ConnectionConfig.SendBufferSize = cfg.SendBuffer
	serviceConfig.ConnectionConfig.LateJoinSync = cfg.LateJoin

	if cfg.NATSURL != "" {
		natsConfig := relay.DefaultNATSBridgeConfig()
		natsConfig.URL = cfg.NATSURL
		serviceConfig.NATS = &natsConfig
	}
	return serviceConfig
}

func runRelay(cfg config.RelayConfig) error {
	service, err := relay.NewService(relayServiceConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create relay service: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Bool("secret", cfg.Secret != "").
		Bool("federated", cfg.NATSURL != "").
		Bool("late_join", cfg.LateJoin).
		Msg("starting captimer relay")

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      h2c.NewHandler(service.Handler(), &http2.Server{}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serviceCtx, cancelService := context.WithCancel(context.Background())
	defer cancelService()

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(serviceCtx); err != nil {
			log.Error().Err(err).Msg("relay service failed")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		cancelService()
		<-serviceDone
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// hijacked WebSocket connections are not tracked by Shutdown; cancelling
	// the service closes them
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancelService()
	<-serviceDone

	log.Info().Msg("captimer relay shutdown complete")
	return nil
}
