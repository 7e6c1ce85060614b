package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/captimer/go/internal/config"
	"github.com/mcdev12/captimer/go/internal/lan"
	"github.com/mcdev12/captimer/go/internal/syncclient"
	"github.com/mcdev12/captimer/go/internal/timer"
)

func newClientCmd() *cobra.Command {
	var (
		relayURL  string
		secret    string
		session   string
		lanMode   bool
		lanFormat string
		presets   string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a countdown client; press Enter to start the next preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(config.ConfigPath(configPath))
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("relay") {
				cfg.RelayURL = relayURL
			}
			if flags.Changed("secret") {
				cfg.RelaySecret = secret
			}
			if flags.Changed("session") {
				cfg.Session = session
			}
			if flags.Changed("lan") {
				cfg.LANEnabled = lanMode
			}
			if flags.Changed("lan-format") {
				cfg.LANFormat = lanFormat
			}
			if flags.Changed("presets") {
				list, err := config.ParseIntList(presets)
				if err != nil {
					return &config.Error{Field: "presets", Err: err}
				}
				cfg.Presets = list
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runClient(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay", "", "relay server URL (ws://, wss://, http:// or https://)")
	cmd.Flags().StringVar(&secret, "secret", "", "relay shared secret")
	cmd.Flags().StringVar(&session, "session", "", "relay session to join")
	cmd.Flags().BoolVar(&lanMode, "lan", true, "synchronize over LAN broadcast")
	cmd.Flags().StringVar(&lanFormat, "lan-format", "", "LAN datagram encoding (compact, msgpack, json)")
	cmd.Flags().StringVar(&presets, "presets", "", "comma-separated countdown presets in seconds")
	return cmd
}

func runClient(parent context.Context, cfg config.ClientConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	originID := uuid.New().String()
	clock := timer.NewRealClock()
	var opts []syncclient.Option

	if cfg.RelayURL != "" {
		endpoint, err := cfg.RelayEndpoint()
		if err != nil {
			return err
		}
		relayConfig := syncclient.DefaultRelayConfig()
		relayConfig.URL = endpoint
		relayConfig.Secret = cfg.RelaySecret
		relayConfig.OriginID = originID
		relayConfig.ReconnectMin = cfg.ReconnectMin
		relayConfig.ReconnectMax = cfg.ReconnectMax
		opts = append(opts, syncclient.WithRelay(syncclient.NewRelayConn(relayConfig, clock)))
	}

	if cfg.LANEnabled {
		broadcaster, err := lan.NewBroadcaster(cfg.LANTarget(), cfg.Format())
		if err != nil {
			log.Warn().Err(err).Msg("LAN broadcast unavailable")
		} else {
			defer broadcaster.Close()

			var events <-chan timer.Event
			listener, err := lan.Listen(cfg.LANListenAddr(), originID)
			if err != nil {
				log.Warn().Err(err).Msg("LAN listener unavailable, sending only")
			} else {
				defer listener.Close()
				events = listener.Events()
			}
			opts = append(opts, syncclient.WithLAN(broadcaster, events))
		}
	}

	client, err := syncclient.New(syncclient.Config{
		OriginID:     originID,
		Presets:      cfg.Presets,
		TickInterval: cfg.TickInterval,
	}, newConsoleDisplay(os.Stdout), clock, opts...)
	if err != nil {
		return err
	}

	log.Info().
		Str("origin_id", originID).
		Str("relay", cfg.RelayURL).
		Str("session", cfg.Session).
		Bool("lan", cfg.LANEnabled).
		Ints("presets", cfg.Presets).
		Msg("starting captimer client, press Enter to start a countdown")

	go func() {
		if err := readHotkeys(os.Stdin, client.OnHotkeyTriggered); err != nil {
			log.Warn().Err(err).Msg("stopped reading input")
		}
	}()

	return client.Run(ctx)
}
