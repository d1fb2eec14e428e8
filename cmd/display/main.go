// Command display is the headless second-monitor agent. It keeps a socket to
// the relay and resolves navigate commands onto its tab registry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/apiclient"
	"github.com/orderscan/screenlink/internal/config"
	"github.com/orderscan/screenlink/internal/connection"
	"github.com/orderscan/screenlink/internal/dedupe"
	"github.com/orderscan/screenlink/internal/model"
	"github.com/orderscan/screenlink/internal/resolver"
)

func main() {
	sessionID := flag.String("session", "", "pairing session id to approve when SCREEN_TOKEN is unset")
	code := flag.String("code", "", "6-digit pairing code shown by the scanner")
	orgID := flag.String("org", "", "org id, when the session did not name one")
	lineID := flag.String("line", "", "line id, when the session did not name one")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	screenToken, screenID := cfg.ScreenToken, cfg.ScreenID
	if screenToken == "" {
		if *sessionID == "" || *code == "" {
			log.Fatal().Msg("SCREEN_TOKEN is not set: pass -session and -code to pair this screen")
		}
		approval, err := apiclient.New(cfg.ServerURL).Approve(ctx, model.ApproveParams{
			SessionID: *sessionID,
			Code:      *code,
			DeviceID:  deviceID,
			OrgID:     *orgID,
			LineID:    *lineID,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("pairing failed")
		}
		screenToken, screenID = approval.Token, approval.ScreenID
		log.Info().Str("screenId", screenID).Str("displayName", approval.DisplayName).Msg("screen paired")
		// stdout carries only the token so it can be captured into SCREEN_TOKEN
		fmt.Println(screenToken)
	}
	if screenID == "" {
		log.Fatal().Msg("SCREEN_ID is required with SCREEN_TOKEN")
	}

	targets := resolver.NewMemoryTargets()
	res := resolver.New(targets, dedupe.NewCache(cfg.DedupeWindow(), 0))

	client := connection.NewClient(connection.Options{
		URL:         cfg.WebSocketURL(),
		Token:       screenToken,
		DeviceID:    deviceID,
		ScreenID:    screenID,
		Role:        model.RoleDisplay,
		AuthTimeout: cfg.AuthTimeout(),
		Backoff: connection.Backoff{
			InitialDelay: cfg.ReconnectInitialDelay(),
			MaxDelay:     cfg.ReconnectMaxDelay(),
			Factor:       cfg.ReconnectBackoffFactor,
			MaxAttempts:  cfg.ReconnectMaxAttempts,
		},
	})
	client.Machine().OnStateChange(func(from, to connection.State) {
		log.Info().Str("from", string(from)).Str("to", string(to)).Msg("connection state changed")
	})
	client.Handle(model.EventNavigate, res.NavigateHandler(client))
	client.Handle(model.EventCommand, res.CommandHandler(client))
	client.Handle(model.EventPairingComplete, func(_ context.Context, data json.RawMessage) error {
		log.Info().RawJSON("data", data).Msg("pairing complete")
		return nil
	})

	log.Info().Str("screenId", screenID).Str("deviceId", deviceID).Msg("display agent starting")
	if err := client.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("display agent stopped")
	}
	log.Info().Int("tabs", targets.Len()).Msg("display agent stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
