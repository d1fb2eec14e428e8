// Command scanner pairs with a display and forwards scanned order numbers,
// one per line on stdin, as scanOrder events.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/apiclient"
	"github.com/orderscan/screenlink/internal/config"
	"github.com/orderscan/screenlink/internal/connection"
	"github.com/orderscan/screenlink/internal/model"
)

const pollWait = 25 * time.Second

func main() {
	orgID := flag.String("org", "", "org id for the pairing session")
	lineID := flag.String("line", "", "line id for the pairing session")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.LogLevel == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controllerToken, screenID := cfg.ScreenToken, cfg.ScreenID
	if controllerToken == "" {
		controllerToken, screenID, err = pair(ctx, apiclient.New(cfg.ServerURL), *orgID, *lineID)
		if err != nil {
			log.Fatal().Err(err).Msg("pairing failed")
		}
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	client := connection.NewClient(connection.Options{
		URL:         cfg.WebSocketURL(),
		Token:       controllerToken,
		DeviceID:    deviceID,
		ScreenID:    screenID,
		Role:        model.RoleController,
		AuthTimeout: cfg.AuthTimeout(),
		Backoff: connection.Backoff{
			InitialDelay: cfg.ReconnectInitialDelay(),
			MaxDelay:     cfg.ReconnectMaxDelay(),
			Factor:       cfg.ReconnectBackoffFactor,
			MaxAttempts:  cfg.ReconnectMaxAttempts,
		},
	})
	client.Handle(model.EventCommandStatus, func(_ context.Context, data json.RawMessage) error {
		var st model.CommandStatusPayload
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		if st.Delivered {
			log.Info().Str("orderNo", st.OrderNo).Str("tabId", st.TabID).Int("attempts", st.Attempts).Msg("order shown")
		} else {
			log.Warn().Str("orderNo", st.OrderNo).Str("reason", st.Reason).Int("attempts", st.Attempts).Msg("order not shown")
		}
		return nil
	})
	client.Handle(model.EventError, func(_ context.Context, data json.RawMessage) error {
		log.Warn().RawJSON("data", data).Msg("relay error")
		return nil
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case err := <-runErr:
			if err != nil {
				log.Fatal().Err(err).Msg("connection lost")
			}
			return
		case line, ok := <-lines:
			if !ok {
				stop()
				client.Close()
				<-runErr
				return
			}
			orderNo := strings.TrimSpace(line)
			if orderNo == "" {
				continue
			}
			err := client.Send(model.EventScanOrder, model.ScanOrderPayload{
				OrderNo: orderNo,
				TS:      time.Now().UnixMilli(),
				Nonce:   uuid.NewString(),
			})
			if errors.Is(err, connection.ErrNotConnected) {
				log.Warn().Str("orderNo", orderNo).Msg("not connected, scan dropped")
			} else if err != nil {
				log.Error().Err(err).Str("orderNo", orderNo).Msg("failed to send scan")
			}
		}
	}
}

// pair creates a session, prints its QR payload on stdout and waits for a
// display to approve it.
func pair(ctx context.Context, api *apiclient.Client, orgID, lineID string) (string, string, error) {
	sess, err := api.CreateSession(ctx, model.CreateSessionParams{OrgID: orgID, LineID: lineID, Purpose: "scanner"})
	if err != nil {
		return "", "", err
	}
	if err := json.NewEncoder(os.Stdout).Encode(sess.QRPayload); err != nil {
		return "", "", err
	}
	log.Info().Str("sessionId", sess.SessionID).Str("code", sess.Code).Int("expiresIn", sess.ExpiresIn).Msg("waiting for approval")

	for {
		res, err := api.Poll(ctx, sess.SessionID, pollWait)
		if err != nil {
			return "", "", err
		}
		if res.OK {
			log.Info().Str("screenId", res.ScreenID).Msg("paired")
			return res.Token, res.ScreenID, nil
		}
		if res.Reason != model.PollReasonTimeout {
			return "", "", fmt.Errorf("pairing session %s", res.Reason)
		}
	}
}
