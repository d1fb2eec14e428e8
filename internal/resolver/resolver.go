// Package resolver executes navigate commands on the display side: it picks
// or opens a target for the URL and produces the acknowledgement.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orderscan/screenlink/internal/dedupe"
	"github.com/orderscan/screenlink/internal/model"
)

// Failure reasons carried in failed acks.
const (
	ReasonExpired        = "expired"
	ReasonInvalidCommand = "invalid_command"
	ReasonTargetFailed   = "target_failed"
	ReasonInternal       = "internal_error"
	ReasonDuplicate      = "duplicate"
)

type Resolver struct {
	targets Targets
	seen    *dedupe.Cache
	now     func() time.Time
}

func New(targets Targets, seen *dedupe.Cache) *Resolver {
	return &Resolver{targets: targets, seen: seen, now: time.Now}
}

// Resolve runs a navigate command and always returns an ack for cmd.TxID,
// including when something panics along the way.
func (r *Resolver) Resolve(ctx context.Context, cmd model.NavigateCommand) (ack model.AckPayload) {
	logger := log.With().Str("txId", cmd.TxID).Str("jobNo", cmd.JobNo).Str("nonce", cmd.Nonce).Logger()

	registered := false
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("navigate handling panicked")
			if registered {
				r.seen.Remove(cmd.JobNo)
			}
			ack = r.failed(cmd, ReasonInternal)
		}
	}()

	if cmd.URL == "" || cmd.JobNo == "" {
		logger.Warn().Msg("navigate command missing url or jobNo")
		return r.failed(cmd, ReasonInvalidCommand)
	}

	if !r.now().Before(cmd.ExpiresAt()) {
		logger.Warn().Time("exp", cmd.ExpiresAt()).Msg("navigate command expired, not executing")
		return r.failed(cmd, ReasonExpired)
	}

	if r.seen.IsDuplicate(cmd.JobNo) {
		logger.Info().Msg("duplicate job skipped")
		ack = r.succeeded(cmd, "")
		ack.Reason = ReasonDuplicate
		return ack
	}
	registered = true

	target, err := r.resolveTarget(ctx, cmd.URL)
	if err != nil {
		// let a retry of this job execute again
		r.seen.Remove(cmd.JobNo)
		logger.Error().Err(err).Msg("failed to resolve target")
		return r.failed(cmd, ReasonTargetFailed)
	}

	if err := r.targets.Focus(ctx, target.ID); err != nil {
		logger.Warn().Err(err).Str("tabId", target.ID).Msg("failed to focus target")
	}

	logger.Info().Str("tabId", target.ID).Str("url", cmd.URL).Msg("navigate executed")
	return r.succeeded(cmd, target.ID)
}

// resolveTarget reuses an exact URL match, then the oldest target whose URL
// shares the command URL's base path, and otherwise creates a new target.
func (r *Resolver) resolveTarget(ctx context.Context, rawURL string) (Target, error) {
	targets, err := r.targets.List(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("list targets: %w", err)
	}
	sortTargets(targets)

	for _, t := range targets {
		if t.URL == rawURL {
			updated, err := r.targets.Update(ctx, t.ID, rawURL)
			if err != nil {
				return Target{}, fmt.Errorf("reload target %s: %w", t.ID, err)
			}
			return updated, nil
		}
	}

	if prefix := basePrefix(rawURL); prefix != "" {
		for _, t := range targets {
			if strings.HasPrefix(t.URL, prefix) {
				updated, err := r.targets.Update(ctx, t.ID, rawURL)
				if err != nil {
					return Target{}, fmt.Errorf("update target %s: %w", t.ID, err)
				}
				return updated, nil
			}
		}
	}

	created, err := r.targets.Create(ctx, rawURL)
	if err != nil {
		return Target{}, fmt.Errorf("create target: %w", err)
	}
	return created, nil
}

// basePrefix trims a URL to scheme, host and the path up to its last slash:
// http://h/orders/42?x=1 -> http://h/orders/
func basePrefix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	path := u.EscapedPath()
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[:i+1]
	} else {
		path = "/"
	}
	return u.Scheme + "://" + u.Host + path
}

func (r *Resolver) succeeded(cmd model.NavigateCommand, tabID string) model.AckPayload {
	return model.AckPayload{
		TxID:   cmd.TxID,
		Result: model.AckSuccess,
		TabID:  tabID,
		Nonce:  cmd.Nonce,
		TS:     r.now().UnixMilli(),
	}
}

func (r *Resolver) failed(cmd model.NavigateCommand, reason string) model.AckPayload {
	return model.AckPayload{
		TxID:   cmd.TxID,
		Result: model.AckFailed,
		Reason: reason,
		Nonce:  cmd.Nonce,
		TS:     r.now().UnixMilli(),
	}
}

// Sender writes an event back to the relay.
type Sender interface {
	Send(eventType string, data any) error
}

// NavigateHandler adapts the resolver to a socket event handler that answers
// every navigate event with an ack.
func (r *Resolver) NavigateHandler(sender Sender) func(ctx context.Context, data json.RawMessage) error {
	return func(ctx context.Context, data json.RawMessage) error {
		var cmd model.NavigateCommand
		var ack model.AckPayload
		if err := json.Unmarshal(data, &cmd); err != nil {
			// the txId may still be recoverable from a partially valid payload
			var probe struct {
				TxID string `json:"txId"`
			}
			_ = json.Unmarshal(data, &probe)
			if probe.TxID == "" {
				return fmt.Errorf("decode navigate: %w", err)
			}
			ack = r.failed(model.NavigateCommand{TxID: probe.TxID}, ReasonInvalidCommand)
		} else {
			ack = r.Resolve(ctx, cmd)
		}
		if ack.TxID == "" {
			return nil
		}
		return sender.Send(model.EventAck, ack)
	}
}

// CommandHandler acks generic commands; the headless agent only logs them.
func (r *Resolver) CommandHandler(sender Sender) func(ctx context.Context, data json.RawMessage) error {
	return func(ctx context.Context, data json.RawMessage) error {
		var cmd model.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		log.Info().Str("txId", cmd.TxID).Str("commandType", cmd.Type).Msg("command received")
		return sender.Send(model.EventAck, model.AckPayload{
			TxID:   cmd.TxID,
			Result: model.AckSuccess,
			Nonce:  cmd.Nonce,
			TS:     r.now().UnixMilli(),
		})
	}
}
