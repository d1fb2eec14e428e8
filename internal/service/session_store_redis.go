package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orderscan/screenlink/internal/model"
	redisclient "github.com/orderscan/screenlink/internal/redis"
)

const maxTransitionRetries = 5

// RedisSessionStore shares pairing sessions between server instances. Keys
// live for the session TTL plus the grace period, so eviction is Redis' job.
type RedisSessionStore struct {
	client *redis.Client
	grace  time.Duration
	now    func() time.Time
}

func NewRedisSessionStore(client *redis.Client, grace time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, grace: grace, now: time.Now}
}

func (r *RedisSessionStore) Create(ctx context.Context, s *model.PairingSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := s.ExpiresAt.Sub(r.now()) + r.grace
	if ttl <= 0 {
		ttl = r.grace
	}
	if err := r.client.Set(ctx, redisclient.PairingSessionKey(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, sessionID string) (*model.PairingSession, error) {
	data, err := r.client.Get(ctx, redisclient.PairingSessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s model.PairingSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Transition runs fn under WATCH/MULTI and retries when another writer wins the race.
func (r *RedisSessionStore) Transition(ctx context.Context, sessionID string, fn SessionMutator) (*model.PairingSession, error) {
	key := redisclient.PairingSessionKey(sessionID)

	var (
		result *model.PairingSession
		fnErr  error
	)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		var s model.PairingSession
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}

		persist, err := fn(&s)
		result, fnErr = &s, err
		if !persist {
			return nil
		}

		updated, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTransitionRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, fnErr
	}
	return nil, fmt.Errorf("transition session %s: too much contention", sessionID)
}

// DeleteExpired is a no-op: keys carry their own TTL.
func (r *RedisSessionStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
