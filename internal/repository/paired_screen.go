package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/orderscan/screenlink/internal/database"
	"github.com/orderscan/screenlink/internal/model"
)

type PairedScreenRepository interface {
	FindByChannelID(ctx context.Context, channelID string) (*model.PairedScreen, error)
	Upsert(ctx context.Context, params model.UpsertPairedScreenParams) (*model.PairedScreen, error)
	Touch(ctx context.Context, channelID string) error
	DeleteStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type pairedScreenRepo struct {
	db database.DBTX
}

func NewPairedScreenRepository(db database.DBTX) PairedScreenRepository {
	return &pairedScreenRepo{db: db}
}

// FindByChannelID returns nil without error when the channel was never paired.
func (r *pairedScreenRepo) FindByChannelID(ctx context.Context, channelID string) (*model.PairedScreen, error) {
	var s model.PairedScreen
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM paired_screens WHERE channel_id = $1
	`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert records an approval. Re-pairing a channel replaces the previous device.
func (r *pairedScreenRepo) Upsert(ctx context.Context, params model.UpsertPairedScreenParams) (*model.PairedScreen, error) {
	var s model.PairedScreen
	err := r.db.GetContext(ctx, &s, `
		INSERT INTO paired_screens (channel_id, session_id, device_id, approved_by, display_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			device_id = EXCLUDED.device_id,
			approved_by = EXCLUDED.approved_by,
			display_name = EXCLUDED.display_name,
			paired_at = NOW(),
			last_seen_at = NOW()
		RETURNING *
	`, params.ChannelID, params.SessionID, params.DeviceID, params.ApprovedBy, params.DisplayName)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pairedScreenRepo) Touch(ctx context.Context, channelID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE paired_screens SET last_seen_at = NOW() WHERE channel_id = $1
	`, channelID)
	return err
}

func (r *pairedScreenRepo) DeleteStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM paired_screens WHERE last_seen_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
