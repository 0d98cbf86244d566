package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const deviceColumns = `id, token, platform, active, last_notified_at, created_at, updated_at`

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	if err := row.Scan(&d.ID, &d.Token, &d.Platform, &d.Active, &d.LastNotifiedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetOrCreateDevice returns the device registered under token, registering
// it with platform if it does not exist yet. An existing device keeps its
// platform and active flag. created reports whether a row was inserted.
func (r *Repository) GetOrCreateDevice(ctx context.Context, token string, platform Platform) (*Device, bool, error) {
	if !platform.Valid() {
		platform = PlatformIOS
	}

	// The no-op DO UPDATE makes RETURNING yield the existing row; xmax is
	// zero only for freshly inserted tuples.
	query := `
		INSERT INTO devices (token, platform)
		VALUES ($1, $2)
		ON CONFLICT (token) DO UPDATE SET token = EXCLUDED.token
		RETURNING ` + deviceColumns + `, (xmax = 0) AS inserted`

	var (
		d        Device
		inserted bool
	)
	err := r.db.Pool().QueryRow(ctx, query, token, platform).Scan(
		&d.ID, &d.Token, &d.Platform, &d.Active, &d.LastNotifiedAt, &d.CreatedAt, &d.UpdatedAt,
		&inserted,
	)
	if err != nil {
		r.logger.Error("failed to get or create device", zap.Error(err))
		return nil, false, fmt.Errorf("upsert device: %w", err)
	}

	if inserted {
		r.logger.Info("device registered",
			zap.String("device_id", d.ID.String()),
			zap.String("platform", string(d.Platform)),
		)
	}
	return &d, inserted, nil
}

// GetDevice loads a device by token.
func (r *Repository) GetDevice(ctx context.Context, token string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE token = $1`

	d, err := scanDevice(r.db.Pool().QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

// DeactivateDevice marks the device registered under token inactive.
// Deactivating an already inactive device is a no-op.
func (r *Repository) DeactivateDevice(ctx context.Context, token string) error {
	query := `UPDATE devices SET active = FALSE, updated_at = NOW() WHERE token = $1`

	result, err := r.db.Pool().Exec(ctx, query, token)
	if err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("device: %w", ErrNotFound)
	}
	return nil
}

// applyDeviceChange updates the device a job was created for. Jobs without
// a device reference leave every device untouched, even one registered later
// under the same token.
func applyDeviceChange(ctx context.Context, tx pgx.Tx, deviceID *uuid.UUID, change *DeviceChange) error {
	if deviceID == nil {
		return nil
	}
	if change.Deactivate {
		if _, err := tx.Exec(ctx,
			`UPDATE devices SET active = FALSE, updated_at = NOW() WHERE id = $1`,
			*deviceID,
		); err != nil {
			return fmt.Errorf("deactivate device: %w", err)
		}
	}
	if change.NotifiedAt != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE devices SET last_notified_at = $1, updated_at = NOW() WHERE id = $2`,
			*change.NotifiedAt, *deviceID,
		); err != nil {
			return fmt.Errorf("touch device: %w", err)
		}
	}
	return nil
}
