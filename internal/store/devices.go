package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertDevice registers a push device, replacing any prior registration
// for the same token.
func (s *Store) UpsertDevice(ctx context.Context, device *Device) error {
	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (token, platform, bundle, environment, thread_scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			platform = excluded.platform,
			bundle = excluded.bundle,
			environment = excluded.environment,
			thread_scope = excluded.thread_scope,
			updated_at = excluded.updated_at`,
		device.Token, device.Platform, device.Bundle, device.Environment,
		device.ThreadScope, device.CreatedAt, device.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// DeleteDevice removes a registration. Deleting an unknown token is not an
// error; unregister is idempotent.
func (s *Store) DeleteDevice(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// ListDevices returns every registered device.
func (s *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	err := s.ro.SelectContext(ctx, &devices, `
		SELECT token, platform, bundle, environment, thread_scope, created_at, updated_at
		FROM devices ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}
