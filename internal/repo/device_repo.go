package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/questora/server/internal/model"
)

// DeviceRepo defines the interface for device record operations
type DeviceRepo interface {
	// Upsert records a login from the given device context: inserts on first
	// sight of (account, device), otherwise refreshes last_used_at and the
	// mutable context fields. The row becomes the account's current device.
	Upsert(ctx context.Context, accountID uuid.UUID, devCtx model.DeviceContext) (record model.DeviceRecord, created bool, err error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]model.DeviceRecord, error)
	SetTrusted(ctx context.Context, accountID, deviceRecordID uuid.UUID, trusted bool) error
	Rename(ctx context.Context, accountID, deviceRecordID uuid.UUID, name string) error
}

type deviceRepo struct {
	db *sql.DB
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db *sql.DB) DeviceRepo {
	return &deviceRepo{db: db}
}

const deviceColumns = `id, account_id, device_id, device_name, device_type, browser, os,
	screen, locale, city, country, ip, trusted, current, last_used_at, created_at`

func scanDevice(row rowScanner) (model.DeviceRecord, error) {
	var d model.DeviceRecord
	var idStr, accountIDStr string
	err := row.Scan(
		&idStr, &accountIDStr, &d.DeviceID, &d.DeviceName, &d.DeviceType,
		&d.Browser, &d.OS, &d.Screen, &d.Locale, &d.City, &d.Country, &d.IP,
		&d.Trusted, &d.Current, &d.LastUsedAt, &d.CreatedAt,
	)
	if err != nil {
		return model.DeviceRecord{}, err
	}
	d.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.DeviceRecord{}, fmt.Errorf("parse device ID: %w", err)
	}
	d.AccountID, err = uuid.Parse(accountIDStr)
	if err != nil {
		return model.DeviceRecord{}, fmt.Errorf("parse device account ID: %w", err)
	}
	return d, nil
}

func (r *deviceRepo) Upsert(ctx context.Context, accountID uuid.UUID, devCtx model.DeviceContext) (model.DeviceRecord, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DeviceRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Exactly one current device per account.
	if _, err := tx.ExecContext(ctx, `
		UPDATE device_records SET current = FALSE WHERE account_id = $1 AND current
	`, accountID); err != nil {
		return model.DeviceRecord{}, false, fmt.Errorf("clear current device: %w", err)
	}

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	query := `
		INSERT INTO device_records (
			account_id, device_id, device_name, device_type, browser, os,
			screen, locale, city, country, ip, current
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE)
		ON CONFLICT (account_id, device_id) DO UPDATE SET
			device_name = EXCLUDED.device_name,
			browser = EXCLUDED.browser,
			os = EXCLUDED.os,
			screen = EXCLUDED.screen,
			locale = EXCLUDED.locale,
			city = EXCLUDED.city,
			country = EXCLUDED.country,
			ip = EXCLUDED.ip,
			current = TRUE,
			last_used_at = now()
		RETURNING ` + deviceColumns + `, (xmax = 0) AS inserted`

	var d model.DeviceRecord
	var idStr, accountIDStr string
	var created bool
	err = tx.QueryRowContext(ctx, query,
		accountID, devCtx.DeviceID, devCtx.DeviceName, devCtx.DeviceType,
		devCtx.Browser, devCtx.OS, devCtx.Screen, devCtx.Locale,
		devCtx.City, devCtx.Country, devCtx.IP,
	).Scan(
		&idStr, &accountIDStr, &d.DeviceID, &d.DeviceName, &d.DeviceType,
		&d.Browser, &d.OS, &d.Screen, &d.Locale, &d.City, &d.Country, &d.IP,
		&d.Trusted, &d.Current, &d.LastUsedAt, &d.CreatedAt, &created,
	)
	if err != nil {
		return model.DeviceRecord{}, false, fmt.Errorf("upsert device: %w", err)
	}
	d.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.DeviceRecord{}, false, fmt.Errorf("parse device ID: %w", err)
	}
	d.AccountID, err = uuid.Parse(accountIDStr)
	if err != nil {
		return model.DeviceRecord{}, false, fmt.Errorf("parse device account ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.DeviceRecord{}, false, fmt.Errorf("commit: %w", err)
	}
	return d, created, nil
}

func (r *deviceRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]model.DeviceRecord, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM device_records
		WHERE account_id = $1
		ORDER BY last_used_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []model.DeviceRecord
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

func (r *deviceRepo) SetTrusted(ctx context.Context, accountID, deviceRecordID uuid.UUID, trusted bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_records SET trusted = $3 WHERE id = $2 AND account_id = $1
	`, accountID, deviceRecordID, trusted)
	if err != nil {
		return fmt.Errorf("set device trusted: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("set device trusted: %w", ErrNotFound)
	}
	return nil
}

func (r *deviceRepo) Rename(ctx context.Context, accountID, deviceRecordID uuid.UUID, name string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_records SET device_name = $3 WHERE id = $2 AND account_id = $1
	`, accountID, deviceRecordID, name)
	if err != nil {
		return fmt.Errorf("rename device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rename device: %w", ErrNotFound)
	}
	return nil
}
