package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/questora/server/internal/model"
)

// CodeRepo defines the interface for verification code operations
type CodeRepo interface {
	Create(ctx context.Context, email, code, purpose string, expiresAt time.Time) (model.VerificationCode, error)
	// Consume atomically marks consumed the single unconsumed, unexpired code
	// matching (email, code) exactly. Returns ErrNotFound when no such row
	// exists, which covers wrong, already-used and expired codes alike.
	Consume(ctx context.Context, email, code string) (model.VerificationCode, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type codeRepo struct {
	db *sql.DB
}

// NewCodeRepo creates a new CodeRepo instance
func NewCodeRepo(db *sql.DB) CodeRepo {
	return &codeRepo{db: db}
}

const codeColumns = `id, email, code, purpose, expires_at, consumed_at, created_at`

func scanCode(row rowScanner) (model.VerificationCode, error) {
	var c model.VerificationCode
	var idStr string
	var consumedAt sql.NullTime
	err := row.Scan(&idStr, &c.Email, &c.Code, &c.Purpose, &c.ExpiresAt, &consumedAt, &c.CreatedAt)
	if err != nil {
		return model.VerificationCode{}, err
	}
	c.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.VerificationCode{}, fmt.Errorf("parse code ID: %w", err)
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		c.ConsumedAt = &t
	}
	return c, nil
}

// Create inserts a new code. Prior unconsumed codes for the same email and
// purpose stay redeemable; disambiguation happens on the exact code value.
func (r *codeRepo) Create(ctx context.Context, email, code, purpose string, expiresAt time.Time) (model.VerificationCode, error) {
	query := `
		INSERT INTO verification_codes (email, code, purpose, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + codeColumns
	created, err := scanCode(r.db.QueryRowContext(ctx, query, email, code, purpose, expiresAt))
	if err != nil {
		return model.VerificationCode{}, fmt.Errorf("insert verification code: %w", err)
	}
	return created, nil
}

func (r *codeRepo) Consume(ctx context.Context, email, code string) (model.VerificationCode, error) {
	query := `
		UPDATE verification_codes
		SET consumed_at = now()
		WHERE id = (
			SELECT id FROM verification_codes
			WHERE lower(email) = lower($1)
			  AND code = $2
			  AND consumed_at IS NULL
			  AND expires_at > now()
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING ` + codeColumns
	consumed, err := scanCode(r.db.QueryRowContext(ctx, query, email, code))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.VerificationCode{}, fmt.Errorf("consume code: %w", ErrNotFound)
		}
		return model.VerificationCode{}, fmt.Errorf("consume code: %w", err)
	}
	return consumed, nil
}

// DeleteExpired removes consumed and expired codes. Called by the reaper.
func (r *codeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM verification_codes
		WHERE expires_at <= now() OR consumed_at IS NOT NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
