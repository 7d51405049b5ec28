package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/questora/server/internal/model"
)

// DraftRepo defines the interface for staged registration operations
type DraftRepo interface {
	// Upsert stages a draft, replacing any previous draft for the same email.
	Upsert(ctx context.Context, draft model.DraftRegistration) (model.DraftRegistration, error)
	// GetByEmail returns the unexpired draft for the email, or ErrNotFound.
	GetByEmail(ctx context.Context, email string) (model.DraftRegistration, error)
	DeleteByEmail(ctx context.Context, email string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

type draftRepo struct {
	db *sql.DB
}

// NewDraftRepo creates a new DraftRepo instance
func NewDraftRepo(db *sql.DB) DraftRepo {
	return &draftRepo{db: db}
}

const draftColumns = `id, handle, login_id, password_hash, first_name, last_name,
	email, phone, date_of_birth, gender, country, address, created_at, expires_at`

func scanDraft(row rowScanner) (model.DraftRegistration, error) {
	var d model.DraftRegistration
	var idStr string
	var dob sql.NullTime
	err := row.Scan(
		&idStr, &d.Handle, &d.LoginID, &d.PasswordHash, &d.FirstName, &d.LastName,
		&d.Email, &d.Phone, &dob, &d.Gender, &d.Country, &d.Address,
		&d.CreatedAt, &d.ExpiresAt,
	)
	if err != nil {
		return model.DraftRegistration{}, err
	}
	d.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.DraftRegistration{}, fmt.Errorf("parse draft ID: %w", err)
	}
	if dob.Valid {
		t := dob.Time
		d.DateOfBirth = &t
	}
	return d, nil
}

func (r *draftRepo) Upsert(ctx context.Context, draft model.DraftRegistration) (model.DraftRegistration, error) {
	query := `
		INSERT INTO draft_registrations (
			handle, login_id, password_hash, first_name, last_name,
			email, phone, date_of_birth, gender, country, address, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (lower(email)) DO UPDATE SET
			handle = EXCLUDED.handle,
			login_id = EXCLUDED.login_id,
			password_hash = EXCLUDED.password_hash,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			phone = EXCLUDED.phone,
			date_of_birth = EXCLUDED.date_of_birth,
			gender = EXCLUDED.gender,
			country = EXCLUDED.country,
			address = EXCLUDED.address,
			created_at = now(),
			expires_at = EXCLUDED.expires_at
		RETURNING ` + draftColumns
	row := r.db.QueryRowContext(ctx, query,
		draft.Handle, draft.LoginID, draft.PasswordHash,
		draft.FirstName, draft.LastName,
		draft.Email, draft.Phone, draft.DateOfBirth, draft.Gender,
		draft.Country, draft.Address, draft.ExpiresAt,
	)
	staged, err := scanDraft(row)
	if err != nil {
		return model.DraftRegistration{}, fmt.Errorf("upsert draft: %w", err)
	}
	return staged, nil
}

func (r *draftRepo) GetByEmail(ctx context.Context, email string) (model.DraftRegistration, error) {
	query := `
		SELECT ` + draftColumns + `
		FROM draft_registrations
		WHERE lower(email) = lower($1) AND expires_at > now()
	`
	draft, err := scanDraft(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.DraftRegistration{}, fmt.Errorf("draft by email: %w", ErrNotFound)
		}
		return model.DraftRegistration{}, fmt.Errorf("query draft: %w", err)
	}
	return draft, nil
}

func (r *draftRepo) DeleteByEmail(ctx context.Context, email string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM draft_registrations WHERE lower(email) = lower($1)
	`, email)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("delete draft: %w", ErrNotFound)
	}
	return nil
}

// DeleteExpired removes drafts past their TTL. Called by the reaper.
func (r *draftRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM draft_registrations WHERE expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired drafts: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
