package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/questora/server/internal/model"
)

// SecurityPatch is the closed set of security fields updatable in one call.
// Nil fields are left untouched.
type SecurityPatch struct {
	TwoFactorEnabled    *bool
	TwoFactorMethod     *string
	LoginAlertEmail     *bool
	LoginAlertSMS       *bool
	LoginAlertPush      *bool
	LoginAlertCondition *string
	PasswordChangeAlert *bool
	EmailChangeAlert    *bool
	PhoneChangeAlert    *bool
}

// Empty reports whether the patch changes nothing.
func (p SecurityPatch) Empty() bool {
	return p.TwoFactorEnabled == nil && p.TwoFactorMethod == nil &&
		p.LoginAlertEmail == nil && p.LoginAlertSMS == nil && p.LoginAlertPush == nil &&
		p.LoginAlertCondition == nil && p.PasswordChangeAlert == nil &&
		p.EmailChangeAlert == nil && p.PhoneChangeAlert == nil
}

// ProfilePatch is the closed set of profile fields updatable in one call.
type ProfilePatch struct {
	FirstName *string
	LastName  *string
	Country   *string
	Address   *string
	Theme     *string
	Locale    *string
}

// Empty reports whether the patch changes nothing.
func (p ProfilePatch) Empty() bool {
	return p.FirstName == nil && p.LastName == nil && p.Country == nil &&
		p.Address == nil && p.Theme == nil && p.Locale == nil
}

// AccountRepo defines the interface for account repository operations
type AccountRepo interface {
	Create(ctx context.Context, account model.Account) (model.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Account, error)
	GetByEmail(ctx context.Context, email string) (model.Account, error)
	// ResolveIdentifier matches the free-text identifier against handle,
	// login id, email (all case-insensitive) and phone (exact), returning
	// the union de-duplicated by id.
	ResolveIdentifier(ctx context.Context, identifier string) ([]model.Account, error)
	CountByPhone(ctx context.Context, phone string) (int, error)
	HandleOrEmailTaken(ctx context.Context, handle, email string) (handleTaken, emailTaken bool, err error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	ApplySecurityPatch(ctx context.Context, id uuid.UUID, patch SecurityPatch) error
	ApplyProfilePatch(ctx context.Context, id uuid.UUID, patch ProfilePatch) error
	ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codeHashes []string) error
}

type accountRepo struct {
	db *sql.DB
}

// NewAccountRepo creates a new AccountRepo instance
func NewAccountRepo(db *sql.DB) AccountRepo {
	return &accountRepo{db: db}
}

const accountColumns = `id, handle, login_id, password_hash, first_name, last_name,
	email, phone, country, address, date_of_birth, gender,
	email_verified, phone_verified, status,
	two_factor_enabled, two_factor_method,
	login_alert_email, login_alert_sms, login_alert_push, login_alert_condition,
	password_change_alert, email_change_alert, phone_change_alert,
	theme, locale, attributes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (model.Account, error) {
	var a model.Account
	var idStr string
	var dob sql.NullTime
	err := row.Scan(
		&idStr, &a.Handle, &a.LoginID, &a.PasswordHash, &a.FirstName, &a.LastName,
		&a.Email, &a.Phone, &a.Country, &a.Address, &dob, &a.Gender,
		&a.EmailVerified, &a.PhoneVerified, &a.Status,
		&a.TwoFactorEnabled, &a.TwoFactorMethod,
		&a.LoginAlertEmail, &a.LoginAlertSMS, &a.LoginAlertPush, &a.LoginAlertCondition,
		&a.PasswordChangeAlert, &a.EmailChangeAlert, &a.PhoneChangeAlert,
		&a.Theme, &a.Locale, &a.Attributes, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, err
	}
	a.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Account{}, fmt.Errorf("parse account ID: %w", err)
	}
	if dob.Valid {
		t := dob.Time
		a.DateOfBirth = &t
	}
	return a, nil
}

// Create inserts a new account. The unique indexes on handle, login_id and
// email are the authoritative guard; violations map to ErrDuplicate.
func (r *accountRepo) Create(ctx context.Context, account model.Account) (model.Account, error) {
	attributes := account.Attributes
	if len(attributes) == 0 {
		attributes = []byte("{}")
	}
	query := `
		INSERT INTO accounts (
			handle, login_id, password_hash, first_name, last_name,
			email, phone, country, address, date_of_birth, gender,
			email_verified, phone_verified, status,
			login_alert_condition, theme, locale, attributes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING ` + accountColumns
	row := r.db.QueryRowContext(ctx, query,
		account.Handle, account.LoginID, account.PasswordHash,
		account.FirstName, account.LastName,
		account.Email, account.Phone, account.Country, account.Address,
		account.DateOfBirth, account.Gender,
		account.EmailVerified, account.PhoneVerified, orDefault(account.Status, model.StatusActive),
		orDefault(account.LoginAlertCondition, model.AlertNewDevice),
		orDefault(account.Theme, "system"), orDefault(account.Locale, "en"),
		attributes,
	)
	created, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Account{}, fmt.Errorf("insert account: %w", ErrDuplicate)
		}
		return model.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return created, nil
}

// GetByID retrieves an account by ID
func (r *accountRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("query account: %w", err)
	}
	return account, nil
}

// GetByEmail retrieves an account by recovery email (case-insensitive)
func (r *accountRepo) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE lower(email) = lower($1)`
	account, err := scanAccount(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Account{}, fmt.Errorf("account by email: %w", ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("query account by email: %w", err)
	}
	return account, nil
}

func (r *accountRepo) ResolveIdentifier(ctx context.Context, identifier string) ([]model.Account, error) {
	identifier = strings.TrimSpace(identifier)
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE lower(handle) = lower($1)
		   OR lower(login_id) = lower($1)
		   OR lower(email) = lower($1)
		   OR phone = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, identifier)
	if err != nil {
		return nil, fmt.Errorf("resolve identifier: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

// CountByPhone counts accounts sharing a phone number (per-phone account cap).
func (r *accountRepo) CountByPhone(ctx context.Context, phone string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE phone = $1 AND phone <> ''`, phone,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count accounts by phone: %w", err)
	}
	return count, nil
}

// HandleOrEmailTaken is the advisory uniqueness pre-check used by registration.
func (r *accountRepo) HandleOrEmailTaken(ctx context.Context, handle, email string) (bool, bool, error) {
	var handleTaken, emailTaken bool
	err := r.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM accounts WHERE lower(handle) = lower($1)),
			EXISTS (SELECT 1 FROM accounts WHERE lower(email) = lower($2))
	`, handle, email).Scan(&handleTaken, &emailTaken)
	if err != nil {
		return false, false, fmt.Errorf("check handle/email: %w", err)
	}
	return handleTaken, emailTaken, nil
}

// UpdatePassword overwrites the password digest in a single-row update.
func (r *accountRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update password: %w", ErrNotFound)
	}
	return nil
}

// ApplySecurityPatch writes only the patched security columns.
func (r *accountRepo) ApplySecurityPatch(ctx context.Context, id uuid.UUID, patch SecurityPatch) error {
	sets := []string{}
	args := []interface{}{id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.TwoFactorEnabled != nil {
		add("two_factor_enabled", *patch.TwoFactorEnabled)
	}
	if patch.TwoFactorMethod != nil {
		add("two_factor_method", *patch.TwoFactorMethod)
	}
	if patch.LoginAlertEmail != nil {
		add("login_alert_email", *patch.LoginAlertEmail)
	}
	if patch.LoginAlertSMS != nil {
		add("login_alert_sms", *patch.LoginAlertSMS)
	}
	if patch.LoginAlertPush != nil {
		add("login_alert_push", *patch.LoginAlertPush)
	}
	if patch.LoginAlertCondition != nil {
		add("login_alert_condition", *patch.LoginAlertCondition)
	}
	if patch.PasswordChangeAlert != nil {
		add("password_change_alert", *patch.PasswordChangeAlert)
	}
	if patch.EmailChangeAlert != nil {
		add("email_change_alert", *patch.EmailChangeAlert)
	}
	if patch.PhoneChangeAlert != nil {
		add("phone_change_alert", *patch.PhoneChangeAlert)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf("UPDATE accounts SET %s WHERE id = $1", strings.Join(sets, ", "))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply security patch: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("apply security patch: %w", ErrNotFound)
	}
	return nil
}

// ApplyProfilePatch writes only the patched profile columns.
func (r *accountRepo) ApplyProfilePatch(ctx context.Context, id uuid.UUID, patch ProfilePatch) error {
	sets := []string{}
	args := []interface{}{id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.FirstName != nil {
		add("first_name", *patch.FirstName)
	}
	if patch.LastName != nil {
		add("last_name", *patch.LastName)
	}
	if patch.Country != nil {
		add("country", *patch.Country)
	}
	if patch.Address != nil {
		add("address", *patch.Address)
	}
	if patch.Theme != nil {
		add("theme", *patch.Theme)
	}
	if patch.Locale != nil {
		add("locale", *patch.Locale)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf("UPDATE accounts SET %s WHERE id = $1", strings.Join(sets, ", "))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("apply profile patch: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("apply profile patch: %w", ErrNotFound)
	}
	return nil
}

// ReplaceBackupCodes atomically replaces all backup codes for an account.
func (r *accountRepo) ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codeHashes []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	for _, hash := range codeHashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backup_codes (account_id, code_hash) VALUES ($1, $2)
		`, id, hash); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
