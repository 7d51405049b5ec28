package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/questora/server/internal/auth"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
)

const enrollmentTTL = 15 * time.Minute

// TOTPEnrollment is the begin-enrollment response: secret for manual entry
// plus the otpauth URI for QR scanning.
type TOTPEnrollment struct {
	Secret string
	URI    string
}

// totpEnrollment is the pending server-side half of an enrollment.
type totpEnrollment struct {
	secret    string
	method    string
	expiresAt time.Time
}

// SecurityService funnels all security-field mutations through one
// contract: the closed SecurityPatch, password change, and the two-factor
// enrollment sub-flow.
type SecurityService struct {
	accounts repo.AccountRepo
	hasher   auth.PasswordHasher
	mailer   notify.EmailSender
	activity *ActivityWriter
	issuer   string

	mu          sync.Mutex
	enrollments map[uuid.UUID]*totpEnrollment
}

// NewSecurityService creates a new SecurityService. issuer labels the
// otpauth provisioning URI.
func NewSecurityService(
	accounts repo.AccountRepo,
	hasher auth.PasswordHasher,
	mailer notify.EmailSender,
	activity *ActivityWriter,
	issuer string,
) *SecurityService {
	return &SecurityService{
		accounts:    accounts,
		hasher:      hasher,
		mailer:      mailer,
		activity:    activity,
		issuer:      issuer,
		enrollments: make(map[uuid.UUID]*totpEnrollment),
	}
}

// UpdateSecurity applies any subset of the security fields and emits a
// security_change audit entry. Unknown fields cannot reach the store: the
// patch type is closed.
func (s *SecurityService) UpdateSecurity(ctx context.Context, accountID uuid.UUID, patch repo.SecurityPatch, devCtx model.DeviceContext) error {
	if patch.Empty() {
		return fmt.Errorf("empty security patch: %w", ErrValidation)
	}
	if patch.TwoFactorMethod != nil {
		switch *patch.TwoFactorMethod {
		case model.TwoFactorTOTP, model.TwoFactorSMS, model.TwoFactorEmail, "":
		default:
			return fmt.Errorf("unknown two-factor method %q: %w", *patch.TwoFactorMethod, ErrValidation)
		}
	}
	if patch.LoginAlertCondition != nil {
		switch *patch.LoginAlertCondition {
		case model.AlertEveryLogin, model.AlertNewDevice:
		default:
			return fmt.Errorf("unknown login alert condition %q: %w", *patch.LoginAlertCondition, ErrValidation)
		}
	}

	if err := s.accounts.ApplySecurityPatch(ctx, accountID, patch); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("apply security patch: %w", err)
	}

	s.activity.Record(ctx, accountID, model.ActionSecurityChange,
		map[string]string{"fields": "security_preferences"}, devCtx, false)
	return nil
}

// ChangePassword verifies the current password before overwriting the
// digest, then notifies the account holder.
func (s *SecurityService) ChangePassword(ctx context.Context, accountID uuid.UUID, current, newPassword string, devCtx model.DeviceContext) error {
	if len(newPassword) < 8 {
		return fmt.Errorf("password must be at least 8 characters: %w", ErrValidation)
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load account: %w", err)
	}

	ok, err := s.hasher.Verify(current, account.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return ErrInvalidCredential
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.accounts.UpdatePassword(ctx, accountID, passwordHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	s.activity.Record(ctx, accountID, model.ActionPasswordChange,
		map[string]string{"method": "settings"}, devCtx, false)

	if account.PasswordChangeAlert {
		payload := notify.Payload{
			Kind:       notify.KindPasswordChanged,
			ToName:     account.FirstName,
			ToEmail:    account.Email,
			DeviceName: devCtx.DeviceName,
			IP:         devCtx.IP,
			Location:   devCtx.Location(),
			When:       time.Now(),
		}
		if err := s.mailer.Send(ctx, payload); err != nil {
			slog.Warn("password-changed email failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// BeginTOTPEnrollment generates the shared secret for the chosen method and
// stages the enrollment. Nothing is persisted until confirmation.
func (s *SecurityService) BeginTOTPEnrollment(ctx context.Context, accountID uuid.UUID, method string) (TOTPEnrollment, error) {
	switch method {
	case model.TwoFactorTOTP, model.TwoFactorSMS, model.TwoFactorEmail:
	default:
		return TOTPEnrollment{}, fmt.Errorf("unknown two-factor method %q: %w", method, ErrValidation)
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TOTPEnrollment{}, ErrNotFound
		}
		return TOTPEnrollment{}, fmt.Errorf("load account: %w", err)
	}

	secret, err := auth.GenerateTOTPSecret()
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("generate secret: %w", err)
	}

	s.mu.Lock()
	s.purgeEnrollmentsLocked()
	s.enrollments[accountID] = &totpEnrollment{
		secret:    secret,
		method:    method,
		expiresAt: time.Now().Add(enrollmentTTL),
	}
	s.mu.Unlock()

	return TOTPEnrollment{
		Secret: secret,
		URI:    auth.ProvisioningURI(secret, account.LoginID, s.issuer),
	}, nil
}

// ConfirmTOTPEnrollment checks the 6-digit confirmation code format,
// generates exactly 10 single-use backup codes (returned once, stored only
// as hashes) and enables two-factor with the staged method.
func (s *SecurityService) ConfirmTOTPEnrollment(ctx context.Context, accountID uuid.UUID, code string, devCtx model.DeviceContext) ([]string, error) {
	if !auth.ValidTOTPFormat(code) {
		return nil, ErrInvalidCredential
	}

	s.mu.Lock()
	enrollment, ok := s.enrollments[accountID]
	if ok && time.Now().After(enrollment.expiresAt) {
		delete(s.enrollments, accountID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending enrollment: %w", ErrNotFound)
	}

	backupCodes, err := auth.GenerateBackupCodes()
	if err != nil {
		return nil, fmt.Errorf("generate backup codes: %w", err)
	}
	hashes := make([]string, 0, len(backupCodes))
	for _, backupCode := range backupCodes {
		sum := sha256.Sum256([]byte(backupCode))
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	if err := s.accounts.ReplaceBackupCodes(ctx, accountID, hashes); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}

	enabled := true
	patch := repo.SecurityPatch{
		TwoFactorEnabled: &enabled,
		TwoFactorMethod:  &enrollment.method,
	}
	if err := s.accounts.ApplySecurityPatch(ctx, accountID, patch); err != nil {
		return nil, fmt.Errorf("enable two-factor: %w", err)
	}

	s.mu.Lock()
	delete(s.enrollments, accountID)
	s.mu.Unlock()

	s.activity.Record(ctx, accountID, model.ActionSecurityChange,
		map[string]string{"fields": "two_factor", "method": enrollment.method}, devCtx, false)

	return backupCodes, nil
}

// UpdateProfile applies the closed profile patch.
func (s *SecurityService) UpdateProfile(ctx context.Context, accountID uuid.UUID, patch repo.ProfilePatch, devCtx model.DeviceContext) error {
	if patch.Empty() {
		return fmt.Errorf("empty profile patch: %w", ErrValidation)
	}
	if err := s.accounts.ApplyProfilePatch(ctx, accountID, patch); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("apply profile patch: %w", err)
	}
	s.activity.Record(ctx, accountID, model.ActionProfileUpdate, nil, devCtx, false)
	return nil
}

func (s *SecurityService) purgeEnrollmentsLocked() {
	now := time.Now()
	for id, enrollment := range s.enrollments {
		if now.After(enrollment.expiresAt) {
			delete(s.enrollments, id)
		}
	}
}
