package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
)

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestSecurity_UpdateSecurity(t *testing.T) {
	h := newHarness(t)
	service := h.security()
	ctx := context.Background()
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	patch := repo.SecurityPatch{
		LoginAlertEmail:     boolPtr(true),
		LoginAlertCondition: strPtr(model.AlertNewDevice),
		PasswordChangeAlert: boolPtr(false),
	}
	require.NoError(t, service.UpdateSecurity(ctx, account.ID, patch, testDevCtx()))

	updated, err := h.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, updated.LoginAlertEmail)
	assert.Equal(t, model.AlertNewDevice, updated.LoginAlertCondition)
	assert.False(t, updated.PasswordChangeAlert)

	assert.Contains(t, h.activity.actions(account.ID), model.ActionSecurityChange)
}

func TestSecurity_UpdateSecurityValidation(t *testing.T) {
	h := newHarness(t)
	service := h.security()
	ctx := context.Background()
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	err := service.UpdateSecurity(ctx, account.ID, repo.SecurityPatch{}, testDevCtx())
	assert.ErrorIs(t, err, ErrValidation, "an empty patch is rejected")

	err = service.UpdateSecurity(ctx, account.ID, repo.SecurityPatch{
		TwoFactorMethod: strPtr("carrier_pigeon"),
	}, testDevCtx())
	assert.ErrorIs(t, err, ErrValidation)

	err = service.UpdateSecurity(ctx, account.ID, repo.SecurityPatch{
		LoginAlertCondition: strPtr("sometimes"),
	}, testDevCtx())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSecurity_ChangePassword(t *testing.T) {
	h := newHarness(t)
	service := h.security()
	ctx := context.Background()
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	require.NoError(t, service.ChangePassword(ctx, account.ID, "old-password-123", "new-password-456", testDevCtx()))

	updated, err := h.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	ok, err := h.hasher.Verify("new-password-456", updated.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, h.activity.actions(account.ID), model.ActionPasswordChange)
	assert.Contains(t, h.mailer.kinds(), notify.KindPasswordChanged, "the holder is notified when the alert is on")
}

func TestSecurity_ChangePasswordWrongCurrent(t *testing.T) {
	h := newHarness(t)
	service := h.security()
	ctx := context.Background()
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	err := service.ChangePassword(ctx, account.ID, "not-the-password", "new-password-456", testDevCtx())
	assert.ErrorIs(t, err, ErrInvalidCredential)

	updated, getErr := h.accounts.GetByID(ctx, account.ID)
	require.NoError(t, getErr)
	ok, _ := h.hasher.Verify("old-password-123", updated.PasswordHash)
	assert.True(t, ok, "the digest is untouched after a failed verification")
}

func TestSecurity_ChangePasswordTooShort(t *testing.T) {
	h := newHarness(t)
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")
	err := h.security().ChangePassword(context.Background(), account.ID, "old-password-123", "short", testDevCtx())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSecurity_TwoFactorEnrollment(t *testing.T) {
	h := newHarness(t)
	service := h.security()
	ctx := context.Background()
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	enrollment, err := service.BeginTOTPEnrollment(ctx, account.ID, model.TwoFactorTOTP)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.True(t, strings.HasPrefix(enrollment.URI, "otpauth://totp/"), enrollment.URI)
	assert.Contains(t, enrollment.URI, "jane_doe%40questora.app", "the URI labels the login id")

	// Nothing is enabled until confirmation.
	account, err = h.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, account.TwoFactorEnabled)

	backupCodes, err := service.ConfirmTOTPEnrollment(ctx, account.ID, "123456", testDevCtx())
	require.NoError(t, err)
	assert.Len(t, backupCodes, 10, "exactly ten backup codes, shown once")

	account, err = h.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, account.TwoFactorEnabled)
	assert.Equal(t, model.TwoFactorTOTP, account.TwoFactorMethod)

	stored := h.accounts.backupCodes[account.ID]
	require.Len(t, stored, 10)
	for i, hash := range stored {
		assert.NotEqual(t, backupCodes[i], hash, "only hashes are stored")
		assert.Len(t, hash, 64, "sha-256 hex digest")
	}
}

func TestSecurity_ConfirmWithoutPendingEnrollment(t *testing.T) {
	h := newHarness(t)
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	_, err := h.security().ConfirmTOTPEnrollment(context.Background(), account.ID, "123456", testDevCtx())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSecurity_ConfirmRejectsBadCodeFormat(t *testing.T) {
	h := newHarness(t)
	service := h.security()
	ctx := context.Background()
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	_, err := service.BeginTOTPEnrollment(ctx, account.ID, model.TwoFactorTOTP)
	require.NoError(t, err)

	_, err = service.ConfirmTOTPEnrollment(ctx, account.ID, "12345", testDevCtx())
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = service.ConfirmTOTPEnrollment(ctx, account.ID, "abcdef", testDevCtx())
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestSecurity_BeginRejectsUnknownMethod(t *testing.T) {
	h := newHarness(t)
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	_, err := h.security().BeginTOTPEnrollment(context.Background(), account.ID, "smoke_signals")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSecurity_UpdateProfile(t *testing.T) {
	h := newHarness(t)
	service := h.security()
	ctx := context.Background()
	account := seedAccount(t, h, "jane_doe", "jane@example.com", "")

	patch := repo.ProfilePatch{
		FirstName: strPtr("Janet"),
		Theme:     strPtr("dark"),
		Locale:    strPtr("de-DE"),
	}
	require.NoError(t, service.UpdateProfile(ctx, account.ID, patch, testDevCtx()))

	updated, err := h.accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Janet", updated.FirstName)
	assert.Equal(t, "dark", updated.Theme)
	assert.Equal(t, "de-DE", updated.Locale)
	assert.Equal(t, "Doe", updated.LastName, "unpatched fields stay put")

	assert.Contains(t, h.activity.actions(account.ID), model.ActionProfileUpdate)

	err = service.UpdateProfile(ctx, account.ID, repo.ProfilePatch{}, testDevCtx())
	assert.ErrorIs(t, err, ErrValidation)
}
