package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/questora/server/internal/auth"
	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
)

// Manager maintains the current identity and the multi-account roster for
// each device, and is the only writer of the session Store.
type Manager struct {
	accounts repo.AccountRepo
	devices  repo.DeviceRepo
	activity *identity.ActivityWriter
	hasher   auth.PasswordHasher
	guard    *auth.Guard
	jwt      *auth.JWTService
	mailer   notify.EmailSender
	store    Store
}

// NewManager creates a new session Manager.
func NewManager(
	accounts repo.AccountRepo,
	devices repo.DeviceRepo,
	activity *identity.ActivityWriter,
	hasher auth.PasswordHasher,
	guard *auth.Guard,
	jwt *auth.JWTService,
	mailer notify.EmailSender,
	store Store,
) *Manager {
	return &Manager{
		accounts: accounts,
		devices:  devices,
		activity: activity,
		hasher:   hasher,
		guard:    guard,
		jwt:      jwt,
		mailer:   mailer,
		store:    store,
	}
}

// Login authenticates the identifier/password pair, records the device,
// audits the login, makes the account the device's active identity and
// returns it with a fresh access token.
func (m *Manager) Login(ctx context.Context, identifier, password string, devCtx model.DeviceContext) (model.Account, string, error) {
	accounts, err := m.accounts.ResolveIdentifier(ctx, identifier)
	if err != nil {
		return model.Account{}, "", fmt.Errorf("resolve identifier: %w", err)
	}
	switch {
	case len(accounts) == 0:
		return model.Account{}, "", identity.ErrInvalidCredential
	case len(accounts) > 1:
		return model.Account{}, "", identity.ErrAmbiguousIdentifier
	}
	account := accounts[0]

	if account.Status != model.StatusActive {
		return model.Account{}, "", identity.ErrAccountDisabled
	}

	locked, err := m.guard.IsLocked(ctx, account.ID.String())
	if err != nil {
		return model.Account{}, "", fmt.Errorf("check lockout: %w", err)
	}
	if locked {
		return model.Account{}, "", identity.ErrAccountLocked
	}

	ok, err := m.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		return model.Account{}, "", fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		nowLocked, lockErr := m.guard.RecordLoginFailure(ctx, account.ID.String())
		if lockErr != nil {
			slog.Error("record login failure", slog.String("error", lockErr.Error()))
		}
		m.activity.Record(ctx, account.ID, model.ActionFailedLogin,
			map[string]string{"reason": "wrong_password"}, devCtx, true)
		if nowLocked {
			return model.Account{}, "", identity.ErrAccountLocked
		}
		return model.Account{}, "", identity.ErrInvalidCredential
	}

	if err := m.guard.ClearLoginFailures(ctx, account.ID.String()); err != nil {
		slog.Error("clear login failures", slog.String("error", err.Error()))
	}

	record, created, err := m.devices.Upsert(ctx, account.ID, devCtx)
	if err != nil {
		return model.Account{}, "", fmt.Errorf("record device: %w", err)
	}

	m.activity.Record(ctx, account.ID, model.ActionLogin,
		map[string]string{"method": "password"}, devCtx, false)

	if err := m.activate(devCtx.DeviceID, account); err != nil {
		return model.Account{}, "", err
	}

	m.sendLoginAlert(ctx, account, record, created, devCtx)

	token, err := m.jwt.SignAccessToken(account.ID, account.Handle, devCtx.DeviceID)
	if err != nil {
		return model.Account{}, "", fmt.Errorf("sign access token: %w", err)
	}
	return account, token, nil
}

// Lookup resolves the sign-in identifier ahead of the password prompt. It
// succeeds only when exactly one active account matches.
func (m *Manager) Lookup(ctx context.Context, identifier string) (model.Account, error) {
	if identifier == "" {
		return model.Account{}, fmt.Errorf("identifier is required: %w", identity.ErrValidation)
	}
	accounts, err := m.accounts.ResolveIdentifier(ctx, identifier)
	if err != nil {
		return model.Account{}, fmt.Errorf("resolve identifier: %w", err)
	}
	switch {
	case len(accounts) == 0:
		return model.Account{}, identity.ErrNotFound
	case len(accounts) > 1:
		return model.Account{}, identity.ErrAmbiguousIdentifier
	}
	if accounts[0].Status != model.StatusActive {
		return model.Account{}, identity.ErrAccountDisabled
	}
	return accounts[0], nil
}

// SwitchTo changes the device's active identity. Switching to the already
// active account is a no-op. The target is always re-fetched from the
// store rather than trusted from the cached roster summary.
func (m *Manager) SwitchTo(ctx context.Context, deviceID string, accountID uuid.UUID, devCtx model.DeviceContext) (model.Account, string, error) {
	state, err := m.store.Load(deviceID)
	if err != nil {
		return model.Account{}, "", fmt.Errorf("load session state: %w", err)
	}

	if state.Current != nil && state.Current.ID == accountID {
		account, err := m.accounts.GetByID(ctx, accountID)
		if err != nil {
			return model.Account{}, "", fmt.Errorf("load account: %w", err)
		}
		token, err := m.jwt.SignAccessToken(account.ID, account.Handle, deviceID)
		if err != nil {
			return model.Account{}, "", fmt.Errorf("sign access token: %w", err)
		}
		return account, token, nil
	}

	account, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Account{}, "", identity.ErrNotFound
		}
		return model.Account{}, "", fmt.Errorf("load account: %w", err)
	}
	if account.Status != model.StatusActive {
		return model.Account{}, "", identity.ErrAccountDisabled
	}

	// Only a switch that will actually happen ends the current session.
	if state.Current != nil {
		m.activity.Record(ctx, state.Current.ID, model.ActionLogout,
			map[string]string{"reason": "account_switch"}, devCtx, false)
	}

	if err := m.activate(deviceID, account); err != nil {
		return model.Account{}, "", err
	}

	m.activity.Record(ctx, account.ID, model.ActionLogin,
		map[string]string{"method": "account_switch"}, devCtx, false)

	token, err := m.jwt.SignAccessToken(account.ID, account.Handle, deviceID)
	if err != nil {
		return model.Account{}, "", fmt.Errorf("sign access token: %w", err)
	}
	return account, token, nil
}

// SignOutAll emits a final logout for the current identity and wipes the
// device's entire identity set.
func (m *Manager) SignOutAll(ctx context.Context, deviceID string, devCtx model.DeviceContext) error {
	state, err := m.store.Load(deviceID)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if state.Current != nil {
		m.activity.Record(ctx, state.Current.ID, model.ActionLogout,
			map[string]string{"reason": "sign_out_all"}, devCtx, false)
	}
	if err := m.store.Clear(deviceID); err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	return nil
}

// Roster returns the device's identity set for the account switcher.
func (m *Manager) Roster(deviceID string) (State, error) {
	state, err := m.store.Load(deviceID)
	if err != nil {
		return State{}, fmt.Errorf("load session state: %w", err)
	}
	return state, nil
}

// Establish activates an account on a device without a password check.
// Used after registration and password reset, where the flow itself just
// proved control of the account.
func (m *Manager) Establish(ctx context.Context, account model.Account, devCtx model.DeviceContext) (string, error) {
	if _, _, err := m.devices.Upsert(ctx, account.ID, devCtx); err != nil {
		return "", fmt.Errorf("record device: %w", err)
	}
	if err := m.activate(devCtx.DeviceID, account); err != nil {
		return "", err
	}
	token, err := m.jwt.SignAccessToken(account.ID, account.Handle, devCtx.DeviceID)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

func (m *Manager) activate(deviceID string, account model.Account) error {
	state, err := m.store.Load(deviceID)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	state.setActive(AccountSummary{
		ID:     account.ID,
		Handle: account.Handle,
		Name:   account.FullName(),
		Email:  account.Email,
	}, time.Now())
	if err := m.store.Save(deviceID, state); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

// sendLoginAlert honors the per-channel login notification preferences.
// Alert failures never fail the login.
func (m *Manager) sendLoginAlert(ctx context.Context, account model.Account, record model.DeviceRecord, newDevice bool, devCtx model.DeviceContext) {
	if !account.LoginAlertEmail {
		return
	}
	if account.LoginAlertCondition == model.AlertNewDevice && !newDevice {
		return
	}
	payload := notify.Payload{
		Kind:       notify.KindLoginAlert,
		ToName:     account.FirstName,
		ToEmail:    account.Email,
		DeviceName: record.DeviceName,
		IP:         devCtx.IP,
		Location:   devCtx.Location(),
		When:       time.Now(),
	}
	if err := m.mailer.Send(ctx, payload); err != nil {
		slog.Warn("login alert email failed", slog.String("error", err.Error()))
	}
}
