package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questora/server/internal/auth"
	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
)

// stubAccountRepo backs the manager tests with a fixed account set.
type stubAccountRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]model.Account
}

func newStubAccountRepo() *stubAccountRepo {
	return &stubAccountRepo{accounts: make(map[uuid.UUID]model.Account)}
}

func (s *stubAccountRepo) add(account model.Account) model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	s.accounts[account.ID] = account
	return account
}

func (s *stubAccountRepo) Create(ctx context.Context, account model.Account) (model.Account, error) {
	return s.add(account), nil
}

func (s *stubAccountRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return model.Account{}, repo.ErrNotFound
	}
	return account, nil
}

func (s *stubAccountRepo) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		if strings.EqualFold(account.Email, email) {
			return account, nil
		}
	}
	return model.Account{}, repo.ErrNotFound
}

func (s *stubAccountRepo) ResolveIdentifier(ctx context.Context, identifier string) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []model.Account
	for _, account := range s.accounts {
		if strings.EqualFold(account.Handle, identifier) ||
			strings.EqualFold(account.LoginID, identifier) ||
			strings.EqualFold(account.Email, identifier) ||
			(account.Phone != "" && account.Phone == identifier) {
			matches = append(matches, account)
		}
	}
	return matches, nil
}

func (s *stubAccountRepo) CountByPhone(ctx context.Context, phone string) (int, error) {
	return 0, nil
}

func (s *stubAccountRepo) HandleOrEmailTaken(ctx context.Context, handle, email string) (bool, bool, error) {
	return false, false, nil
}

func (s *stubAccountRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return nil
}

func (s *stubAccountRepo) ApplySecurityPatch(ctx context.Context, id uuid.UUID, patch repo.SecurityPatch) error {
	return nil
}

func (s *stubAccountRepo) ApplyProfilePatch(ctx context.Context, id uuid.UUID, patch repo.ProfilePatch) error {
	return nil
}

func (s *stubAccountRepo) ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codeHashes []string) error {
	return nil
}

// stubDeviceRepo tracks upserts keyed by (account, device).
type stubDeviceRepo struct {
	mu      sync.Mutex
	records map[string]model.DeviceRecord
}

func newStubDeviceRepo() *stubDeviceRepo {
	return &stubDeviceRepo{records: make(map[string]model.DeviceRecord)}
}

func (s *stubDeviceRepo) Upsert(ctx context.Context, accountID uuid.UUID, devCtx model.DeviceContext) (model.DeviceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := accountID.String() + "/" + devCtx.DeviceID
	record, ok := s.records[key]
	created := !ok
	if created {
		record = model.DeviceRecord{
			ID:         uuid.New(),
			AccountID:  accountID,
			DeviceID:   devCtx.DeviceID,
			DeviceName: devCtx.DeviceName,
			CreatedAt:  time.Now(),
		}
	}
	record.LastUsedAt = time.Now()
	s.records[key] = record
	return record, created, nil
}

func (s *stubDeviceRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]model.DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeviceRecord
	for _, record := range s.records {
		if record.AccountID == accountID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *stubDeviceRepo) SetTrusted(ctx context.Context, accountID, deviceRecordID uuid.UUID, trusted bool) error {
	return nil
}

func (s *stubDeviceRepo) Rename(ctx context.Context, accountID, deviceRecordID uuid.UUID, name string) error {
	return nil
}

// stubActivityRepo records appended entries.
type stubActivityRepo struct {
	mu      sync.Mutex
	entries []model.ActivityLogEntry
}

func (s *stubActivityRepo) Append(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *stubActivityRepo) List(ctx context.Context, accountID uuid.UUID, filter repo.ActivityFilter) ([]model.ActivityLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ActivityLogEntry
	for _, entry := range s.entries {
		if entry.AccountID == accountID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *stubActivityRepo) actionsFor(accountID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, entry := range s.entries {
		if entry.AccountID == accountID {
			out = append(out, entry.Action)
		}
	}
	return out
}

type recordingMailer struct {
	mu       sync.Mutex
	payloads []notify.Payload
}

func (r *recordingMailer) Send(ctx context.Context, payload notify.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

type managerHarness struct {
	manager  *Manager
	accounts *stubAccountRepo
	devices  *stubDeviceRepo
	activity *stubActivityRepo
	mailer   *recordingMailer
	store    *MemStore
	hasher   auth.PasswordHasher
	redis    *miniredis.Miniredis
}

func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &managerHarness{
		accounts: newStubAccountRepo(),
		devices:  newStubDeviceRepo(),
		activity: &stubActivityRepo{},
		mailer:   &recordingMailer{},
		store:    NewMemStore(),
		hasher:   auth.NewArgon2Hasher(),
		redis:    mr,
	}
	guard := auth.NewGuard(rdb, time.Minute, 15*time.Minute, 15*time.Minute)
	jwtService := auth.NewJWTService("test-secret-at-least-32-characters-long", time.Hour)
	h.manager = NewManager(
		h.accounts, h.devices, identity.NewActivityWriter(h.activity),
		h.hasher, guard, jwtService, h.mailer, h.store,
	)
	return h
}

func (h *managerHarness) seed(t *testing.T, handle, email, password string) model.Account {
	t.Helper()
	hash, err := h.hasher.Hash(password)
	require.NoError(t, err)
	return h.accounts.add(model.Account{
		Handle:       handle,
		LoginID:      handle + "@questora.app",
		PasswordHash: hash,
		FirstName:    "Jane",
		Email:        email,
		Status:       model.StatusActive,
	})
}

func devCtxFor(deviceID string) model.DeviceContext {
	return model.DeviceContext{
		DeviceID:   deviceID,
		DeviceName: "Chrome on Linux",
		Browser:    "Chrome",
		OS:         "Linux",
		IP:         "203.0.113.7",
	}
}

func TestManager_Login(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	seeded := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")

	account, token, err := h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, account.ID)
	assert.NotEmpty(t, token)

	state, err := h.store.Load("device-1")
	require.NoError(t, err)
	require.NotNil(t, state.Current)
	assert.Equal(t, seeded.ID, state.Current.ID)
	require.Len(t, state.Roster, 1)
	assert.True(t, state.Roster[0].IsActive)

	assert.Equal(t, []string{model.ActionLogin}, h.activity.actionsFor(seeded.ID))
}

func TestManager_LoginAcceptsAnyIdentifierForm(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")

	for _, identifier := range []string{"jane_doe", "jane_doe@questora.app", "jane@example.com", "JANE_DOE"} {
		_, _, err := h.manager.Login(ctx, identifier, "s3cret-password", devCtxFor("device-1"))
		assert.NoError(t, err, "identifier %q must sign in", identifier)
	}
}

func TestManager_LoginWrongPassword(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	seeded := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")

	_, _, err := h.manager.Login(ctx, "jane_doe", "wrong", devCtxFor("device-1"))
	assert.ErrorIs(t, err, identity.ErrInvalidCredential)

	actions := h.activity.actionsFor(seeded.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionFailedLogin, actions[0])

	state, err := h.store.Load("device-1")
	require.NoError(t, err)
	assert.Nil(t, state.Current, "a failed login must not touch the session")
}

func TestManager_LoginUnknownIdentifier(t *testing.T) {
	h := newManagerHarness(t)
	_, _, err := h.manager.Login(context.Background(), "nobody", "whatever", devCtxFor("device-1"))
	assert.ErrorIs(t, err, identity.ErrInvalidCredential)
}

func TestManager_LoginLockoutAfterRepeatedFailures(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")

	var err error
	for i := 0; i < 5; i++ {
		_, _, err = h.manager.Login(ctx, "jane_doe", "wrong", devCtxFor("device-1"))
	}
	assert.ErrorIs(t, err, identity.ErrAccountLocked, "the fifth failure locks the account")

	// Even the correct password is refused while locked.
	_, _, err = h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	assert.ErrorIs(t, err, identity.ErrAccountLocked)

	h.redis.FastForward(16 * time.Minute)
	_, _, err = h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	assert.NoError(t, err, "the lockout expires on its own")
}

func TestManager_LoginDisabledAccount(t *testing.T) {
	h := newManagerHarness(t)
	account := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")
	h.accounts.mu.Lock()
	account.Status = model.StatusSuspended
	h.accounts.accounts[account.ID] = account
	h.accounts.mu.Unlock()

	_, _, err := h.manager.Login(context.Background(), "jane_doe", "s3cret-password", devCtxFor("device-1"))
	assert.ErrorIs(t, err, identity.ErrAccountDisabled)
}

func TestManager_MultiAccountRoster(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	first := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")
	second := h.seed(t, "jane_work", "jane.work@example.com", "0ther-password")

	_, _, err := h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)
	_, _, err = h.manager.Login(ctx, "jane_work", "0ther-password", devCtxFor("device-1"))
	require.NoError(t, err)

	state, err := h.store.Load("device-1")
	require.NoError(t, err)
	require.Len(t, state.Roster, 2, "both accounts stay on the roster")
	require.NotNil(t, state.Current)
	assert.Equal(t, second.ID, state.Current.ID, "the last login is active")

	activeCount := 0
	for _, entry := range state.Roster {
		if entry.IsActive {
			activeCount++
			assert.Equal(t, state.Current.ID, entry.ID)
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one roster entry is active")

	// Switch back to the first account.
	account, token, err := h.manager.SwitchTo(ctx, "device-1", first.ID, devCtxFor("device-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, account.ID)
	assert.NotEmpty(t, token)

	state, err = h.store.Load("device-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, state.Current.ID)
	assert.Len(t, state.Roster, 2)

	// The switch audits a logout for the replaced identity and a login for
	// the new one.
	assert.Contains(t, h.activity.actionsFor(second.ID), model.ActionLogout)
}

func TestManager_SwitchToUnknownAccount(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	seeded := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")
	_, _, err := h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)

	_, _, err = h.manager.SwitchTo(ctx, "device-1", uuid.New(), devCtxFor("device-1"))
	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.NotContains(t, h.activity.actionsFor(seeded.ID), model.ActionLogout,
		"a refused switch must not end the current session")
}

func TestManager_SwitchToActiveAccountIsNoOp(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	seeded := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")
	_, _, err := h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)

	before := len(h.activity.actionsFor(seeded.ID))
	account, token, err := h.manager.SwitchTo(ctx, "device-1", seeded.ID, devCtxFor("device-1"))
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, account.ID)
	assert.NotEmpty(t, token, "a fresh token is still issued")
	assert.Len(t, h.activity.actionsFor(seeded.ID), before, "no extra audit entries")
}

func TestManager_SignOutAll(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	first := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")
	h.seed(t, "jane_work", "jane.work@example.com", "0ther-password")

	_, _, err := h.manager.Login(ctx, "jane_work", "0ther-password", devCtxFor("device-1"))
	require.NoError(t, err)
	_, _, err = h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)

	require.NoError(t, h.manager.SignOutAll(ctx, "device-1", devCtxFor("device-1")))

	state, err := h.store.Load("device-1")
	require.NoError(t, err)
	assert.Nil(t, state.Current)
	assert.Empty(t, state.Roster, "sign-out-all wipes the whole identity set")

	assert.Contains(t, h.activity.actionsFor(first.ID), model.ActionLogout)
}

func TestManager_DevicesAreIndependent(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")

	_, _, err := h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)
	_, _, err = h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-2"))
	require.NoError(t, err)

	require.NoError(t, h.manager.SignOutAll(ctx, "device-1", devCtxFor("device-1")))

	state, err := h.store.Load("device-2")
	require.NoError(t, err)
	assert.NotNil(t, state.Current, "the other device's session is untouched")
}

func TestManager_LoginAlertOnNewDevice(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	hash, err := h.hasher.Hash("s3cret-password")
	require.NoError(t, err)
	h.accounts.add(model.Account{
		Handle:              "jane_doe",
		LoginID:             "jane_doe@questora.app",
		PasswordHash:        hash,
		Email:               "jane@example.com",
		Status:              model.StatusActive,
		LoginAlertEmail:     true,
		LoginAlertCondition: model.AlertNewDevice,
	})

	_, _, err = h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)
	assert.Len(t, h.mailer.payloads, 1, "first sight of the device alerts")

	_, _, err = h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-1"))
	require.NoError(t, err)
	assert.Len(t, h.mailer.payloads, 1, "a known device does not alert again")

	_, _, err = h.manager.Login(ctx, "jane_doe", "s3cret-password", devCtxFor("device-2"))
	require.NoError(t, err)
	assert.Len(t, h.mailer.payloads, 2)
}

func TestManager_Establish(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	seeded := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")

	token, err := h.manager.Establish(ctx, seeded, devCtxFor("device-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	state, err := h.store.Load("device-1")
	require.NoError(t, err)
	require.NotNil(t, state.Current)
	assert.Equal(t, seeded.ID, state.Current.ID)
}

func TestManager_Lookup(t *testing.T) {
	h := newManagerHarness(t)
	ctx := context.Background()
	seeded := h.seed(t, "jane_doe", "jane@example.com", "s3cret-password")

	account, err := h.manager.Lookup(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, account.ID)

	_, err = h.manager.Lookup(ctx, "nobody")
	assert.ErrorIs(t, err, identity.ErrNotFound)

	_, err = h.manager.Lookup(ctx, "")
	assert.ErrorIs(t, err, identity.ErrValidation)
}
