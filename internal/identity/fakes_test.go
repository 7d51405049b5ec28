package identity

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/questora/server/internal/auth"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
)

// fakeAccountRepo is an in-memory AccountRepo for service tests.
type fakeAccountRepo struct {
	mu          sync.Mutex
	accounts    map[uuid.UUID]model.Account
	backupCodes map[uuid.UUID][]string
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{
		accounts:    make(map[uuid.UUID]model.Account),
		backupCodes: make(map[uuid.UUID][]string),
	}
}

func (f *fakeAccountRepo) Create(ctx context.Context, account model.Account) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.accounts {
		if strings.EqualFold(existing.Handle, account.Handle) ||
			strings.EqualFold(existing.Email, account.Email) ||
			strings.EqualFold(existing.LoginID, account.LoginID) {
			return model.Account{}, repo.ErrDuplicate
		}
	}
	account.ID = uuid.New()
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	f.accounts[account.ID] = account
	return account, nil
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return model.Account{}, repo.ErrNotFound
	}
	return account, nil
}

func (f *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, account := range f.accounts {
		if strings.EqualFold(account.Email, email) {
			return account, nil
		}
	}
	return model.Account{}, repo.ErrNotFound
}

func (f *fakeAccountRepo) ResolveIdentifier(ctx context.Context, identifier string) ([]model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []model.Account
	for _, account := range f.accounts {
		if strings.EqualFold(account.Handle, identifier) ||
			strings.EqualFold(account.LoginID, identifier) ||
			strings.EqualFold(account.Email, identifier) ||
			(account.Phone != "" && account.Phone == identifier) {
			matches = append(matches, account)
		}
	}
	return matches, nil
}

func (f *fakeAccountRepo) CountByPhone(ctx context.Context, phone string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, account := range f.accounts {
		if account.Phone == phone {
			count++
		}
	}
	return count, nil
}

func (f *fakeAccountRepo) HandleOrEmailTaken(ctx context.Context, handle, email string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var handleTaken, emailTaken bool
	for _, account := range f.accounts {
		if strings.EqualFold(account.Handle, handle) {
			handleTaken = true
		}
		if strings.EqualFold(account.Email, email) {
			emailTaken = true
		}
	}
	return handleTaken, emailTaken, nil
}

func (f *fakeAccountRepo) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return repo.ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.UpdatedAt = time.Now()
	f.accounts[id] = account
	return nil
}

func (f *fakeAccountRepo) ApplySecurityPatch(ctx context.Context, id uuid.UUID, patch repo.SecurityPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return repo.ErrNotFound
	}
	if patch.TwoFactorEnabled != nil {
		account.TwoFactorEnabled = *patch.TwoFactorEnabled
	}
	if patch.TwoFactorMethod != nil {
		account.TwoFactorMethod = *patch.TwoFactorMethod
	}
	if patch.LoginAlertEmail != nil {
		account.LoginAlertEmail = *patch.LoginAlertEmail
	}
	if patch.LoginAlertSMS != nil {
		account.LoginAlertSMS = *patch.LoginAlertSMS
	}
	if patch.LoginAlertPush != nil {
		account.LoginAlertPush = *patch.LoginAlertPush
	}
	if patch.LoginAlertCondition != nil {
		account.LoginAlertCondition = *patch.LoginAlertCondition
	}
	if patch.PasswordChangeAlert != nil {
		account.PasswordChangeAlert = *patch.PasswordChangeAlert
	}
	if patch.EmailChangeAlert != nil {
		account.EmailChangeAlert = *patch.EmailChangeAlert
	}
	if patch.PhoneChangeAlert != nil {
		account.PhoneChangeAlert = *patch.PhoneChangeAlert
	}
	account.UpdatedAt = time.Now()
	f.accounts[id] = account
	return nil
}

func (f *fakeAccountRepo) ApplyProfilePatch(ctx context.Context, id uuid.UUID, patch repo.ProfilePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return repo.ErrNotFound
	}
	if patch.FirstName != nil {
		account.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		account.LastName = *patch.LastName
	}
	if patch.Country != nil {
		account.Country = *patch.Country
	}
	if patch.Address != nil {
		account.Address = *patch.Address
	}
	if patch.Theme != nil {
		account.Theme = *patch.Theme
	}
	if patch.Locale != nil {
		account.Locale = *patch.Locale
	}
	account.UpdatedAt = time.Now()
	f.accounts[id] = account
	return nil
}

func (f *fakeAccountRepo) ReplaceBackupCodes(ctx context.Context, id uuid.UUID, codeHashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[id]; !ok {
		return repo.ErrNotFound
	}
	f.backupCodes[id] = codeHashes
	return nil
}

// fakeDraftRepo is an in-memory DraftRepo keyed by lowercased email.
type fakeDraftRepo struct {
	mu     sync.Mutex
	drafts map[string]model.DraftRegistration
}

func newFakeDraftRepo() *fakeDraftRepo {
	return &fakeDraftRepo{drafts: make(map[string]model.DraftRegistration)}
}

func (f *fakeDraftRepo) Upsert(ctx context.Context, draft model.DraftRegistration) (model.DraftRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(draft.Email)
	if existing, ok := f.drafts[key]; ok {
		draft.ID = existing.ID
		draft.CreatedAt = existing.CreatedAt
	} else {
		draft.ID = uuid.New()
		draft.CreatedAt = time.Now()
	}
	f.drafts[key] = draft
	return draft, nil
}

func (f *fakeDraftRepo) GetByEmail(ctx context.Context, email string) (model.DraftRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	draft, ok := f.drafts[strings.ToLower(email)]
	if !ok || time.Now().After(draft.ExpiresAt) {
		return model.DraftRegistration{}, repo.ErrNotFound
	}
	return draft, nil
}

func (f *fakeDraftRepo) DeleteByEmail(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.drafts, strings.ToLower(email))
	return nil
}

func (f *fakeDraftRepo) DeleteExpired(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for key, draft := range f.drafts {
		if now.After(draft.ExpiresAt) {
			delete(f.drafts, key)
			n++
		}
	}
	return n, nil
}

// fakeCodeRepo is an in-memory CodeRepo.
type fakeCodeRepo struct {
	mu    sync.Mutex
	codes []model.VerificationCode
}

func (f *fakeCodeRepo) Create(ctx context.Context, email, code, purpose string, expiresAt time.Time) (model.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vc := model.VerificationCode{
		ID:        uuid.New(),
		Email:     email,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	f.codes = append(f.codes, vc)
	return vc, nil
}

func (f *fakeCodeRepo) Consume(ctx context.Context, email, code string) (model.VerificationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for i := len(f.codes) - 1; i >= 0; i-- {
		c := &f.codes[i]
		if c.Email == email && c.Code == code && c.ConsumedAt == nil && c.ExpiresAt.After(now) {
			c.ConsumedAt = &now
			return *c, nil
		}
	}
	return model.VerificationCode{}, repo.ErrNotFound
}

func (f *fakeCodeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	kept := f.codes[:0]
	for _, c := range f.codes {
		if c.ConsumedAt != nil || now.After(c.ExpiresAt) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	f.codes = kept
	return n, nil
}

// lastCode returns the most recently issued code for an email.
func (f *fakeCodeRepo) lastCode(t *testing.T, email string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.codes) - 1; i >= 0; i-- {
		if strings.EqualFold(f.codes[i].Email, email) {
			return f.codes[i].Code
		}
	}
	t.Fatalf("no code issued for %s", email)
	return ""
}

// fakeActivityRepo records appended entries in order.
type fakeActivityRepo struct {
	mu      sync.Mutex
	entries []model.ActivityLogEntry
}

func (f *fakeActivityRepo) Append(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeActivityRepo) List(ctx context.Context, accountID uuid.UUID, filter repo.ActivityFilter) ([]model.ActivityLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ActivityLogEntry
	for i := len(f.entries) - 1; i >= 0; i-- {
		entry := f.entries[i]
		if entry.AccountID != accountID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *fakeActivityRepo) actions(accountID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, entry := range f.entries {
		if entry.AccountID == accountID {
			out = append(out, entry.Action)
		}
	}
	return out
}

// captureMailer records payloads instead of sending them.
type captureMailer struct {
	mu       sync.Mutex
	payloads []notify.Payload
}

func (c *captureMailer) Send(ctx context.Context, payload notify.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captureMailer) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.payloads {
		out = append(out, p.Kind)
	}
	return out
}

type captureSMS struct {
	mu       sync.Mutex
	phones   []string
	messages []string
}

func (c *captureSMS) SendSMS(ctx context.Context, phone, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phones = append(c.phones, phone)
	c.messages = append(c.messages, message)
	return nil
}

// harness bundles the collaborators every identity service test needs.
type harness struct {
	accounts *fakeAccountRepo
	drafts   *fakeDraftRepo
	codes    *fakeCodeRepo
	activity *fakeActivityRepo
	mailer   *captureMailer
	sms      *captureSMS
	guard    *auth.Guard
	otp      *auth.OTPEngine
	hasher   auth.PasswordHasher
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		accounts: newFakeAccountRepo(),
		drafts:   newFakeDraftRepo(),
		codes:    &fakeCodeRepo{},
		activity: &fakeActivityRepo{},
		mailer:   &captureMailer{},
		sms:      &captureSMS{},
		hasher:   auth.NewArgon2Hasher(),
		redis:    mr,
	}
	h.guard = auth.NewGuard(rdb, time.Minute, 15*time.Minute, 15*time.Minute)
	h.otp = auth.NewOTPEngine(h.codes, h.guard, h.mailer, h.sms, 10*time.Minute, true)
	return h
}

func (h *harness) registration() *RegistrationService {
	return NewRegistrationService(
		h.accounts, h.drafts, h.otp, h.hasher, h.mailer,
		NewActivityWriter(h.activity), "questora.app", 24*time.Hour,
	)
}

func (h *harness) recovery() *RecoveryService {
	return NewRecoveryService(
		h.accounts, h.otp, h.guard, h.hasher, h.mailer, NewActivityWriter(h.activity),
	)
}

func (h *harness) security() *SecurityService {
	return NewSecurityService(
		h.accounts, h.hasher, h.mailer, NewActivityWriter(h.activity), "Questora",
	)
}

func testDevCtx() model.DeviceContext {
	return model.DeviceContext{
		DeviceID:   "device-test-1",
		DeviceName: "Chrome on Linux",
		DeviceType: "desktop",
		Browser:    "Chrome",
		OS:         "Linux",
		IP:         "203.0.113.7",
		City:       "Berlin",
		Country:    "Germany",
	}
}
