package identity

import (
	"context"
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

// Recovery flow states.
const (
	StateSelect    = "select"
	StateMethod    = "method"
	StateAwaitCode = "await_code"
)

// Recovery channels.
const (
	MethodEmail    = "email"
	MethodSMS      = "sms"
	MethodPassword = "password"
)

const flowTTL = 15 * time.Minute

// recoveryFlow tracks one in-progress account recovery. Candidates hold
// full records internally; only masked summaries ever leave the service.
type recoveryFlow struct {
	id         string
	state      string
	candidates []model.Account
	selected   *model.Account
	expiresAt  time.Time
}

// SearchResult is the outcome of the identifier search step.
type SearchResult struct {
	FlowID     string
	State      string
	Candidates []MaskedAccount
}

// RecoveryService drives the SEARCH -> SELECT -> METHOD -> OTP handoff
// state machine and the password reset it authorizes.
type RecoveryService struct {
	accounts repo.AccountRepo
	otp      *auth.OTPEngine
	guard    *auth.Guard
	hasher   auth.PasswordHasher
	mailer   notify.EmailSender
	activity *ActivityWriter

	mu    sync.Mutex
	flows map[string]*recoveryFlow
}

// NewRecoveryService creates a new RecoveryService.
func NewRecoveryService(
	accounts repo.AccountRepo,
	otp *auth.OTPEngine,
	guard *auth.Guard,
	hasher auth.PasswordHasher,
	mailer notify.EmailSender,
	activity *ActivityWriter,
) *RecoveryService {
	return &RecoveryService{
		accounts: accounts,
		otp:      otp,
		guard:    guard,
		hasher:   hasher,
		mailer:   mailer,
		activity: activity,
		flows:    make(map[string]*recoveryFlow),
	}
}

// Search resolves the free-text identifier. One match skips straight to
// METHOD; several go to SELECT with masked candidates only.
func (s *RecoveryService) Search(ctx context.Context, identifier string) (SearchResult, error) {
	if identifier == "" {
		return SearchResult{}, fmt.Errorf("identifier is required: %w", ErrValidation)
	}

	accounts, err := s.accounts.ResolveIdentifier(ctx, identifier)
	if err != nil {
		return SearchResult{}, fmt.Errorf("resolve identifier: %w", err)
	}
	if len(accounts) == 0 {
		return SearchResult{}, ErrNotFound
	}

	flow := &recoveryFlow{
		id:         uuid.New().String(),
		candidates: accounts,
		expiresAt:  time.Now().Add(flowTTL),
	}
	if len(accounts) == 1 {
		flow.state = StateMethod
		flow.selected = &accounts[0]
	} else {
		flow.state = StateSelect
	}

	s.mu.Lock()
	s.purgeExpiredLocked()
	s.flows[flow.id] = flow
	s.mu.Unlock()

	return SearchResult{
		FlowID:     flow.id,
		State:      flow.state,
		Candidates: maskCandidates(accounts),
	}, nil
}

// Select picks one candidate and advances the flow to METHOD.
func (s *RecoveryService) Select(ctx context.Context, flowID string, accountID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, err := s.flowLocked(flowID)
	if err != nil {
		return err
	}
	if flow.state != StateSelect {
		return ErrFlowState
	}
	for i := range flow.candidates {
		if flow.candidates[i].ID == accountID {
			flow.selected = &flow.candidates[i]
			flow.state = StateMethod
			return nil
		}
	}
	return ErrNotFound
}

// ChooseMethod picks the recovery channel. The password method exits the
// flow back to sign-in; email and sms dispatch a reset code and await
// redemption.
func (s *RecoveryService) ChooseMethod(ctx context.Context, flowID, method string) error {
	s.mu.Lock()
	flow, err := s.flowLocked(flowID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if flow.state != StateMethod || flow.selected == nil {
		s.mu.Unlock()
		return ErrFlowState
	}
	selected := *flow.selected
	s.mu.Unlock()

	switch method {
	case MethodPassword:
		s.dropFlow(flowID)
		return nil
	case MethodEmail:
		err = s.otp.Issue(ctx, selected.Email, selected.FirstName, model.PurposePasswordReset)
	case MethodSMS:
		if selected.Phone == "" {
			return fmt.Errorf("account has no phone number: %w", ErrValidation)
		}
		err = s.otp.IssueToPhone(ctx, selected.Email, selected.Phone, model.PurposePasswordReset)
	default:
		return fmt.Errorf("unknown recovery method %q: %w", method, ErrValidation)
	}
	if err != nil {
		if errors.Is(err, auth.ErrIssueThrottled) {
			return ErrOTPThrottled
		}
		return fmt.Errorf("dispatch recovery code: %w", err)
	}

	s.mu.Lock()
	if flow, ok := s.flows[flowID]; ok {
		flow.state = StateAwaitCode
	}
	s.mu.Unlock()
	return nil
}

// FlowEmail returns the selected account's recovery email for a flow in
// the await-code state. Handlers use it so clients never echo the address.
func (s *RecoveryService) FlowEmail(flowID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, err := s.flowLocked(flowID)
	if err != nil {
		return "", err
	}
	if flow.state != StateAwaitCode || flow.selected == nil {
		return "", ErrFlowState
	}
	return flow.selected.Email, nil
}

// Authorize redeems the reset code and stores the short-lived reset
// authorization for the email. The authorization backs exactly one
// password reset.
func (s *RecoveryService) Authorize(ctx context.Context, email, code string) error {
	redeemed, err := s.otp.Redeem(ctx, email, code)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCode) {
			return ErrInvalidCredential
		}
		return fmt.Errorf("redeem reset code: %w", err)
	}
	if redeemed.Purpose != model.PurposePasswordReset {
		return ErrInvalidCredential
	}
	if err := s.guard.AuthorizeReset(ctx, email); err != nil {
		return fmt.Errorf("store reset authorization: %w", err)
	}
	return nil
}

// ResetPassword requires a live authorization for the email, overwrites the
// password digest and clears the authorization. The caller establishes the
// new session.
func (s *RecoveryService) ResetPassword(ctx context.Context, email, newPassword string, devCtx model.DeviceContext) (model.Account, error) {
	if len(newPassword) < 8 {
		return model.Account{}, fmt.Errorf("password must be at least 8 characters: %w", ErrValidation)
	}

	authorized, err := s.guard.ConsumeResetAuthorization(ctx, email)
	if err != nil {
		return model.Account{}, fmt.Errorf("check reset authorization: %w", err)
	}
	if !authorized {
		return model.Account{}, ErrResetNotAuthorized
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, fmt.Errorf("load account: %w", err)
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return model.Account{}, fmt.Errorf("hash password: %w", err)
	}
	if err := s.accounts.UpdatePassword(ctx, account.ID, passwordHash); err != nil {
		return model.Account{}, fmt.Errorf("update password: %w", err)
	}

	s.activity.Record(ctx, account.ID, model.ActionPasswordChange,
		map[string]string{"method": "recovery"}, devCtx, false)

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
			// Notification failure never rolls back the reset.
			slog.Warn("password-changed email failed", slog.String("error", err.Error()))
		}
	}

	account.PasswordHash = passwordHash
	return account, nil
}

// Abandon drops the flow and any authorization it produced.
func (s *RecoveryService) Abandon(ctx context.Context, flowID string) {
	s.mu.Lock()
	flow, ok := s.flows[flowID]
	var email string
	if ok && flow.selected != nil {
		email = flow.selected.Email
	}
	delete(s.flows, flowID)
	s.mu.Unlock()

	if email != "" {
		_ = s.guard.ClearResetAuthorization(ctx, email)
	}
}

func (s *RecoveryService) dropFlow(flowID string) {
	s.mu.Lock()
	delete(s.flows, flowID)
	s.mu.Unlock()
}

func (s *RecoveryService) flowLocked(flowID string) (*recoveryFlow, error) {
	s.purgeExpiredLocked()
	flow, ok := s.flows[flowID]
	if !ok {
		return nil, ErrNotFound
	}
	return flow, nil
}

func (s *RecoveryService) purgeExpiredLocked() {
	now := time.Now()
	for id, flow := range s.flows {
		if now.After(flow.expiresAt) {
			delete(s.flows, id)
		}
	}
}

func maskCandidates(accounts []model.Account) []MaskedAccount {
	masked := make([]MaskedAccount, 0, len(accounts))
	for _, account := range accounts {
		masked = append(masked, MaskedAccount{
			ID:          account.ID.String(),
			Handle:      account.Handle,
			MaskedEmail: maskEmail(account.Email),
			MaskedPhone: maskPhone(account.Phone),
		})
	}
	return masked
}
