package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/questora/server/internal/auth"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
)

// MaxAccountsPerPhone caps how many accounts may share one phone number.
const MaxAccountsPerPhone = 3

// RegistrationInput carries the sign-up form fields.
type RegistrationInput struct {
	Handle      string
	Password    string
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	DateOfBirth *time.Time
	Gender      string
	Country     string
	Address     string
}

// RegistrationService stages draft identities and promotes them to durable
// accounts after OTP confirmation.
type RegistrationService struct {
	accounts    repo.AccountRepo
	drafts      repo.DraftRepo
	otp         *auth.OTPEngine
	hasher      auth.PasswordHasher
	mailer      notify.EmailSender
	activity    *ActivityWriter
	loginDomain string
	draftTTL    time.Duration
}

// NewRegistrationService creates a new RegistrationService.
func NewRegistrationService(
	accounts repo.AccountRepo,
	drafts repo.DraftRepo,
	otp *auth.OTPEngine,
	hasher auth.PasswordHasher,
	mailer notify.EmailSender,
	activity *ActivityWriter,
	loginDomain string,
	draftTTL time.Duration,
) *RegistrationService {
	return &RegistrationService{
		accounts:    accounts,
		drafts:      drafts,
		otp:         otp,
		hasher:      hasher,
		mailer:      mailer,
		activity:    activity,
		loginDomain: loginDomain,
		draftTTL:    draftTTL,
	}
}

// StartDraft validates the input, checks handle and email uniqueness
// (advisory; the store's constraints remain authoritative), stages a draft
// and issues a registration OTP to the recovery email.
func (s *RegistrationService) StartDraft(ctx context.Context, input RegistrationInput) (model.DraftRegistration, error) {
	input.Handle = strings.ToLower(strings.TrimSpace(input.Handle))
	input.Email = strings.TrimSpace(input.Email)
	input.Phone = strings.TrimSpace(input.Phone)

	if err := validateRegistration(input); err != nil {
		return model.DraftRegistration{}, err
	}

	handleTaken, emailTaken, err := s.accounts.HandleOrEmailTaken(ctx, input.Handle, input.Email)
	if err != nil {
		return model.DraftRegistration{}, fmt.Errorf("uniqueness check: %w", err)
	}
	if handleTaken {
		return model.DraftRegistration{}, fmt.Errorf("handle: %w", ErrConflict)
	}
	if emailTaken {
		return model.DraftRegistration{}, fmt.Errorf("email: %w", ErrConflict)
	}

	passwordHash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return model.DraftRegistration{}, fmt.Errorf("hash password: %w", err)
	}

	draft := model.DraftRegistration{
		Handle:       input.Handle,
		LoginID:      input.Handle + "@" + s.loginDomain,
		PasswordHash: passwordHash,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		Email:        input.Email,
		Phone:        input.Phone,
		DateOfBirth:  input.DateOfBirth,
		Gender:       input.Gender,
		Country:      input.Country,
		Address:      input.Address,
		ExpiresAt:    time.Now().Add(s.draftTTL),
	}

	staged, err := s.drafts.Upsert(ctx, draft)
	if err != nil {
		return model.DraftRegistration{}, fmt.Errorf("stage draft: %w", err)
	}

	if err := s.otp.Issue(ctx, staged.Email, staged.FirstName, model.PurposeRegistration); err != nil {
		if errors.Is(err, auth.ErrIssueThrottled) {
			return model.DraftRegistration{}, ErrOTPThrottled
		}
		return model.DraftRegistration{}, fmt.Errorf("issue registration code: %w", err)
	}

	return staged, nil
}

// ResendCode reissues the registration OTP for a staged draft.
func (s *RegistrationService) ResendCode(ctx context.Context, email string) error {
	draft, err := s.drafts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrDraftNotFound
		}
		return fmt.Errorf("load draft: %w", err)
	}
	if err := s.otp.Issue(ctx, draft.Email, draft.FirstName, model.PurposeRegistration); err != nil {
		if errors.Is(err, auth.ErrIssueThrottled) {
			return ErrOTPThrottled
		}
		return fmt.Errorf("reissue registration code: %w", err)
	}
	return nil
}

// CompleteDraft redeems the OTP and promotes the draft to an account.
//
// The phone cap failure is deliberately non-destructive: the draft survives
// so the user can retry with another number. A second call after success
// fails with ErrDraftNotFound because both the code and the draft are
// single-use.
func (s *RegistrationService) CompleteDraft(ctx context.Context, email, code string, devCtx model.DeviceContext) (model.Account, error) {
	redeemed, err := s.otp.Redeem(ctx, email, code)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCode) {
			return model.Account{}, ErrInvalidCredential
		}
		return model.Account{}, fmt.Errorf("redeem code: %w", err)
	}
	if redeemed.Purpose != model.PurposeRegistration {
		return model.Account{}, ErrInvalidCredential
	}

	draft, err := s.drafts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Account{}, ErrDraftNotFound
		}
		return model.Account{}, fmt.Errorf("load draft: %w", err)
	}

	if draft.Phone != "" {
		count, err := s.accounts.CountByPhone(ctx, draft.Phone)
		if err != nil {
			return model.Account{}, fmt.Errorf("count phone accounts: %w", err)
		}
		if count >= MaxAccountsPerPhone {
			return model.Account{}, ErrPhoneLimitExceeded
		}
	}

	account, err := s.accounts.Create(ctx, model.Account{
		Handle:        draft.Handle,
		LoginID:       draft.LoginID,
		PasswordHash:  draft.PasswordHash,
		FirstName:     draft.FirstName,
		LastName:      draft.LastName,
		Email:         draft.Email,
		Phone:         draft.Phone,
		Country:       draft.Country,
		Address:       draft.Address,
		DateOfBirth:   draft.DateOfBirth,
		Gender:        draft.Gender,
		EmailVerified: true,
		Status:        model.StatusActive,
	})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return model.Account{}, ErrConflict
		}
		return model.Account{}, fmt.Errorf("create account: %w", err)
	}

	if err := s.drafts.DeleteByEmail(ctx, email); err != nil {
		// The account exists; a leftover draft only lingers until the reaper.
		slog.Error("delete consumed draft failed", slog.String("error", err.Error()))
	}

	s.activity.Record(ctx, account.ID, model.ActionLogin,
		map[string]string{"method": "registration"}, devCtx, false)

	// Welcome notification is non-critical: never rolls back the account.
	welcome := notify.Payload{
		Kind:    notify.KindWelcome,
		ToName:  account.FirstName,
		ToEmail: account.Email,
		When:    time.Now(),
	}
	if err := s.mailer.Send(ctx, welcome); err != nil {
		slog.Warn("welcome email failed", slog.String("error", err.Error()))
	}

	return account, nil
}

func validateRegistration(input RegistrationInput) error {
	if input.Handle == "" {
		return fmt.Errorf("handle is required: %w", ErrValidation)
	}
	if len(input.Handle) < 3 || len(input.Handle) > 30 {
		return fmt.Errorf("handle must be 3-30 characters: %w", ErrValidation)
	}
	for _, r := range input.Handle {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '.' {
			return fmt.Errorf("handle may contain lowercase letters, digits, '_' and '.': %w", ErrValidation)
		}
	}
	if input.Email == "" {
		return fmt.Errorf("email is required: %w", ErrValidation)
	}
	if _, err := mail.ParseAddress(input.Email); err != nil {
		return fmt.Errorf("email is invalid: %w", ErrValidation)
	}
	if len(input.Password) < 8 {
		return fmt.Errorf("password must be at least 8 characters: %w", ErrValidation)
	}
	return nil
}
