package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/notify"
	"github.com/questora/server/internal/repo"
)

const otpDigits = 8

var (
	// ErrInvalidCode is returned for wrong, already-used and expired codes
	// alike; redemption never reveals which case occurred.
	ErrInvalidCode = errors.New("invalid or expired code")
	// ErrIssueThrottled is returned when a code for the same email and
	// purpose was issued within the resend window.
	ErrIssueThrottled = errors.New("code recently issued")
)

// OTPEngine issues and redeems short-lived numeric verification codes for
// registration and password-reset confirmation.
type OTPEngine struct {
	codes   repo.CodeRepo
	guard   *Guard
	mailer  notify.EmailSender
	sms     notify.SMSSender
	ttl     time.Duration
	devMode bool
}

// NewOTPEngine creates a new OTP engine.
func NewOTPEngine(codes repo.CodeRepo, guard *Guard, mailer notify.EmailSender, sms notify.SMSSender, ttl time.Duration, devMode bool) *OTPEngine {
	return &OTPEngine{
		codes:   codes,
		guard:   guard,
		mailer:  mailer,
		sms:     sms,
		ttl:     ttl,
		devMode: devMode,
	}
}

// Issue generates an 8-digit code, persists it with the configured expiry
// and dispatches it to the recipient. Prior unconsumed codes for the same
// email stay valid. The resend window is enforced server-side per
// (email, purpose).
func (e *OTPEngine) Issue(ctx context.Context, email, recipientName, purpose string) error {
	if purpose != model.PurposeRegistration && purpose != model.PurposePasswordReset {
		return fmt.Errorf("unknown otp purpose %q", purpose)
	}

	ok, err := e.guard.AllowIssue(ctx, email, purpose)
	if err != nil {
		return fmt.Errorf("check resend window: %w", err)
	}
	if !ok {
		return ErrIssueThrottled
	}

	code, err := generateNumericCode(otpDigits)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	if _, err := e.codes.Create(ctx, email, code, purpose, time.Now().Add(e.ttl)); err != nil {
		return fmt.Errorf("persist code: %w", err)
	}

	payload := notify.Payload{
		Kind:    notify.KindOTP,
		ToName:  recipientName,
		ToEmail: email,
		Code:    code,
		Purpose: purpose,
		When:    time.Now(),
	}
	if err := e.mailer.Send(ctx, payload); err != nil {
		// The code row stays; the caller may surface a retry path.
		return fmt.Errorf("dispatch code email: %w", err)
	}
	if e.devMode {
		slog.Debug("otp issued", slog.String("purpose", purpose))
	}
	return nil
}

// IssueToPhone generates and stores a code keyed by the account's recovery
// email (redemption always matches on email + code) but dispatches it as a
// text message to the phone instead.
func (e *OTPEngine) IssueToPhone(ctx context.Context, email, phone, purpose string) error {
	if purpose != model.PurposeRegistration && purpose != model.PurposePasswordReset {
		return fmt.Errorf("unknown otp purpose %q", purpose)
	}

	ok, err := e.guard.AllowIssue(ctx, email, purpose)
	if err != nil {
		return fmt.Errorf("check resend window: %w", err)
	}
	if !ok {
		return ErrIssueThrottled
	}

	code, err := generateNumericCode(otpDigits)
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	if _, err := e.codes.Create(ctx, email, code, purpose, time.Now().Add(e.ttl)); err != nil {
		return fmt.Errorf("persist code: %w", err)
	}

	message := fmt.Sprintf("Your Questora verification code is %s. It expires in 10 minutes.", code)
	if err := e.sms.SendSMS(ctx, phone, message); err != nil {
		return fmt.Errorf("dispatch code sms: %w", err)
	}
	return nil
}

// Redeem marks consumed the single unconsumed, unexpired code matching
// (email, code). Any miss returns ErrInvalidCode; the narrower cause goes
// to the debug log only.
func (e *OTPEngine) Redeem(ctx context.Context, email, code string) (model.VerificationCode, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(code) != otpDigits {
		return model.VerificationCode{}, ErrInvalidCode
	}

	consumed, err := e.codes.Consume(ctx, email, code)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			slog.Debug("otp redemption miss", slog.String("reason", "no unconsumed unexpired match"))
			return model.VerificationCode{}, ErrInvalidCode
		}
		return model.VerificationCode{}, fmt.Errorf("redeem code: %w", err)
	}
	return consumed, nil
}

// generateNumericCode draws each digit from crypto/rand.
func generateNumericCode(digits int) (string, error) {
	var b strings.Builder
	b.Grow(digits)
	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
