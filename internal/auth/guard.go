package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxLoginFailures = 5

// Guard holds the Redis-backed server-side limits: the OTP resend window,
// the failed-login lockout counter, and the transient password-reset
// authorization set by a redeemed OTP.
type Guard struct {
	rdb          *redis.Client
	resendWindow time.Duration
	lockoutTTL   time.Duration
	resetAuthTTL time.Duration
}

// NewGuard creates a Guard over an existing Redis client.
func NewGuard(rdb *redis.Client, resendWindow, lockoutTTL, resetAuthTTL time.Duration) *Guard {
	return &Guard{
		rdb:          rdb,
		resendWindow: resendWindow,
		lockoutTTL:   lockoutTTL,
		resetAuthTTL: resetAuthTTL,
	}
}

func issueKey(email, purpose string) string {
	return "otp_issue:" + strings.ToLower(email) + ":" + purpose
}

func failureKey(accountID string) string {
	return "login_failures:" + accountID
}

func lockKey(accountID string) string {
	return "login_lock:" + accountID
}

func resetAuthKey(email string) string {
	return "reset_auth:" + strings.ToLower(email)
}

// AllowIssue reserves the resend window for (email, purpose). It returns
// false when a code was already issued within the window. The reservation
// survives client reloads; this is the server-side half of the resend
// countdown.
func (g *Guard) AllowIssue(ctx context.Context, email, purpose string) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, issueKey(email, purpose), time.Now().UTC().Format(time.RFC3339), g.resendWindow).Result()
	if err != nil {
		return false, fmt.Errorf("reserve issue window: %w", err)
	}
	return ok, nil
}

// RecordLoginFailure increments the failed-attempt counter and locks the
// account once the threshold is reached. Returns whether the account is now
// locked.
func (g *Guard) RecordLoginFailure(ctx context.Context, accountID string) (bool, error) {
	key := failureKey(accountID)
	count, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("record login failure: %w", err)
	}
	// Counter resets on its own after the lockout period of inactivity.
	if err := g.rdb.Expire(ctx, key, g.lockoutTTL).Err(); err != nil {
		return false, fmt.Errorf("expire failure counter: %w", err)
	}
	if count < maxLoginFailures {
		return false, nil
	}
	if err := g.rdb.Set(ctx, lockKey(accountID), "1", g.lockoutTTL).Err(); err != nil {
		return false, fmt.Errorf("set lockout: %w", err)
	}
	return true, nil
}

// ClearLoginFailures resets the counter and lock after a successful login.
func (g *Guard) ClearLoginFailures(ctx context.Context, accountID string) error {
	if err := g.rdb.Del(ctx, failureKey(accountID), lockKey(accountID)).Err(); err != nil {
		return fmt.Errorf("clear login failures: %w", err)
	}
	return nil
}

// IsLocked reports whether the account's lockout is active.
func (g *Guard) IsLocked(ctx context.Context, accountID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, lockKey(accountID)).Result()
	if err != nil {
		return false, fmt.Errorf("check lockout: %w", err)
	}
	return n > 0, nil
}

// AuthorizeReset stores the short-lived flag proving the email passed the
// OTP challenge for a password reset.
func (g *Guard) AuthorizeReset(ctx context.Context, email string) error {
	if err := g.rdb.Set(ctx, resetAuthKey(email), "1", g.resetAuthTTL).Err(); err != nil {
		return fmt.Errorf("authorize reset: %w", err)
	}
	return nil
}

// ConsumeResetAuthorization checks and clears the reset flag in one step,
// so an authorization backs exactly one password reset.
func (g *Guard) ConsumeResetAuthorization(ctx context.Context, email string) (bool, error) {
	n, err := g.rdb.Del(ctx, resetAuthKey(email)).Result()
	if err != nil {
		return false, fmt.Errorf("consume reset authorization: %w", err)
	}
	return n > 0, nil
}

// ClearResetAuthorization drops the flag when a recovery flow is abandoned.
func (g *Guard) ClearResetAuthorization(ctx context.Context, email string) error {
	if err := g.rdb.Del(ctx, resetAuthKey(email)).Err(); err != nil {
		return fmt.Errorf("clear reset authorization: %w", err)
	}
	return nil
}
