package identity

import "errors"

// Error taxonomy for the identity subsystem. Handlers map these to HTTP
// statuses; everything else surfaces as a dependency failure.
var (
	// ErrValidation covers missing or malformed input.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound covers a missing account, draft, or code.
	ErrNotFound = errors.New("not found")
	// ErrDraftNotFound is returned when completing a registration whose draft
	// no longer exists (already consumed or expired).
	ErrDraftNotFound = errors.New("draft registration not found")
	// ErrConflict covers uniqueness violations on handle, login id, email or phone.
	ErrConflict = errors.New("already taken")
	// ErrPhoneLimitExceeded is returned when a phone number is already tied to
	// the maximum number of accounts.
	ErrPhoneLimitExceeded = errors.New("phone number account limit exceeded")
	// ErrInvalidCredential covers wrong passwords and invalid, consumed or
	// expired OTP codes. Deliberately generic to avoid enumeration leaks.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrAmbiguousIdentifier is returned when sign-in resolves an identifier
	// to more than one account.
	ErrAmbiguousIdentifier = errors.New("identifier matches multiple accounts")
	// ErrAccountDisabled is returned for suspended or banned accounts.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrAccountLocked is returned while the failed-attempt lockout is active.
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrOTPThrottled is returned when a code was issued for the same email
	// and purpose within the resend window.
	ErrOTPThrottled = errors.New("verification code recently sent")
	// ErrResetNotAuthorized is returned when a password reset is attempted
	// without a live OTP authorization for that email.
	ErrResetNotAuthorized = errors.New("password reset not authorized")
	// ErrFlowState is returned when a recovery flow operation does not match
	// the flow's current state.
	ErrFlowState = errors.New("operation not valid in current flow state")
	// ErrDependency covers unreachable collaborators (store, mailer, lookup).
	ErrDependency = errors.New("dependency unavailable")
)
