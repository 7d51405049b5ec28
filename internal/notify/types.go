package notify

import (
	"context"
	"time"
)

// Message kinds.
const (
	KindOTP             = "otp"
	KindWelcome         = "welcome"
	KindPasswordChanged = "password_changed"
	KindLoginAlert      = "login_alert"
)

// Payload is the structured outbound notification contract. Code and
// Purpose are set only for KindOTP; the device context fields are best
// effort and may be empty.
type Payload struct {
	Kind    string
	ToName  string
	ToEmail string
	Subject string

	Code    string
	Purpose string

	DeviceName string
	IP         string
	Location   string
	When       time.Time
}

// EmailSender dispatches a transactional email. Failures are reported, not
// swallowed; callers decide whether a failure may block the primary
// operation.
type EmailSender interface {
	Send(ctx context.Context, payload Payload) error
}

// SMSSender dispatches a short text message to a phone number. Wired for
// the SMS recovery channel so choosing it is a real dispatch, never a
// silent no-op.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}
