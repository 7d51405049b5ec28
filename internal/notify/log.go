package notify

import (
	"context"
	"log/slog"
)

// LogEmailSender writes payloads to the log instead of dispatching them.
// Used in dev mode and in tests.
type LogEmailSender struct{}

func (LogEmailSender) Send(ctx context.Context, payload Payload) error {
	slog.Info("email (dev mode, not dispatched)",
		slog.String("kind", payload.Kind),
		slog.String("to", maskEmail(payload.ToEmail)),
		slog.String("code", payload.Code),
	)
	return nil
}

// LogSMSSender logs outbound texts instead of dispatching them. It keeps
// the SMS recovery channel honest in environments without an SMS gateway:
// dispatch is attempted and its outcome reported, never silently dropped.
type LogSMSSender struct{}

func (LogSMSSender) SendSMS(ctx context.Context, phone, message string) error {
	masked := "****"
	if len(phone) > 4 {
		masked = phone[:2] + "****" + phone[len(phone)-2:]
	}
	slog.Info("sms (dev mode, not dispatched)", slog.String("to", masked), slog.String("message", message))
	return nil
}
