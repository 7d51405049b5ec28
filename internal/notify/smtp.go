package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPSender delivers payloads over a plain SMTP relay.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	fromName string
	fromAddr string
}

// NewSMTPSender creates an SMTPSender. Username may be empty for relays
// without authentication.
func NewSMTPSender(host, port, username, password, fromName, fromAddr string) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromName: fromName,
		fromAddr: fromAddr,
	}
}

// Send renders the payload into a plain-text message and submits it.
func (s *SMTPSender) Send(ctx context.Context, payload Payload) error {
	if s.host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if payload.ToEmail == "" {
		return fmt.Errorf("payload has no recipient")
	}

	subject := payload.Subject
	if subject == "" {
		subject = defaultSubject(payload.Kind)
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s <%s>\r\n", s.fromName, s.fromAddr)
	fmt.Fprintf(&body, "To: %s\r\n", payload.ToEmail)
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(renderBody(payload))

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	addr := s.host + ":" + s.port
	if err := smtp.SendMail(addr, auth, s.fromAddr, []string{payload.ToEmail}, []byte(body.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", maskEmail(payload.ToEmail), err)
	}
	return nil
}

func defaultSubject(kind string) string {
	switch kind {
	case KindOTP:
		return "Your verification code"
	case KindWelcome:
		return "Welcome to Questora"
	case KindPasswordChanged:
		return "Your password was changed"
	case KindLoginAlert:
		return "New sign-in to your account"
	default:
		return "Questora account notification"
	}
}

func renderBody(payload Payload) string {
	var b strings.Builder
	name := payload.ToName
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", name)

	switch payload.Kind {
	case KindOTP:
		fmt.Fprintf(&b, "Your verification code is: %s\n\nIt expires in 10 minutes. If you did not request it, you can ignore this email.\n", payload.Code)
	case KindWelcome:
		b.WriteString("Your account is ready. Sign in any time with your handle or email.\n")
	case KindPasswordChanged:
		b.WriteString("Your account password was just changed.\n")
	case KindLoginAlert:
		b.WriteString("A new sign-in to your account was detected.\n")
	}

	if payload.DeviceName != "" || payload.IP != "" {
		b.WriteString("\n")
		if payload.DeviceName != "" {
			fmt.Fprintf(&b, "Device: %s\n", payload.DeviceName)
		}
		if payload.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", payload.Location)
		}
		if payload.IP != "" {
			fmt.Fprintf(&b, "IP: %s\n", payload.IP)
		}
		if !payload.When.IsZero() {
			fmt.Fprintf(&b, "Time: %s\n", payload.When.UTC().Format("2006-01-02 15:04:05 UTC"))
		}
	}

	b.WriteString("\n-- \nQuestora\n")
	return b.String()
}

// maskEmail keeps the first rune of the local part and the domain.
func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
