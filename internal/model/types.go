package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account status values.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusBanned    = "banned"
)

// Two-factor methods.
const (
	TwoFactorTOTP  = "totp"
	TwoFactorSMS   = "sms"
	TwoFactorEmail = "email"
)

// Login alert conditions.
const (
	AlertEveryLogin = "every_login"
	AlertNewDevice  = "new_device"
)

// Verification code purposes.
const (
	PurposeRegistration  = "registration"
	PurposePasswordReset = "password_reset"
)

// Activity log actions.
const (
	ActionLogin          = "login"
	ActionLogout         = "logout"
	ActionFailedLogin    = "failed_login"
	ActionPasswordChange = "password_change"
	ActionSecurityChange = "security_change"
	ActionProfileUpdate  = "profile_update"
	ActionDeviceTrusted  = "device_trusted"
)

// Account is a durable, verified identity record.
type Account struct {
	ID            uuid.UUID
	Handle        string
	LoginID       string
	PasswordHash  string
	FirstName     string
	LastName      string
	Email         string
	Phone         string
	Country       string
	Address       string
	DateOfBirth   *time.Time
	Gender        string
	EmailVerified bool
	PhoneVerified bool
	Status        string

	TwoFactorEnabled bool
	TwoFactorMethod  string

	LoginAlertEmail     bool
	LoginAlertSMS       bool
	LoginAlertPush      bool
	LoginAlertCondition string
	PasswordChangeAlert bool
	EmailChangeAlert    bool
	PhoneChangeAlert    bool

	Theme  string
	Locale string

	// Attributes carries behavioral/analytics state (visit counts, purchase
	// aggregates, segment labels) that this subsystem stores but never computes.
	Attributes json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName joins the name parts for notification payloads.
func (a Account) FullName() string {
	if a.FirstName == "" {
		return a.LastName
	}
	if a.LastName == "" {
		return a.FirstName
	}
	return a.FirstName + " " + a.LastName
}

// DraftRegistration is a staged identity awaiting OTP confirmation.
type DraftRegistration struct {
	ID           uuid.UUID
	Handle       string
	LoginID      string
	PasswordHash string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	DateOfBirth  *time.Time
	Gender       string
	Country      string
	Address      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// VerificationCode is a one-time numeric code bound to an email and purpose.
// Multiple unconsumed codes per email may coexist; redemption matches on the
// exact (email, code) pair.
type VerificationCode struct {
	ID         uuid.UUID
	Email      string
	Code       string
	Purpose    string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// DeviceContext is the runtime environment snapshot attached to audit
// records and device rows. Fields that cannot be derived stay "Unknown".
type DeviceContext struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	Browser    string
	OS         string
	Screen     string
	Locale     string
	Timezone   string
	IP         string
	City       string
	Country    string
}

// Location renders "City, Country" for display and CSV export.
func (d DeviceContext) Location() string {
	if d.City == "" || d.City == "Unknown" {
		return d.Country
	}
	if d.Country == "" || d.Country == "Unknown" {
		return d.City
	}
	return d.City + ", " + d.Country
}

// DeviceRecord is one (account, device origin) pair observed at login.
type DeviceRecord struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	DeviceID   string
	DeviceName string
	DeviceType string
	Browser    string
	OS         string
	Screen     string
	Locale     string
	City       string
	Country    string
	IP         string
	Trusted    bool
	Current    bool
	LastUsedAt time.Time
	CreatedAt  time.Time
}

// ActivityLogEntry is an append-only audit record. Never mutated or deleted.
type ActivityLogEntry struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Action     string
	Details    json.RawMessage
	DeviceName string
	Browser    string
	OS         string
	IP         string
	City       string
	Country    string
	Suspicious bool
	CreatedAt  time.Time
}
