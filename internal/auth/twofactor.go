package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

const (
	totpSecretBytes  = 20
	backupCodeCount  = 10
	backupCodeLength = 10
	// No 0/1/I/O, so transcribed codes are unambiguous.
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// GenerateTOTPSecret returns a random base32 secret for manual entry or QR
// provisioning in an authenticator app.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// ProvisioningURI builds the otpauth:// URI encoded in the enrollment QR.
func ProvisioningURI(secret, accountLabel, issuer string) string {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", "6")
	v.Set("period", "30")
	return fmt.Sprintf("otpauth://totp/%s:%s?%s",
		url.PathEscape(issuer), url.PathEscape(accountLabel), v.Encode())
}

// ValidTOTPFormat checks the confirmation code shape: exactly 6 digits.
// Real time-based validation happens in the authenticator collaborator.
func ValidTOTPFormat(code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// GenerateBackupCodes returns exactly 10 single-use codes. They are shown
// once; only their hashes are stored.
func GenerateBackupCodes() ([]string, error) {
	codes := make([]string, 0, backupCodeCount)
	alphabetSize := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < backupCodeCount; i++ {
		var b strings.Builder
		b.Grow(backupCodeLength)
		for j := 0; j < backupCodeLength; j++ {
			n, err := rand.Int(rand.Reader, alphabetSize)
			if err != nil {
				return nil, fmt.Errorf("generate backup code: %w", err)
			}
			b.WriteByte(backupCodeAlphabet[n.Int64()])
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}
