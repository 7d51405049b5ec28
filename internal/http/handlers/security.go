package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/questora/server/internal/fingerprint"
	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/middleware"
	"github.com/questora/server/internal/repo"
)

// SecurityHandler serves the authenticated security settings surface.
type SecurityHandler struct {
	security *identity.SecurityService
	fp       fingerprint.Fingerprinter
}

// NewSecurityHandler creates a new SecurityHandler.
func NewSecurityHandler(security *identity.SecurityService, fp fingerprint.Fingerprinter) *SecurityHandler {
	return &SecurityHandler{security: security, fp: fp}
}

type securityPatchRequest struct {
	TwoFactorEnabled    *bool   `json:"two_factor_enabled"`
	TwoFactorMethod     *string `json:"two_factor_method"`
	LoginAlertEmail     *bool   `json:"login_alert_email"`
	LoginAlertSMS       *bool   `json:"login_alert_sms"`
	LoginAlertPush      *bool   `json:"login_alert_push"`
	LoginAlertCondition *string `json:"login_alert_condition"`
	PasswordChangeAlert *bool   `json:"password_change_alert"`
	EmailChangeAlert    *bool   `json:"email_change_alert"`
	PhoneChangeAlert    *bool   `json:"phone_change_alert"`
}

// Update applies a partial security settings update.
func (h *SecurityHandler) Update(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req securityPatchRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patch := repo.SecurityPatch{
		TwoFactorEnabled:    req.TwoFactorEnabled,
		TwoFactorMethod:     req.TwoFactorMethod,
		LoginAlertEmail:     req.LoginAlertEmail,
		LoginAlertSMS:       req.LoginAlertSMS,
		LoginAlertPush:      req.LoginAlertPush,
		LoginAlertCondition: req.LoginAlertCondition,
		PasswordChangeAlert: req.PasswordChangeAlert,
		EmailChangeAlert:    req.EmailChangeAlert,
		PhoneChangeAlert:    req.PhoneChangeAlert,
	}
	devCtx := h.fp.FromRequest(r)
	if err := h.security.UpdateSecurity(r.Context(), accountID, patch, devCtx); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword overwrites the password after verifying the current one.
func (h *SecurityHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CurrentPassword == "" {
		respondWithError(w, http.StatusBadRequest, "current_password is required")
		return
	}

	devCtx := h.fp.FromRequest(r)
	if err := h.security.ChangePassword(r.Context(), accountID, req.CurrentPassword, req.NewPassword, devCtx); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

type beginTwoFactorRequest struct {
	Method string `json:"method"`
}

type beginTwoFactorResponse struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

// BeginTwoFactor stages a two-factor enrollment and returns the shared
// secret. Nothing is enabled until the confirmation step.
func (h *SecurityHandler) BeginTwoFactor(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req beginTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	enrollment, err := h.security.BeginTOTPEnrollment(r.Context(), accountID, req.Method)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, beginTwoFactorResponse{
		Secret: enrollment.Secret,
		URI:    enrollment.URI,
	})
}

type confirmTwoFactorRequest struct {
	Code string `json:"code"`
}

type confirmTwoFactorResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// ConfirmTwoFactor verifies the confirmation code and enables two-factor.
// The backup codes appear in this response once and are never shown again.
func (h *SecurityHandler) ConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req confirmTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	devCtx := h.fp.FromRequest(r)
	backupCodes, err := h.security.ConfirmTOTPEnrollment(r.Context(), accountID, req.Code, devCtx)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, confirmTwoFactorResponse{BackupCodes: backupCodes})
}
