package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/model"
)

// respondJSON writes a JSON response body.
func respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response failed", slog.String("error", err.Error()))
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// respondServiceError maps the identity error taxonomy to HTTP statuses.
// Unmapped errors become opaque 500s; the detail goes to the log only.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrValidation):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidCredential),
		errors.Is(err, identity.ErrResetNotAuthorized):
		respondWithError(w, http.StatusUnauthorized, "invalid credential")
	case errors.Is(err, identity.ErrAccountDisabled):
		respondWithError(w, http.StatusForbidden, "account disabled")
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, identity.ErrDraftNotFound):
		respondWithError(w, http.StatusNotFound, "not found")
	case errors.Is(err, identity.ErrConflict):
		respondWithError(w, http.StatusConflict, "already taken")
	case errors.Is(err, identity.ErrPhoneLimitExceeded):
		respondWithError(w, http.StatusConflict, "phone number already used by too many accounts")
	case errors.Is(err, identity.ErrAmbiguousIdentifier):
		respondWithError(w, http.StatusConflict, "identifier matches multiple accounts")
	case errors.Is(err, identity.ErrFlowState):
		respondWithError(w, http.StatusConflict, "flow state mismatch")
	case errors.Is(err, identity.ErrOTPThrottled),
		errors.Is(err, identity.ErrAccountLocked):
		respondWithError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, identity.ErrDependency):
		respondWithError(w, http.StatusBadGateway, "service temporarily unavailable")
	default:
		slog.Error("unhandled service error", slog.String("error", err.Error()))
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// accountResponse is the account object in API responses. The password
// digest and raw analytics attributes never leave the server.
type accountResponse struct {
	ID               string `json:"id"`
	Handle           string `json:"handle"`
	LoginID          string `json:"login_id"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	Country          string `json:"country"`
	EmailVerified    bool   `json:"email_verified"`
	PhoneVerified    bool   `json:"phone_verified"`
	Status           string `json:"status"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
	TwoFactorMethod  string `json:"two_factor_method,omitempty"`
	Theme            string `json:"theme"`
	Locale           string `json:"locale"`
}

func toAccountResponse(account model.Account) accountResponse {
	return accountResponse{
		ID:               account.ID.String(),
		Handle:           account.Handle,
		LoginID:          account.LoginID,
		FirstName:        account.FirstName,
		LastName:         account.LastName,
		Email:            account.Email,
		Phone:            account.Phone,
		Country:          account.Country,
		EmailVerified:    account.EmailVerified,
		PhoneVerified:    account.PhoneVerified,
		Status:           account.Status,
		TwoFactorEnabled: account.TwoFactorEnabled,
		TwoFactorMethod:  account.TwoFactorMethod,
		Theme:            account.Theme,
		Locale:           account.Locale,
	}
}
