package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/questora/server/internal/fingerprint"
	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/middleware"
	"github.com/questora/server/internal/session"
)

// AuthHandler serves the unauthenticated surface: registration, lookup,
// sign-in and account recovery.
type AuthHandler struct {
	registration *identity.RegistrationService
	recovery     *identity.RecoveryService
	sessions     *session.Manager
	fp           fingerprint.Fingerprinter
	loginLimiter *middleware.RateLimiter
	otpLimiter   *middleware.RateLimiter
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(
	registration *identity.RegistrationService,
	recovery *identity.RecoveryService,
	sessions *session.Manager,
	fp fingerprint.Fingerprinter,
) *AuthHandler {
	return &AuthHandler{
		registration: registration,
		recovery:     recovery,
		sessions:     sessions,
		fp:           fp,
		loginLimiter: middleware.NewRateLimiter(time.Minute, 20),
		otpLimiter:   middleware.NewRateLimiter(time.Minute, 10),
	}
}

type registerRequest struct {
	Handle      string `json:"handle"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth"`
	Gender      string `json:"gender"`
	Country     string `json:"country"`
	Address     string `json:"address"`
}

type registerResponse struct {
	Email     string    `json:"email"`
	LoginID   string    `json:"login_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Register stages a draft registration and sends the confirmation code.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.otpLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	input := identity.RegistrationInput{
		Handle:    req.Handle,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		Gender:    req.Gender,
		Country:   req.Country,
		Address:   req.Address,
	}
	if req.DateOfBirth != "" {
		dob, err := time.Parse("2006-01-02", req.DateOfBirth)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
			return
		}
		input.DateOfBirth = &dob
	}

	draft, err := h.registration.StartDraft(r.Context(), input)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, registerResponse{
		Email:     draft.Email,
		LoginID:   draft.LoginID,
		ExpiresAt: draft.ExpiresAt,
	})
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type sessionResponse struct {
	Account     accountResponse `json:"account"`
	AccessToken string          `json:"access_token"`
}

// VerifyRegistration redeems the confirmation code, promotes the draft to
// a full account and signs the new account in on this device.
func (h *AuthHandler) VerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	devCtx := h.fp.FromRequest(r)
	account, err := h.registration.CompleteDraft(r.Context(), req.Email, req.Code, devCtx)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	token, err := h.sessions.Establish(r.Context(), account, devCtx)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, sessionResponse{
		Account:     toAccountResponse(account),
		AccessToken: token,
	})
}

type resendRequest struct {
	Email string `json:"email"`
}

// ResendCode reissues the registration code for a staged draft.
func (h *AuthHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	if !h.otpLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.registration.ResendCode(r.Context(), req.Email); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type lookupRequest struct {
	Identifier string `json:"identifier"`
}

type lookupResponse struct {
	Handle    string `json:"handle"`
	FirstName string `json:"first_name"`
	Found     bool   `json:"found"`
}

// Lookup is the first sign-in step: it confirms the identifier resolves to
// exactly one active account before the password prompt. The response
// carries only what the sign-in screen displays.
func (h *AuthHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if !h.loginLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := h.sessions.Lookup(r.Context(), req.Identifier)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, lookupResponse{
		Handle:    account.Handle,
		FirstName: account.FirstName,
		Found:     true,
	})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login completes the second sign-in step and activates the account on the
// calling device.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.loginLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identifier == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "identifier and password are required")
		return
	}

	devCtx := h.fp.FromRequest(r)
	account, token, err := h.sessions.Login(r.Context(), req.Identifier, req.Password, devCtx)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sessionResponse{
		Account:     toAccountResponse(account),
		AccessToken: token,
	})
}

type recoverySearchRequest struct {
	Identifier string `json:"identifier"`
}

type recoverySearchResponse struct {
	FlowID     string                   `json:"flow_id"`
	State      string                   `json:"state"`
	Candidates []identity.MaskedAccount `json:"candidates"`
}

// RecoverySearch starts a recovery flow from a free-text identifier.
func (h *AuthHandler) RecoverySearch(w http.ResponseWriter, r *http.Request) {
	if !h.otpLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req recoverySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.recovery.Search(r.Context(), req.Identifier)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, recoverySearchResponse{
		FlowID:     result.FlowID,
		State:      result.State,
		Candidates: result.Candidates,
	})
}

type recoveryMethodRequest struct {
	FlowID    string `json:"flow_id"`
	AccountID string `json:"account_id,omitempty"`
	Method    string `json:"method"`
}

// RecoveryMethod selects the candidate (when the search was ambiguous) and
// dispatches the recovery code over the chosen channel. The "password"
// method just abandons the flow back to sign-in.
func (h *AuthHandler) RecoveryMethod(w http.ResponseWriter, r *http.Request) {
	if !h.otpLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req recoveryMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FlowID == "" || req.Method == "" {
		respondWithError(w, http.StatusBadRequest, "flow_id and method are required")
		return
	}

	if req.AccountID != "" {
		accountID, err := uuid.Parse(req.AccountID)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid account_id")
			return
		}
		if err := h.recovery.Select(r.Context(), req.FlowID, accountID); err != nil {
			respondServiceError(w, err)
			return
		}
	}

	if err := h.recovery.ChooseMethod(r.Context(), req.FlowID, req.Method); err != nil {
		respondServiceError(w, err)
		return
	}

	state := identity.StateAwaitCode
	if req.Method == identity.MethodPassword {
		state = "closed"
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": state})
}

type recoveryVerifyRequest struct {
	FlowID string `json:"flow_id"`
	Code   string `json:"code"`
}

// RecoveryVerify redeems the recovery code and authorizes one password
// reset for the flow's account.
func (h *AuthHandler) RecoveryVerify(w http.ResponseWriter, r *http.Request) {
	var req recoveryVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FlowID == "" || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "flow_id and code are required")
		return
	}

	email, err := h.recovery.FlowEmail(req.FlowID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.recovery.Authorize(r.Context(), email, req.Code); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

type recoveryResetRequest struct {
	FlowID      string `json:"flow_id"`
	NewPassword string `json:"new_password"`
}

// RecoveryReset overwrites the password under a live reset authorization
// and signs the recovered account in on this device.
func (h *AuthHandler) RecoveryReset(w http.ResponseWriter, r *http.Request) {
	var req recoveryResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FlowID == "" {
		respondWithError(w, http.StatusBadRequest, "flow_id is required")
		return
	}

	email, err := h.recovery.FlowEmail(req.FlowID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	devCtx := h.fp.FromRequest(r)
	account, err := h.recovery.ResetPassword(r.Context(), email, req.NewPassword, devCtx)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.recovery.Abandon(r.Context(), req.FlowID)

	token, err := h.sessions.Establish(r.Context(), account, devCtx)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sessionResponse{
		Account:     toAccountResponse(account),
		AccessToken: token,
	})
}
