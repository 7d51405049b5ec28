package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/questora/server/internal/fingerprint"
	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/middleware"
	"github.com/questora/server/internal/repo"
	"github.com/questora/server/internal/session"
)

// AccountHandler serves the authenticated account surface: the current
// profile, profile updates and the device's multi-account session.
type AccountHandler struct {
	security *identity.SecurityService
	sessions *session.Manager
	fp       fingerprint.Fingerprinter
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(security *identity.SecurityService, sessions *session.Manager, fp fingerprint.Fingerprinter) *AccountHandler {
	return &AccountHandler{security: security, sessions: sessions, fp: fp}
}

// Me returns the authenticated account.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, ok := middleware.GetAccount(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondJSON(w, http.StatusOK, toAccountResponse(*account))
}

type profilePatchRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Country   *string `json:"country"`
	Address   *string `json:"address"`
	Theme     *string `json:"theme"`
	Locale    *string `json:"locale"`
}

// UpdateProfile applies a partial profile update. Absent fields stay
// untouched; unknown fields are rejected by the closed request shape.
func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req profilePatchRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	patch := repo.ProfilePatch{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Country:   req.Country,
		Address:   req.Address,
		Theme:     req.Theme,
		Locale:    req.Locale,
	}
	devCtx := h.fp.FromRequest(r)
	if err := h.security.UpdateProfile(r.Context(), accountID, patch, devCtx); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type rosterEntryResponse struct {
	AccountID  string    `json:"account_id"`
	Handle     string    `json:"handle"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	IsActive   bool      `json:"is_active"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type rosterResponse struct {
	Current *rosterEntryResponse  `json:"current,omitempty"`
	Roster  []rosterEntryResponse `json:"roster"`
}

// Roster returns the device's identity set for the account switcher.
func (h *AccountHandler) Roster(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := middleware.GetDeviceID(r.Context())
	if !ok {
		respondWithError(w, http.StatusBadRequest, "token carries no device")
		return
	}

	state, err := h.sessions.Roster(deviceID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	resp := rosterResponse{Roster: make([]rosterEntryResponse, 0, len(state.Roster))}
	for _, entry := range state.Roster {
		item := rosterEntryResponse{
			AccountID:  entry.ID.String(),
			Handle:     entry.Handle,
			Name:       entry.Name,
			Email:      entry.Email,
			IsActive:   entry.IsActive,
			LastUsedAt: entry.LastUsedAt,
		}
		resp.Roster = append(resp.Roster, item)
		if entry.IsActive {
			active := item
			resp.Current = &active
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type switchRequest struct {
	AccountID string `json:"account_id"`
}

// Switch changes the device's active identity to another roster account.
func (h *AccountHandler) Switch(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := middleware.GetDeviceID(r.Context())
	if !ok {
		respondWithError(w, http.StatusBadRequest, "token carries no device")
		return
	}

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid account_id")
		return
	}

	devCtx := h.fp.FromRequest(r)
	account, token, err := h.sessions.SwitchTo(r.Context(), deviceID, accountID, devCtx)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, sessionResponse{
		Account:     toAccountResponse(account),
		AccessToken: token,
	})
}

// Logout signs out every account on the device and wipes its identity set.
func (h *AccountHandler) Logout(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := middleware.GetDeviceID(r.Context())
	if !ok {
		respondWithError(w, http.StatusBadRequest, "token carries no device")
		return
	}

	devCtx := h.fp.FromRequest(r)
	if err := h.sessions.SignOutAll(r.Context(), deviceID, devCtx); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}
