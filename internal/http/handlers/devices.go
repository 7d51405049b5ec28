package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/questora/server/internal/fingerprint"
	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/middleware"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/repo"
)

// DeviceHandler serves the authenticated device records surface.
type DeviceHandler struct {
	devices  repo.DeviceRepo
	activity *identity.ActivityWriter
	fp       fingerprint.Fingerprinter
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(devices repo.DeviceRepo, activity *identity.ActivityWriter, fp fingerprint.Fingerprinter) *DeviceHandler {
	return &DeviceHandler{devices: devices, activity: activity, fp: fp}
}

type deviceResponse struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"device_name"`
	DeviceType string    `json:"device_type"`
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
	Location   string    `json:"location"`
	IP         string    `json:"ip"`
	Trusted    bool      `json:"trusted"`
	Current    bool      `json:"current"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func toDeviceResponse(record model.DeviceRecord) deviceResponse {
	location := model.DeviceContext{City: record.City, Country: record.Country}.Location()
	return deviceResponse{
		ID:         record.ID.String(),
		DeviceName: record.DeviceName,
		DeviceType: record.DeviceType,
		Browser:    record.Browser,
		OS:         record.OS,
		Location:   location,
		IP:         record.IP,
		Trusted:    record.Trusted,
		Current:    record.Current,
		LastUsedAt: record.LastUsedAt,
		CreatedAt:  record.CreatedAt,
	}
}

// List returns the account's device records, current device first.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	records, err := h.devices.ListByAccount(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	resp := make([]deviceResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, toDeviceResponse(record))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"devices": resp})
}

type devicePatchRequest struct {
	Trusted *bool   `json:"trusted"`
	Name    *string `json:"name"`
}

// Update renames a device record or toggles its trusted flag.
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	recordID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req devicePatchRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Trusted == nil && req.Name == nil {
		respondWithError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			respondWithError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		if err := h.devices.Rename(r.Context(), accountID, recordID, *req.Name); err != nil {
			h.respondRepoError(w, err)
			return
		}
	}
	if req.Trusted != nil {
		if err := h.devices.SetTrusted(r.Context(), accountID, recordID, *req.Trusted); err != nil {
			h.respondRepoError(w, err)
			return
		}
		if *req.Trusted {
			devCtx := h.fp.FromRequest(r)
			h.activity.Record(r.Context(), accountID, model.ActionDeviceTrusted,
				map[string]string{"device_record_id": recordID.String()}, devCtx, false)
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *DeviceHandler) respondRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "device not found")
		return
	}
	respondServiceError(w, err)
}
