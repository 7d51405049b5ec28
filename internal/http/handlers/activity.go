package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/questora/server/internal/identity"
	"github.com/questora/server/internal/middleware"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/repo"
)

// ActivityHandler serves the authenticated audit log surface.
type ActivityHandler struct {
	activity *identity.ActivityWriter
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(activity *identity.ActivityWriter) *ActivityHandler {
	return &ActivityHandler{activity: activity}
}

type activityEntryResponse struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	Details    string    `json:"details,omitempty"`
	DeviceName string    `json:"device_name"`
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
	IP         string    `json:"ip"`
	Location   string    `json:"location"`
	Suspicious bool      `json:"suspicious"`
	CreatedAt  time.Time `json:"created_at"`
}

// List returns the account's activity entries, newest first. Filters come
// from query parameters: action, since, until (RFC 3339), limit, offset.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.activity.List(r.Context(), accountID, filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	resp := make([]activityEntryResponse, 0, len(entries))
	for _, entry := range entries {
		location := model.DeviceContext{City: entry.City, Country: entry.Country}.Location()
		resp = append(resp, activityEntryResponse{
			ID:         entry.ID.String(),
			Action:     entry.Action,
			Details:    string(entry.Details),
			DeviceName: entry.DeviceName,
			Browser:    entry.Browser,
			OS:         entry.OS,
			IP:         entry.IP,
			Location:   location,
			Suspicious: entry.Suspicious,
			CreatedAt:  entry.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": resp})
}

// Export streams the filtered activity log as a CSV attachment.
func (h *ActivityHandler) Export(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.activity.List(r.Context(), accountID, filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="activity.csv"`)
	if err := h.activity.ExportCSV(w, entries); err != nil {
		// Headers are already out; nothing useful left to send.
		return
	}
}

func filterFromQuery(r *http.Request) (repo.ActivityFilter, error) {
	query := r.URL.Query()
	filter := repo.ActivityFilter{Action: query.Get("action")}

	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return repo.ActivityFilter{}, err
		}
		filter.Since = &since
	}
	if raw := query.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return repo.ActivityFilter{}, err
		}
		filter.Until = &until
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return repo.ActivityFilter{}, err
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return repo.ActivityFilter{}, err
		}
		filter.Offset = offset
	}
	return filter, nil
}
