package identity

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/questora/server/internal/model"
	"github.com/questora/server/internal/repo"
)

// ActivityWriter appends audit events tagged with device context. Append
// failures accompanying a primary operation are logged, never propagated;
// an audit miss must not fail a login or password change.
type ActivityWriter struct {
	activity repo.ActivityRepo
}

// NewActivityWriter creates a new ActivityWriter.
func NewActivityWriter(activity repo.ActivityRepo) *ActivityWriter {
	return &ActivityWriter{activity: activity}
}

// Record appends one entry. Details are flattened into the JSON payload.
func (w *ActivityWriter) Record(ctx context.Context, accountID uuid.UUID, action string, details map[string]string, devCtx model.DeviceContext, suspicious bool) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	entry := model.ActivityLogEntry{
		AccountID:  accountID,
		Action:     action,
		Details:    payload,
		DeviceName: devCtx.DeviceName,
		Browser:    devCtx.Browser,
		OS:         devCtx.OS,
		IP:         devCtx.IP,
		City:       devCtx.City,
		Country:    devCtx.Country,
		Suspicious: suspicious,
	}
	if _, err := w.activity.Append(ctx, entry); err != nil {
		slog.Error("activity append failed",
			slog.String("action", action),
			slog.String("account_id", accountID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// List returns filtered entries, newest first.
func (w *ActivityWriter) List(ctx context.Context, accountID uuid.UUID, filter repo.ActivityFilter) ([]model.ActivityLogEntry, error) {
	entries, err := w.activity.List(ctx, accountID, filter)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return entries, nil
}

// ExportCSV writes entries as CSV with the columns of the activity screen:
// Date, Action, Description, Device, Location, IP.
func (w *ActivityWriter) ExportCSV(out io.Writer, entries []model.ActivityLogEntry) error {
	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"Date", "Action", "Description", "Device", "Location", "IP"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, entry := range entries {
		location := model.DeviceContext{City: entry.City, Country: entry.Country}.Location()
		row := []string{
			entry.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			entry.Action,
			describeDetails(entry.Details),
			entry.DeviceName,
			location,
			entry.IP,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// describeDetails renders the detail payload as "key: value" pairs in
// stable order.
func describeDetails(details json.RawMessage) string {
	if len(details) == 0 {
		return ""
	}
	var kv map[string]string
	if err := json.Unmarshal(details, &kv); err != nil || len(kv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+kv[k])
	}
	return strings.Join(parts, "; ")
}
