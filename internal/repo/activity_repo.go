package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/questora/server/internal/model"
)

// ActivityFilter narrows activity log listings.
type ActivityFilter struct {
	Action string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// ActivityRepo defines the interface for the append-only audit log.
// Entries are never updated or deleted.
type ActivityRepo interface {
	Append(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error)
	List(ctx context.Context, accountID uuid.UUID, filter ActivityFilter) ([]model.ActivityLogEntry, error)
}

type activityRepo struct {
	db *sql.DB
}

// NewActivityRepo creates a new ActivityRepo instance
func NewActivityRepo(db *sql.DB) ActivityRepo {
	return &activityRepo{db: db}
}

const activityColumns = `id, account_id, action, details, device_name, browser, os,
	ip, city, country, suspicious, created_at`

func scanActivity(row rowScanner) (model.ActivityLogEntry, error) {
	var e model.ActivityLogEntry
	var idStr, accountIDStr string
	err := row.Scan(
		&idStr, &accountIDStr, &e.Action, &e.Details, &e.DeviceName,
		&e.Browser, &e.OS, &e.IP, &e.City, &e.Country, &e.Suspicious, &e.CreatedAt,
	)
	if err != nil {
		return model.ActivityLogEntry{}, err
	}
	e.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.ActivityLogEntry{}, fmt.Errorf("parse activity ID: %w", err)
	}
	e.AccountID, err = uuid.Parse(accountIDStr)
	if err != nil {
		return model.ActivityLogEntry{}, fmt.Errorf("parse activity account ID: %w", err)
	}
	return e, nil
}

func (r *activityRepo) Append(ctx context.Context, entry model.ActivityLogEntry) (model.ActivityLogEntry, error) {
	details := entry.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	query := `
		INSERT INTO activity_log (
			account_id, action, details, device_name, browser, os,
			ip, city, country, suspicious
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + activityColumns
	appended, err := scanActivity(r.db.QueryRowContext(ctx, query,
		entry.AccountID, entry.Action, details,
		entry.DeviceName, entry.Browser, entry.OS,
		entry.IP, entry.City, entry.Country, entry.Suspicious,
	))
	if err != nil {
		return model.ActivityLogEntry{}, fmt.Errorf("append activity: %w", err)
	}
	return appended, nil
}

func (r *activityRepo) List(ctx context.Context, accountID uuid.UUID, filter ActivityFilter) ([]model.ActivityLogEntry, error) {
	conditions := []string{"account_id = $1"}
	args := []interface{}{accountID}
	add := func(condition string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Since != nil {
		add("created_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("created_at <= $%d", *filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM activity_log
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d
	`, activityColumns, strings.Join(conditions, " AND "), limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var entries []model.ActivityLogEntry
	for rows.Next() {
		entry, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return entries, nil
}
