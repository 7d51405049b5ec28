package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/questora/server/internal/repo"
)

// Reaper periodically purges expired drafts and spent verification codes.
// Reset authorizations expire on their own in the guard store.
type Reaper struct {
	drafts   repo.DraftRepo
	codes    repo.CodeRepo
	interval time.Duration
}

// NewReaper creates a new Reaper.
func NewReaper(drafts repo.DraftRepo, codes repo.CodeRepo, interval time.Duration) *Reaper {
	return &Reaper{drafts: drafts, codes: codes, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	drafts, err := r.drafts.DeleteExpired(ctx)
	if err != nil {
		slog.Error("reap drafts failed", slog.String("error", err.Error()))
	}
	codes, err := r.codes.DeleteExpired(ctx)
	if err != nil {
		slog.Error("reap codes failed", slog.String("error", err.Error()))
	}
	if drafts > 0 || codes > 0 {
		slog.Info("reaper sweep", slog.Int64("drafts", drafts), slog.Int64("codes", codes))
	}
}
