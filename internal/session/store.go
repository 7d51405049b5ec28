package session

import (
	"time"

	"github.com/google/uuid"
)

// AccountSummary is the cached display summary for a roster entry.
type AccountSummary struct {
	ID     uuid.UUID `json:"id"`
	Handle string    `json:"handle"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
}

// RosterEntry is one account previously signed in on the device.
type RosterEntry struct {
	AccountSummary
	IsActive   bool      `json:"is_active"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// State is the device-local identity set: the current session plus the
// roster of accounts used on this device. Invariant: at most one roster
// entry is active, and it mirrors Current.
type State struct {
	Current *AccountSummary `json:"current,omitempty"`
	Roster  []RosterEntry   `json:"roster,omitempty"`
}

// ActiveEntry returns the active roster entry, if any.
func (s State) ActiveEntry() (RosterEntry, bool) {
	for _, entry := range s.Roster {
		if entry.IsActive {
			return entry, true
		}
	}
	return RosterEntry{}, false
}

// setActive makes summary the current session and the single active roster
// entry, appending it when unseen on this device.
func (s *State) setActive(summary AccountSummary, now time.Time) {
	current := summary
	s.Current = &current

	found := false
	for i := range s.Roster {
		if s.Roster[i].ID == summary.ID {
			s.Roster[i].AccountSummary = summary
			s.Roster[i].IsActive = true
			s.Roster[i].LastUsedAt = now
			found = true
		} else {
			s.Roster[i].IsActive = false
		}
	}
	if !found {
		s.Roster = append(s.Roster, RosterEntry{
			AccountSummary: summary,
			IsActive:       true,
			LastUsedAt:     now,
		})
	}
}

// Store persists per-device session state. The Manager is the single
// writer; everything else reads through the Manager.
type Store interface {
	Load(deviceID string) (State, error)
	Save(deviceID string, state State) error
	Clear(deviceID string) error
}
