package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceState is the stored online/offline state of a user
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceStaleAfter is how old an online record's LastActive may be before
// readers treat the user as effectively offline. Two missed heartbeats at the
// 45s interval.
const PresenceStaleAfter = 90 * time.Second

// Presence is the per-user presence record. Exactly one record exists per
// user; writes are last-writer-wins and records are never deleted.
type Presence struct {
	UserID uuid.UUID     `json:"user_id"`
	State  PresenceState `json:"state"`
	// LastActive is set only when the user transitions to or refreshes
	// online, so it survives SetOffline as the "last seen" moment.
	LastActive time.Time `json:"last_active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EffectiveState applies the reader-side staleness policy: a record that says
// online but has not been refreshed within PresenceStaleAfter counts as
// offline. The adapter never rewrites the record; staleness belongs to readers.
func EffectiveState(state PresenceState, lastActive, now time.Time) PresenceState {
	if state != PresenceOnline {
		return PresenceOffline
	}
	if now.Sub(lastActive) > PresenceStaleAfter {
		return PresenceOffline
	}
	return PresenceOnline
}

// Effective returns the record's state after the staleness policy
func (p *Presence) Effective(now time.Time) PresenceState {
	if p == nil {
		return PresenceOffline
	}
	return EffectiveState(p.State, p.LastActive, now)
}
