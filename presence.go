package loqui

import (
	"sync"
	"time"
)

// ============================================================================
// Presence Tracker
// ============================================================================

// PresenceTracker merges online-status payloads for known users. Different
// backend versions report the online flag under isOnline, online, or status;
// the first non-null candidate wins, in that order. Updates for users the
// tracker was never told about are dropped, not inserted.
type PresenceTracker struct {
	mu    sync.RWMutex
	users map[string]*Contact
}

// NewPresenceTracker creates a tracker with no known users.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{users: make(map[string]*Contact)}
}

// Track registers contacts as known users, preserving any presence already
// merged for them.
func (p *PresenceTracker) Track(contacts []Contact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range contacts {
		c := contacts[i]
		if existing, ok := p.users[c.ID]; ok {
			c.Online = existing.Online
			if existing.LastSeen != nil {
				c.LastSeen = existing.LastSeen
			}
		}
		p.users[c.ID] = &c
	}
}

// Apply merges one presence payload. Returns false when the payload names no
// known user or carries no usable field.
func (p *PresenceTracker) Apply(payload map[string]any) bool {
	userID, ok := stringField(payload, "userId", "id", "_id", "user")
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.users[userID]
	if !ok {
		return false
	}

	applied := false
	if online, ok := boolField(payload, "isOnline", "online", "status"); ok {
		c.Online = online
		applied = true
	}
	if t, ok := timeField(payload, "lastSeen", "lastSeenAt", "last_seen"); ok {
		c.LastSeen = &t
		applied = true
	}
	return applied
}

// Get returns a copy of one user's contact entry.
func (p *PresenceTracker) Get(userID string) (Contact, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.users[userID]; ok {
		return *c, true
	}
	return Contact{}, false
}

// All returns a copy of every known user's entry.
func (p *PresenceTracker) All() []Contact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Contact, 0, len(p.users))
	for _, c := range p.users {
		out = append(out, *c)
	}
	return out
}

// markSeen stamps a user's lastSeen, used when an explicit timestamp is
// absent from an offline transition.
func (p *PresenceTracker) markSeen(userID string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.users[userID]; ok {
		c.LastSeen = &at
	}
}
