package loqui

import "sync"

// ============================================================================
// Unread Counter
// ============================================================================

// UnreadCounter tracks per-conversation unread message counts, reconciled
// from both local increments and authoritative server snapshots.
type UnreadCounter struct {
	mu     sync.RWMutex
	counts map[string]int
}

// NewUnreadCounter creates an empty counter.
func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{counts: make(map[string]int)}
}

// Increment bumps the count for key unless key is the active conversation.
// An open conversation is read as messages arrive, so incrementing it would
// show a badge for a message the user is already looking at.
func (u *UnreadCounter) Increment(key, activeKey string) bool {
	if key == activeKey {
		return false
	}
	u.mu.Lock()
	u.counts[key]++
	u.mu.Unlock()
	return true
}

// Decrement lowers the count for key, never below zero. Used when an unread
// message is deleted out from under the counter.
func (u *UnreadCounter) Decrement(key string) {
	u.mu.Lock()
	if u.counts[key] > 0 {
		u.counts[key]--
	}
	u.mu.Unlock()
}

// Clear zeroes the count for key, used when the conversation is opened or an
// authoritative all-read event resolves.
func (u *UnreadCounter) Clear(key string) {
	u.mu.Lock()
	u.counts[key] = 0
	u.mu.Unlock()
}

// Count returns the current count for key.
func (u *UnreadCounter) Count(key string) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counts[key]
}

// Snapshot returns a copy of all non-zero counts.
func (u *UnreadCounter) Snapshot() map[string]int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// ReconcileSnapshot merges a server-pushed unread-counts payload, overwriting
// only the keys the payload names. The backend's shape for this event is not
// fixed: a bare {key: count} map, an array of {id, count} records, and a
// wrapped envelope all occur. Entries that cannot be normalised into a
// (key, integer) pair are skipped.
func (u *UnreadCounter) ReconcileSnapshot(payload any) int {
	entries := normalizeUnreadSnapshot(payload)
	if len(entries) == 0 {
		return 0
	}
	u.mu.Lock()
	for key, count := range entries {
		u.counts[key] = count
	}
	u.mu.Unlock()
	return len(entries)
}

// ============================================================================
// Snapshot normalisation
// ============================================================================

var (
	unreadIDKeys    = []string{"id", "_id", "key", "conversationId", "conversationKey", "userId", "groupId", "peerId"}
	unreadCountKeys = []string{"count", "unread", "unreadCount", "total", "messages"}
	unreadWrapKeys  = []string{"counts", "unread", "data", "snapshot"}
)

func normalizeUnreadSnapshot(payload any) map[string]int {
	switch p := payload.(type) {
	case map[string]int:
		return p
	case map[string]any:
		// Wrapped envelope first; a bare map second.
		for _, k := range unreadWrapKeys {
			if inner, ok := p[k]; ok {
				if entries := normalizeUnreadSnapshot(inner); entries != nil {
					return entries
				}
			}
		}
		out := make(map[string]int)
		for key, v := range p {
			if n, ok := anyToCount(v); ok {
				out[key] = n
			}
		}
		if len(out) > 0 {
			return out
		}
		return nil
	case []any:
		out := make(map[string]int)
		for _, item := range p {
			rec, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, ok := stringField(rec, unreadIDKeys...)
			if !ok {
				continue
			}
			count, ok := intField(rec, unreadCountKeys...)
			if !ok || count < 0 {
				continue
			}
			out[key] = count
		}
		if len(out) > 0 {
			return out
		}
		return nil
	default:
		return nil
	}
}

func anyToCount(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return int(n), true
		}
	case int:
		if n >= 0 {
			return n, true
		}
	}
	return 0, false
}
