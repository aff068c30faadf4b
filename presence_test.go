package loqui

import (
	"testing"
	"time"
)

func TestPresenceTracker(t *testing.T) {
	newTracker := func() *PresenceTracker {
		p := NewPresenceTracker()
		p.Track([]Contact{
			{ID: "bob", DisplayName: "Bob"},
			{ID: "carol", DisplayName: "Carol"},
		})
		return p
	}

	t.Run("isOnline wins over status", func(t *testing.T) {
		p := newTracker()
		ok := p.Apply(map[string]any{
			"userId":   "bob",
			"isOnline": true,
			"status":   "offline",
		})
		if !ok {
			t.Fatal("expected apply to succeed")
		}
		c, _ := p.Get("bob")
		if !c.Online {
			t.Fatal("expected isOnline to take priority")
		}
	})

	t.Run("status string fallback", func(t *testing.T) {
		p := newTracker()
		p.Apply(map[string]any{"userId": "bob", "status": "online"})
		c, _ := p.Get("bob")
		if !c.Online {
			t.Fatal("expected status=online to mark user online")
		}

		p.Apply(map[string]any{"userId": "bob", "status": "away"})
		c, _ = p.Get("bob")
		if c.Online {
			t.Fatal("expected status=away to mark user offline")
		}
	})

	t.Run("lastSeen aliases", func(t *testing.T) {
		p := newTracker()
		p.Apply(map[string]any{"userId": "bob", "online": false, "last_seen": "2026-03-01T09:30:00Z"})
		c, _ := p.Get("bob")
		if c.LastSeen == nil {
			t.Fatal("expected last_seen applied")
		}
		want := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
		if !c.LastSeen.Equal(want) {
			t.Fatalf("expected %v, got %v", want, c.LastSeen)
		}
	})

	t.Run("epoch millis lastSeen", func(t *testing.T) {
		p := newTracker()
		p.Apply(map[string]any{"userId": "bob", "lastSeen": float64(1767261600000)})
		c, _ := p.Get("bob")
		if c.LastSeen == nil || c.LastSeen.Unix() != 1767261600 {
			t.Fatalf("expected epoch-millis timestamp, got %v", c.LastSeen)
		}
	})

	t.Run("unknown user dropped", func(t *testing.T) {
		p := newTracker()
		if p.Apply(map[string]any{"userId": "mallory", "online": true}) {
			t.Fatal("expected update for unknown user to be dropped")
		}
		for _, c := range p.All() {
			if c.ID == "mallory" {
				t.Fatal("expected no entry inserted for unknown user")
			}
		}
	})

	t.Run("empty payload dropped", func(t *testing.T) {
		p := newTracker()
		if p.Apply(map[string]any{"userId": "bob"}) {
			t.Fatal("expected payload with no usable field to be dropped")
		}
	})

	t.Run("track preserves merged presence", func(t *testing.T) {
		p := newTracker()
		p.Apply(map[string]any{"userId": "bob", "online": true})
		// Contact list refresh must not wipe what presence already learned.
		p.Track([]Contact{{ID: "bob", DisplayName: "Robert"}})
		c, _ := p.Get("bob")
		if !c.Online {
			t.Fatal("expected online flag to survive re-track")
		}
		if c.DisplayName != "Robert" {
			t.Fatalf("expected refreshed display name, got %q", c.DisplayName)
		}
	})

	t.Run("markSeen advances on every offline transition", func(t *testing.T) {
		p := newTracker()
		first := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		second := first.Add(2 * time.Hour)

		p.markSeen("bob", first)
		p.markSeen("bob", second)

		c, _ := p.Get("bob")
		if c.LastSeen == nil || !c.LastSeen.Equal(second) {
			t.Fatalf("expected lastSeen %s, got %v", second, c.LastSeen)
		}
	})
}
