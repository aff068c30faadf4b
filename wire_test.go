package loqui

import (
	"encoding/json"
	"testing"
	"time"
)

func decodeFixture(t *testing.T, raw string) map[string]any {
	t.Helper()
	m, ok := decodePayload(json.RawMessage(raw))
	if !ok {
		t.Fatalf("bad fixture: %s", raw)
	}
	return m
}

func TestDecodeWireMessage(t *testing.T) {
	t.Run("current shape", func(t *testing.T) {
		msg, ok := decodeWireMessage(decodeFixture(t, `{
			"id": "m1",
			"sender": {"id": "bob", "username": "bob"},
			"content": "hi",
			"type": "text",
			"createdAt": "2026-03-01T10:00:00Z"
		}`))
		if !ok {
			t.Fatal("expected decode to succeed")
		}
		if msg.ID != "m1" || msg.SenderID != "bob" || msg.Content != "hi" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		if !msg.CreatedAt.Equal(want) {
			t.Fatalf("expected %v, got %v", want, msg.CreatedAt)
		}
	})

	t.Run("legacy shape", func(t *testing.T) {
		msg, ok := decodeWireMessage(decodeFixture(t, `{
			"_id": "m1",
			"sender": "bob",
			"message": "hi",
			"timestamp": 1767261600000
		}`))
		if !ok {
			t.Fatal("expected decode to succeed")
		}
		if msg.ID != "m1" || msg.SenderID != "bob" || msg.Content != "hi" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if msg.CreatedAt.Unix() != 1767261600 {
			t.Fatalf("expected millisecond epoch parsed, got %v", msg.CreatedAt)
		}
	})

	t.Run("client id only", func(t *testing.T) {
		msg, ok := decodeWireMessage(decodeFixture(t, `{"clientId": "c-1", "content": "hi"}`))
		if !ok || msg.ClientID != "c-1" {
			t.Fatalf("expected clientId decode, got %+v ok=%v", msg, ok)
		}
	})

	t.Run("no identity dropped", func(t *testing.T) {
		if _, ok := decodeWireMessage(decodeFixture(t, `{"content": "hi"}`)); ok {
			t.Fatal("expected message without any id to be dropped")
		}
	})

	t.Run("flat status vector", func(t *testing.T) {
		msg, _ := decodeWireMessage(decodeFixture(t, `{
			"id": "m1",
			"statusVector": {"bob": "read", "carol": {"status": "delivered"}}
		}`))
		if msg.Vector["bob"].Status != StatusRead {
			t.Fatalf("expected bob read, got %+v", msg.Vector)
		}
		if msg.Vector["carol"].Status != StatusDelivered {
			t.Fatalf("expected carol delivered, got %+v", msg.Vector)
		}
	})

	t.Run("single status marks wildcard", func(t *testing.T) {
		msg, _ := decodeWireMessage(decodeFixture(t, `{"id": "m1", "status": "delivered"}`))
		if msg.Vector[legacyStatusKey].Status != StatusDelivered {
			t.Fatalf("expected wildcard entry, got %+v", msg.Vector)
		}
	})
}

func TestMessageIDFallbacks(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"messageId", `{"messageId": "a"}`, "a"},
		{"id", `{"id": "b"}`, "b"},
		{"underscore id", `{"_id": "c"}`, "c"},
		{"nested message", `{"message": {"id": "d"}}`, "d"},
		{"messageId beats nested", `{"messageId": "a", "message": {"id": "d"}}`, "a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := messageID(decodeFixture(t, tc.raw))
			if !ok || id != tc.want {
				t.Fatalf("expected %q, got %q ok=%v", tc.want, id, ok)
			}
		})
	}

	t.Run("none", func(t *testing.T) {
		if _, ok := messageID(decodeFixture(t, `{"reason": "moderation"}`)); ok {
			t.Fatal("expected no id resolved")
		}
	})
}
