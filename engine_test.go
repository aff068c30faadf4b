package loqui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeBackend struct {
	history  func(ctx context.Context, kind ConversationKind, key string, page, limit int) (*HistoryPage, error)
	search   func(ctx context.Context, query string, scope SearchScope) ([]Message, error)
	contacts []Contact
	groups   []Group
}

func (f *fakeBackend) History(ctx context.Context, kind ConversationKind, key string, page, limit int) (*HistoryPage, error) {
	if f.history == nil {
		return &HistoryPage{}, nil
	}
	return f.history(ctx, kind, key, page, limit)
}

func (f *fakeBackend) SearchMessages(ctx context.Context, query string, scope SearchScope) ([]Message, error) {
	if f.search == nil {
		return nil, nil
	}
	return f.search(ctx, query, scope)
}

func (f *fakeBackend) Contacts(ctx context.Context) ([]Contact, error) {
	return f.contacts, nil
}

func (f *fakeBackend) Groups(ctx context.Context, userID string) ([]Group, error) {
	return f.groups, nil
}

type sentEvent struct {
	event   string
	payload map[string]any
}

type captureTransport struct {
	mu     sync.Mutex
	events []sentEvent
}

func (t *captureTransport) Emit(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	t.mu.Lock()
	t.events = append(t.events, sentEvent{event: event, payload: m})
	t.mu.Unlock()
	return nil
}

func (t *captureTransport) byType(event string) []sentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sentEvent
	for _, e := range t.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (t *captureTransport) reset() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
}

func newTestEngine(t *testing.T, backend *fakeBackend) (*Engine, *captureTransport) {
	t.Helper()
	tr := &captureTransport{}
	e := NewEngine(EngineConfig{
		SelfID:    "alice",
		Backend:   backend,
		Transport: tr,
	})
	return e, tr
}

func push(t *testing.T, e *Engine, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	e.HandleEvent(event, data)
}

// ============================================================================
// Inbound message flow
// ============================================================================

func TestInboundMessage(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("background conversation gains a badge", func(t *testing.T) {
		e, tr := newTestEngine(t, &fakeBackend{})

		push(t, e, EventMessageNew, map[string]any{
			"id":        "m1",
			"sender":    "bob",
			"content":   "hi",
			"createdAt": base.Format(time.RFC3339),
		})

		msgs := e.Messages("bob")
		require.Len(t, msgs, 1)
		assert.Equal(t, "hi", msgs[0].Content)
		assert.Equal(t, 1, e.UnreadCounts()["bob"])

		// Delivered is acked, read is not: we have not opened the chat.
		assert.Len(t, tr.byType(EventMessageDelivered), 1)
		assert.Empty(t, tr.byType(EventMessageRead))
	})

	t.Run("active conversation is read on arrival", func(t *testing.T) {
		e, tr := newTestEngine(t, &fakeBackend{})
		require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "bob"))
		tr.reset()

		push(t, e, EventMessageNew, map[string]any{
			"id":     "m1",
			"sender": "bob",
		})

		assert.Equal(t, 0, e.UnreadCounts()["bob"])
		assert.Len(t, tr.byType(EventMessageDelivered), 1)
		assert.Len(t, tr.byType(EventMessageRead), 1)
	})

	t.Run("duplicate delivery collapses", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		payload := map[string]any{"id": "m1", "sender": "bob", "content": "hi"}
		push(t, e, EventMessageNew, payload)
		push(t, e, EventMessageNew, payload)

		require.Len(t, e.Messages("bob"), 1)
		assert.Equal(t, 1, e.UnreadCounts()["bob"], "redelivery must not double the badge")
	})

	t.Run("group message lands under the group key", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventMessageNew, map[string]any{
			"id":      "m1",
			"sender":  "carol",
			"groupId": "grp-1",
			"content": "hello group",
		})
		require.Len(t, e.Messages("grp-1"), 1)
		assert.Empty(t, e.Messages("carol"))
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		e.HandleEvent(EventMessageNew, json.RawMessage(`not json`))
		push(t, e, EventMessageNew, map[string]any{"content": "no identity"})
		assert.Empty(t, e.UnreadCounts())
	})
}

// ============================================================================
// Optimistic echo
// ============================================================================

func TestOptimisticEcho(t *testing.T) {
	e, tr := newTestEngine(t, &fakeBackend{})
	require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "bob"))

	local, err := e.SendMessage(context.Background(), "lunch?")
	require.NoError(t, err)
	assert.True(t, local.Local())
	assert.Equal(t, StatusSent, local.Aggregate)

	sends := tr.byType(EventMessageSend)
	require.Len(t, sends, 1)
	clientID, _ := sends[0].payload["clientId"].(string)
	require.NotEmpty(t, clientID)

	// The server echoes our send back with its own id.
	push(t, e, EventMessageNew, map[string]any{
		"id":       "srv-9",
		"clientId": clientID,
		"sender":   "alice",
		"content":  "lunch?",
	})

	msgs := e.Messages("bob")
	require.Len(t, msgs, 1, "echo must collapse into the optimistic entry")
	assert.Equal(t, "srv-9", msgs[0].ID)
	assert.False(t, msgs[0].Local())
	assert.Empty(t, e.pendingEcho, "reconciled send must leave the pending map")

	// No self-acks for our own message.
	assert.Empty(t, tr.byType(EventMessageDelivered))
	assert.Empty(t, tr.byType(EventMessageRead))
}

// ============================================================================
// Status reconciliation
// ============================================================================

func TestStatusEvents(t *testing.T) {
	open := func(t *testing.T) (*Engine, *captureTransport) {
		e, tr := newTestEngine(t, &fakeBackend{})
		require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "bob"))
		push(t, e, EventMessageNew, map[string]any{
			"id": "m1", "sender": "alice", "to": "bob", "content": "hi",
		})
		tr.reset()
		return e, tr
	}

	t.Run("vector update promotes aggregate", func(t *testing.T) {
		e, _ := open(t)
		push(t, e, EventMessageStatus, map[string]any{
			"messageId":      "m1",
			"conversationId": "bob",
			"statusVector":   map[string]any{"bob": "delivered"},
		})
		msg, ok := e.store.Get("bob", "m1")
		require.True(t, ok)
		assert.Equal(t, StatusDelivered, msg.Aggregate)

		push(t, e, EventMessageStatus, map[string]any{
			"messageId":      "m1",
			"conversationId": "bob",
			"statusVector":   map[string]any{"bob": "read"},
		})
		msg, _ = e.store.Get("bob", "m1")
		assert.Equal(t, StatusRead, msg.Aggregate)
	})

	t.Run("stale downgrade ignored", func(t *testing.T) {
		e, _ := open(t)
		push(t, e, EventMessageStatus, map[string]any{
			"messageId":      "m1",
			"conversationId": "bob",
			"statusVector":   map[string]any{"bob": "read"},
		})
		push(t, e, EventMessageStatus, map[string]any{
			"messageId":      "m1",
			"conversationId": "bob",
			"statusVector":   map[string]any{"bob": "delivered"},
		})
		msg, _ := e.store.Get("bob", "m1")
		assert.Equal(t, StatusRead, msg.Aggregate)
	})

	t.Run("legacy single status resolves the peer", func(t *testing.T) {
		e, _ := open(t)
		push(t, e, EventMessageStatus, map[string]any{
			"messageId":      "m1",
			"conversationId": "bob",
			"status":         "delivered",
		})
		msg, _ := e.store.Get("bob", "m1")
		assert.Equal(t, StatusDelivered, msg.Vector["bob"].Status)
	})

	t.Run("conversation resolved by message id", func(t *testing.T) {
		e, _ := open(t)
		// No conversation named at all.
		push(t, e, EventMessageStatus, map[string]any{
			"messageId":    "m1",
			"statusVector": map[string]any{"bob": "read"},
		})
		msg, _ := e.store.Get("bob", "m1")
		assert.Equal(t, StatusRead, msg.Aggregate)
	})

	t.Run("unknown message ignored", func(t *testing.T) {
		e, _ := open(t)
		push(t, e, EventMessageStatus, map[string]any{
			"messageId":    "ghost",
			"statusVector": map[string]any{"bob": "read"},
		})
		// Nothing to assert beyond the absence of a panic or new state.
		assert.Len(t, e.Messages("bob"), 1)
	})

	t.Run("own read clears the badge", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventMessageNew, map[string]any{"id": "m1", "sender": "bob"})
		require.Equal(t, 1, e.UnreadCounts()["bob"])

		// Read on another device.
		push(t, e, EventMessageStatus, map[string]any{
			"messageId":      "m1",
			"conversationId": "bob",
			"statusVector":   map[string]any{"alice": "read"},
		})
		assert.Equal(t, 0, e.UnreadCounts()["bob"])
	})
}

// ============================================================================
// Deletes and clears
// ============================================================================

func TestDeleteEvents(t *testing.T) {
	t.Run("nested id fallback", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventMessageNew, map[string]any{"id": "m1", "sender": "bob"})

		push(t, e, EventMessageDeleted, map[string]any{
			"message": map[string]any{"id": "m1"},
		})
		assert.Empty(t, e.Messages("bob"))
	})

	t.Run("deleting an unread message releases its badge", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventMessageNew, map[string]any{"id": "m1", "sender": "bob"})
		require.Equal(t, 1, e.UnreadCounts()["bob"])

		push(t, e, EventMessageDeleted, map[string]any{"messageId": "m1"})
		assert.Equal(t, 0, e.UnreadCounts()["bob"])
	})

	t.Run("redelivered delete is a no-op", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventMessageNew, map[string]any{"id": "m1", "sender": "bob"})
		push(t, e, EventMessageNew, map[string]any{"id": "m2", "sender": "bob"})

		del := map[string]any{"messageId": "m1"}
		push(t, e, EventMessageDeleted, del)
		push(t, e, EventMessageDeleted, del)

		assert.Len(t, e.Messages("bob"), 1)
		assert.Equal(t, 1, e.UnreadCounts()["bob"], "second delete must not decrement again")
	})

	t.Run("chat cleared", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventMessageNew, map[string]any{"id": "m1", "sender": "bob"})

		push(t, e, EventChatCleared, map[string]any{"conversationId": "bob"})
		assert.Empty(t, e.Messages("bob"))
		assert.Equal(t, 0, e.UnreadCounts()["bob"])
	})
}

// ============================================================================
// History and pagination
// ============================================================================

func TestHistory(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	pageFor := func(page int) *HistoryPage {
		switch page {
		case 1:
			return &HistoryPage{
				Messages: []Message{
					mkMsg("m3", "bob", base.Add(3*time.Minute)),
					mkMsg("m4", "alice", base.Add(4*time.Minute)),
				},
				HasNext: true,
			}
		case 2:
			return &HistoryPage{
				Messages: []Message{
					mkMsg("m1", "bob", base.Add(1*time.Minute)),
					mkMsg("m2", "alice", base.Add(2*time.Minute)),
				},
			}
		default:
			return &HistoryPage{}
		}
	}

	t.Run("open seeds and acks reads", func(t *testing.T) {
		backend := &fakeBackend{
			history: func(_ context.Context, _ ConversationKind, _ string, page, _ int) (*HistoryPage, error) {
				return pageFor(page), nil
			},
		}
		e, tr := newTestEngine(t, backend)
		require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "bob"))

		assert.Equal(t, []string{"m3", "m4"}, storeIDs(e.store, "bob"))
		// Only bob's message is unread by us; our own needs no ack.
		reads := tr.byType(EventMessageRead)
		require.Len(t, reads, 1)
		assert.Equal(t, "m3", reads[0].payload["messageId"])
	})

	t.Run("load more prepends and reports delta", func(t *testing.T) {
		backend := &fakeBackend{
			history: func(_ context.Context, _ ConversationKind, _ string, page, _ int) (*HistoryPage, error) {
				return pageFor(page), nil
			},
		}
		e, _ := newTestEngine(t, backend)
		require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "bob"))

		added, err := e.LoadMoreHistory(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, added)
		assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, storeIDs(e.store, "bob"))

		// Final page reached.
		added, err = e.LoadMoreHistory(context.Background())
		require.NoError(t, err)
		assert.Zero(t, added)
	})

	t.Run("switch during fetch discards the stale page", func(t *testing.T) {
		var e *Engine
		switched := false
		backend := &fakeBackend{}
		backend.history = func(_ context.Context, _ ConversationKind, key string, page, _ int) (*HistoryPage, error) {
			if key == "bob" && !switched {
				switched = true
				// The user taps another conversation while bob's history
				// is still in flight.
				require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "carol"))
			}
			return &HistoryPage{Messages: []Message{mkMsg("msg-"+key, key, base)}}, nil
		}
		e, _ = newTestEngine(t, backend)

		require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "bob"))
		assert.Empty(t, e.Messages("bob"), "superseded fetch must not seed")
		assert.Len(t, e.Messages("carol"), 1)
		assert.Equal(t, "carol", e.ActiveKey())
	})

	t.Run("fetch failure is retryable and leaves state intact", func(t *testing.T) {
		backend := &fakeBackend{
			history: func(_ context.Context, _ ConversationKind, _ string, _, _ int) (*HistoryPage, error) {
				return nil, &APIError{Code: "503", Message: "unavailable"}
			},
		}
		e, _ := newTestEngine(t, backend)
		err := e.OpenConversation(context.Background(), KindPersonal, "bob")
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "bob", fe.Key)
		assert.True(t, fe.Retryable())
		assert.Empty(t, e.Messages("bob"))
	})

	t.Run("backend rejection is not retryable", func(t *testing.T) {
		backend := &fakeBackend{
			history: func(_ context.Context, _ ConversationKind, _ string, _, _ int) (*HistoryPage, error) {
				return nil, &APIError{Code: "403", Message: "forbidden"}
			},
		}
		e, _ := newTestEngine(t, backend)
		err := e.OpenConversation(context.Background(), KindPersonal, "bob")
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.False(t, fe.Retryable())
	})
}

// ============================================================================
// Groups and membership
// ============================================================================

func TestGroupMembership(t *testing.T) {
	members := []any{
		map[string]any{"id": "alice"},
		map[string]any{"id": "bob"},
		map[string]any{"id": "carol"},
	}

	t.Run("aggregate uses the member set", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventGroupMembership, map[string]any{
			"groupId": "grp-1", "name": "climbing", "members": members,
		})
		push(t, e, EventMessageNew, map[string]any{
			"id": "m1", "sender": "alice", "groupId": "grp-1",
			"statusVector": map[string]any{"bob": "read", "carol": "read"},
		})
		msg, ok := e.store.Get("grp-1", "m1")
		require.True(t, ok)
		assert.Equal(t, StatusRead, msg.Aggregate)

		// A member joining resets the bar: the newcomer has read nothing.
		push(t, e, EventGroupMembership, map[string]any{
			"groupId": "grp-1",
			"members": append(members, map[string]any{"id": "dave"}),
		})
		push(t, e, EventMessageStatus, map[string]any{
			"messageId": "m1", "groupId": "grp-1",
			"statusVector": map[string]any{"bob": "read"},
		})
		msg, _ = e.store.Get("grp-1", "m1")
		assert.Equal(t, StatusSent, msg.Aggregate, "dave has no vector entry yet")
	})

	t.Run("own removal closes the active group", func(t *testing.T) {
		var closedKey string
		tr := &captureTransport{}
		e := NewEngine(EngineConfig{
			SelfID:               "alice",
			Backend:              &fakeBackend{},
			Transport:            tr,
			OnConversationClosed: func(key string) { closedKey = key },
		})
		push(t, e, EventGroupMembership, map[string]any{"groupId": "grp-1", "members": members})
		require.NoError(t, e.OpenConversation(context.Background(), KindGroup, "grp-1"))

		push(t, e, EventGroupMembership, map[string]any{
			"groupId": "grp-1",
			"members": []any{map[string]any{"id": "bob"}, map[string]any{"id": "carol"}},
		})

		assert.Equal(t, "grp-1", closedKey)
		assert.Empty(t, e.ActiveKey())
		assert.Empty(t, e.Messages("grp-1"))
	})

	t.Run("rename without member list keeps membership and view", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventGroupMembership, map[string]any{"groupId": "grp-1", "members": members})
		require.NoError(t, e.OpenConversation(context.Background(), KindGroup, "grp-1"))
		push(t, e, EventMessageNew, map[string]any{
			"id": "m1", "sender": "bob", "groupId": "grp-1", "content": "hi",
		})

		push(t, e, EventGroupMembership, map[string]any{"groupId": "grp-1", "name": "renamed"})

		g, ok := e.Group("grp-1")
		require.True(t, ok)
		assert.Equal(t, "renamed", g.Name)
		assert.Len(t, g.Members, 3, "cached member list must survive a rename")
		assert.Equal(t, "grp-1", e.ActiveKey())
		assert.Len(t, e.Messages("grp-1"), 1)
	})

	t.Run("group deletion closes too", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventGroupMembership, map[string]any{"groupId": "grp-1", "members": members})
		require.NoError(t, e.OpenConversation(context.Background(), KindGroup, "grp-1"))

		push(t, e, EventGroupMembership, map[string]any{"groupId": "grp-1", "deleted": true})
		assert.Empty(t, e.ActiveKey())
		_, ok := e.Group("grp-1")
		assert.False(t, ok)
	})
}

// ============================================================================
// Snapshots and presence through the router
// ============================================================================

func TestRouterSideChannels(t *testing.T) {
	t.Run("unread snapshot", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeBackend{})
		push(t, e, EventUnreadSnapshot, map[string]any{"bob": 4})
		assert.Equal(t, 4, e.UnreadCounts()["bob"])

		// Array form through the same event.
		push(t, e, EventUnreadSnapshot, []any{
			map[string]any{"conversationId": "grp-1", "count": 2},
		})
		assert.Equal(t, 2, e.UnreadCounts()["grp-1"])
	})

	t.Run("presence with implicit lastSeen", func(t *testing.T) {
		backend := &fakeBackend{contacts: []Contact{{ID: "bob"}}}
		e, _ := newTestEngine(t, backend)
		require.NoError(t, e.Bootstrap(context.Background()))

		push(t, e, EventUserStatus, map[string]any{"userId": "bob", "isOnline": true})
		push(t, e, EventUserStatus, map[string]any{"userId": "bob", "isOnline": false})

		var bob Contact
		for _, c := range e.Presence() {
			if c.ID == "bob" {
				bob = c
			}
		}
		assert.False(t, bob.Online)
		require.NotNil(t, bob.LastSeen, "offline without a timestamp still records one")
		assert.WithinDuration(t, time.Now(), *bob.LastSeen, time.Minute)
	})
}

// ============================================================================
// Two clients over an in-memory relay
// ============================================================================

// relay plays the push server between engines: sends become message.new for
// everyone, acks become message.status. Events are queued, never delivered
// re-entrantly — engines emit while holding their own lock.
type relay struct {
	engines []*Engine
	queue   []sentEvent
	nextID  int
}

type relayTransport struct {
	r    *relay
	self string
}

func (rt relayTransport) Emit(_ context.Context, event string, payload any) error {
	data, _ := json.Marshal(payload)
	var p map[string]any
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	switch event {
	case EventMessageSend:
		rt.r.nextID++
		rt.r.queue = append(rt.r.queue, sentEvent{EventMessageNew, map[string]any{
			"id":        fmt.Sprintf("srv-%d", rt.r.nextID),
			"clientId":  p["clientId"],
			"sender":    rt.self,
			"to":        p["to"],
			"groupId":   p["groupId"],
			"content":   p["content"],
			"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
		}})
	case EventMessageDelivered, EventMessageRead:
		status := "delivered"
		if event == EventMessageRead {
			status = "read"
		}
		rt.r.queue = append(rt.r.queue, sentEvent{EventMessageStatus, map[string]any{
			"messageId":    p["messageId"],
			"statusVector": map[string]any{rt.self: status},
		}})
	}
	return nil
}

func (r *relay) flush(t *testing.T) {
	t.Helper()
	for len(r.queue) > 0 {
		ev := r.queue[0]
		r.queue = r.queue[1:]
		for _, e := range r.engines {
			push(t, e, ev.event, ev.payload)
		}
	}
}

func TestTwoClientConversation(t *testing.T) {
	srv := &relay{}

	alice := NewEngine(EngineConfig{
		SelfID:    "alice",
		Backend:   &fakeBackend{},
		Transport: relayTransport{r: srv, self: "alice"},
	})
	bobBackend := &fakeBackend{}
	bob := NewEngine(EngineConfig{
		SelfID:    "bob",
		Backend:   bobBackend,
		Transport: relayTransport{r: srv, self: "bob"},
	})
	srv.engines = []*Engine{alice, bob}

	require.NoError(t, alice.OpenConversation(context.Background(), KindPersonal, "bob"))
	_, err := alice.SendMessage(context.Background(), "lunch at noon?")
	require.NoError(t, err)
	srv.flush(t)

	// Alice's echo collapsed onto the server id; bob acked delivered.
	aliceMsgs := alice.Messages("bob")
	require.Len(t, aliceMsgs, 1)
	assert.Equal(t, "srv-1", aliceMsgs[0].ID)
	assert.Equal(t, StatusDelivered, aliceMsgs[0].Aggregate)

	// Bob sees it under alice's key with a badge, chat not open yet.
	bobMsgs := bob.Messages("alice")
	require.Len(t, bobMsgs, 1)
	assert.Equal(t, "lunch at noon?", bobMsgs[0].Content)
	assert.Equal(t, 1, bob.UnreadCounts()["alice"])

	// Bob opens the chat; the seed sweep acks read for alice's message.
	bobBackend.history = func(_ context.Context, _ ConversationKind, _ string, page, _ int) (*HistoryPage, error) {
		if page != 1 {
			return &HistoryPage{}, nil
		}
		return &HistoryPage{Messages: bob.Messages("alice")}, nil
	}
	require.NoError(t, bob.OpenConversation(context.Background(), KindPersonal, "alice"))
	srv.flush(t)

	assert.Equal(t, 0, bob.UnreadCounts()["alice"])
	aliceMsgs = alice.Messages("bob")
	require.Len(t, aliceMsgs, 1)
	assert.Equal(t, StatusRead, aliceMsgs[0].Aggregate, "bob's read must reach alice")
	if assert.Contains(t, aliceMsgs[0].Vector, "bob") {
		assert.Equal(t, StatusRead, aliceMsgs[0].Vector["bob"].Status)
		assert.NotNil(t, aliceMsgs[0].Vector["bob"].ReadAt)
	}
}

// ============================================================================
// Search through the engine
// ============================================================================

func TestEngineSearch(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend := &fakeBackend{
		search: func(_ context.Context, query string, scope SearchScope) ([]Message, error) {
			if query == "nothing" {
				return nil, nil
			}
			return []Message{
				mkMsg("m1", "bob", base),
				mkMsg("m2", "alice", base.Add(time.Minute)),
			}, nil
		},
	}

	var landed []string
	e := NewEngine(EngineConfig{
		SelfID:           "alice",
		Backend:          backend,
		OnSearchNavigate: func(id string) { landed = append(landed, id) },
	})
	require.NoError(t, e.OpenConversation(context.Background(), KindPersonal, "bob"))

	n, err := e.Search(context.Background(), "lunch")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Equal(t, []string{"m1"}, landed, "search lands on the first match")

	id, ok := e.NavigateSearch(NavigateNext)
	require.True(t, ok)
	assert.Equal(t, "m2", id)
	id, ok = e.NavigateSearch(NavigateNext)
	require.True(t, ok)
	assert.Equal(t, "m1", id, "navigation wraps")
	id, ok = e.NavigateSearch(NavigatePrevious)
	require.True(t, ok)
	assert.Equal(t, "m2", id)

	n, err = e.Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok = e.NavigateSearch(NavigateNext)
	assert.False(t, ok)
}
