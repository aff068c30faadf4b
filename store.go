package loqui

import (
	"sort"
	"sync"
)

// ============================================================================
// Conversation Store
// ============================================================================

// conversation is one conversation's mutable state.
type conversation struct {
	msgs    []*Message
	hasMore bool
}

// ConversationStore holds per-conversation ordered message lists.
//
// Invariant after every operation: a conversation's messages are ordered by
// CreatedAt ascending and unique by id. A message arriving twice — the
// optimistic echo and the server echo, or an at-least-once redelivery —
// collapses to one entry, preferring the server-confirmed copy.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*conversation
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{convs: make(map[string]*conversation)}
}

// conversations are created lazily on first reference.
func (s *ConversationStore) conv(key string) *conversation {
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{}
		s.convs[key] = c
	}
	return c
}

// Seed replaces a conversation's messages with a freshly fetched first page.
func (s *ConversationStore) Seed(key string, page []Message, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(key)
	c.msgs = c.msgs[:0]
	c.hasMore = hasMore
	for i := range page {
		insertMessage(c, &page[i])
	}
}

// Prepend merges an older history page in front of the existing messages
// ("load more"). It returns the number of entries actually added, the size
// delta the caller needs to keep the viewport anchored by position.
func (s *ConversationStore) Prepend(key string, page []Message, hasMore bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(key)
	before := len(c.msgs)
	for i := range page {
		insertMessage(c, &page[i])
	}
	c.hasMore = hasMore
	return len(c.msgs) - before
}

// Append inserts a single message preserving CreatedAt order. A message with
// an id already present is merged in place instead of duplicated.
func (s *ConversationStore) Append(key string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	insertMessage(s.conv(key), &msg)
}

// Remove drops the message with the given id. Removing an unknown id is a
// no-op: deletes are redelivered and may race the messages they target.
// Returns the removed message, if any.
func (s *ConversationStore) Remove(key, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return Message{}, false
	}
	for i, m := range c.msgs {
		if m.ID == messageID {
			removed := *m
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			return removed, true
		}
	}
	return Message{}, false
}

// Clear drops all of a conversation's messages and resets its pagination
// cursor ("clear chat").
func (s *ConversationStore) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[key]; ok {
		c.msgs = nil
		c.hasMore = false
	}
}

// Rekey replaces the id of an existing message, used when an optimistic
// local id resolves to the server-assigned one. The reassigned entry keeps
// its position unless the server copy later moves it.
func (s *ConversationStore) Rekey(key, oldID, newID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return false
	}
	for _, m := range c.msgs {
		if m.ID == oldID {
			m.ID = newID
			return true
		}
	}
	return false
}

// Get returns a copy of one message by id.
func (s *ConversationStore) Get(key, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return Message{}, false
	}
	for _, m := range c.msgs {
		if m.ID == messageID {
			return *m, true
		}
	}
	return Message{}, false
}

// Find locates a message by id across all conversations and returns its
// conversation key. Status and delete events do not always name their
// conversation.
func (s *ConversationStore) Find(messageID string) (string, Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, c := range s.convs {
		for _, m := range c.msgs {
			if m.ID == messageID {
				return key, *m, true
			}
		}
	}
	return "", Message{}, false
}

// Update applies fn to the message with the given id, keeping order intact.
// Returns the updated copy.
func (s *ConversationStore) Update(key, messageID string, fn func(*Message)) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return Message{}, false
	}
	for _, m := range c.msgs {
		if m.ID == messageID {
			fn(m)
			return *m, true
		}
	}
	return Message{}, false
}

// Messages returns a copy of a conversation's ordered messages.
func (s *ConversationStore) Messages(key string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[key]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages held for a conversation.
func (s *ConversationStore) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[key]; ok {
		return len(c.msgs)
	}
	return 0
}

// HasMoreHistory reports the pagination cursor state for a conversation.
func (s *ConversationStore) HasMoreHistory(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[key]; ok {
		return c.hasMore
	}
	return false
}

// ============================================================================
// Internals
// ============================================================================

// insertMessage merges msg into c, preserving order and id uniqueness.
func insertMessage(c *conversation, msg *Message) {
	if msg.ID != "" {
		for _, existing := range c.msgs {
			if existing.ID == msg.ID {
				mergeMessage(existing, msg)
				sortMessages(c)
				return
			}
		}
	}

	cp := *msg
	cp.Vector = msg.Vector.Clone()
	c.msgs = append(c.msgs, &cp)
	sortMessages(c)
}

// mergeMessage folds the incoming copy into the stored one field by field.
// The incoming copy is the fresher, server-confirmed one, but a blank field
// must not erase data the store already has.
func mergeMessage(dst, in *Message) {
	if in.Content != "" {
		dst.Content = in.Content
	}
	if in.SenderID != "" {
		dst.SenderID = in.SenderID
	}
	if in.Type != "" {
		dst.Type = in.Type
	}
	if in.ClientID != "" {
		dst.ClientID = in.ClientID
	}
	if !in.CreatedAt.IsZero() {
		dst.CreatedAt = in.CreatedAt
	}
	if !in.UpdatedAt.IsZero() && in.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = in.UpdatedAt
	}
	if len(in.Vector) > 0 {
		if dst.Vector == nil {
			dst.Vector = make(StatusVector, len(in.Vector))
		}
		MergeVector(dst.Vector, in.Vector, in.UpdatedAt)
	}
	if in.Aggregate != "" {
		dst.Aggregate = in.Aggregate
	}
}

func sortMessages(c *conversation) {
	sort.SliceStable(c.msgs, func(i, j int) bool {
		return c.msgs[i].CreatedAt.Before(c.msgs[j].CreatedAt)
	})
}
