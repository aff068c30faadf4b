package loqui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Transport
// ============================================================================

// Transport carries outbound events to the push channel. The engine only
// needs the emit half; inbound events are fed to HandleEvent by whoever owns
// the connection (see Bind).
type Transport interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Inbound event names.
const (
	EventMessageNew      = "message.new"
	EventMessageStatus   = "message.status"
	EventMessageDeleted  = "message.deleted"
	EventChatCleared     = "chat.cleared"
	EventUnreadSnapshot  = "unread.snapshot"
	EventGroupMembership = "group.membership.changed"
	EventUserStatus      = "user.status"
)

// Outbound event names.
const (
	EventMessageSend      = "message.send"
	EventMessageDelivered = "message.delivered"
	EventMessageRead      = "message.read"
)

// ============================================================================
// Engine
// ============================================================================

// EngineConfig configures an Engine.
type EngineConfig struct {
	// SelfID is the current user's id. Required.
	SelfID string
	// Key is the conversation content passphrase fed to the codec.
	Key string
	// Backend serves history, search, contacts and groups. Required.
	Backend Backend
	// Transport carries outbound acks and sends. Optional; Bind sets it too.
	Transport Transport
	// PageSize overrides DefaultPageSize for history fetches.
	PageSize int
	// Logger defaults to a nop logger.
	Logger *zap.Logger

	// OnSearchNavigate receives the message id to scroll to and highlight
	// whenever search lands on a result. Optional.
	OnSearchNavigate func(messageID string)
	// OnConversationClosed fires when a membership change terminally closes
	// the active conversation (current user removed from, or left, the
	// group). Optional.
	OnConversationClosed func(key string)
}

type activeConversation struct {
	kind ConversationKind
	key  string
}

// pendingSend is an optimistic send awaiting its server echo.
type pendingSend struct {
	localID string
	kind    ConversationKind
	key     string
}

// Engine is the sync and status-reconciliation core of a chat client
// instance. It seeds conversations from paginated history, applies live
// events in arrival order, reconciles optimistic local echoes with server
// copies, and maintains unread counts and presence.
//
// All mutation runs behind one mutex: the engine is a single-threaded
// reducer, and handlers for the same conversation never run concurrently.
type Engine struct {
	mu sync.Mutex

	self     string
	key      string
	backend  Backend
	codec    *Codec
	store    *ConversationStore
	unread   *UnreadCounter
	presence *PresenceTracker
	log      *zap.Logger

	transport Transport
	handlers  map[string]func(map[string]any, json.RawMessage)

	groups   map[string]*Group
	active   activeConversation
	page     int
	pageSize int

	// epoch invalidates in-flight fetches when the active conversation
	// changes: a superseded fetch completes harmlessly and is discarded.
	epoch uint64

	// pendingEcho maps the clientId of an unacknowledged send to its
	// optimistic local copy, cleared once the server copy arrives. The
	// conversation is recorded because echoes do not always name theirs.
	pendingEcho map[string]pendingSend

	cursor           *SearchCursor
	onSearchNavigate func(string)
	onClosed         func(string)
}

// NewEngine creates an Engine. Backend and SelfID are required.
func NewEngine(cfg EngineConfig) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	e := &Engine{
		self:             cfg.SelfID,
		key:              cfg.Key,
		backend:          cfg.Backend,
		codec:            NewCodec(log),
		store:            NewConversationStore(),
		unread:           NewUnreadCounter(),
		presence:         NewPresenceTracker(),
		log:              log,
		transport:        cfg.Transport,
		groups:           make(map[string]*Group),
		pageSize:         pageSize,
		pendingEcho:      make(map[string]pendingSend),
		onSearchNavigate: cfg.OnSearchNavigate,
		onClosed:         cfg.OnConversationClosed,
	}
	e.handlers = map[string]func(map[string]any, json.RawMessage){
		EventMessageNew:      e.handleMessageNew,
		EventMessageStatus:   e.handleMessageStatus,
		EventMessageDeleted:  e.handleMessageDeleted,
		EventChatCleared:     e.handleChatCleared,
		EventUnreadSnapshot:  e.handleUnreadSnapshot,
		EventGroupMembership: e.handleGroupMembership,
		EventUserStatus:      e.handleUserStatus,
	}
	return e
}

// SetTransport wires the outbound event channel.
func (e *Engine) SetTransport(t Transport) {
	e.mu.Lock()
	e.transport = t
	e.mu.Unlock()
}

// Bind subscribes the engine to a realtime client's inbound events and uses
// it as the outbound transport.
func (e *Engine) Bind(rt *RealtimeClient) {
	e.SetTransport(rt)
	rt.OnEvent(e.HandleEvent)
}

// HandleEvent applies one inbound push event. Events are applied strictly in
// the order delivered; unknown event types and unparseable payloads are
// dropped, never fatal.
func (e *Engine) HandleEvent(event string, payload json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.handlers[event]
	if !ok {
		e.log.Debug("ignoring unknown event", zap.String("event", event))
		return
	}
	m, ok := decodePayload(payload)
	if !ok && event != EventUnreadSnapshot {
		e.log.Warn("dropping malformed payload", zap.String("event", event))
		return
	}
	h(m, payload)
}

// ============================================================================
// Inbound handlers
// ============================================================================

func (e *Engine) handleMessageNew(m map[string]any, _ json.RawMessage) {
	msg, ok := decodeWireMessage(m)
	if !ok {
		e.log.Warn("message.new without id, dropped")
		return
	}

	kind, key := e.resolveConversation(m, msg.SenderID)
	if key == "" && msg.SenderID == e.self && msg.ClientID != "" {
		// Echoes of our own sends do not always name their conversation;
		// the pending send remembers where the optimistic copy went.
		if p, pending := e.pendingEcho[msg.ClientID]; pending {
			kind, key = p.kind, p.key
		}
	}
	if key == "" {
		e.log.Warn("message.new without conversation target, dropped")
		return
	}
	msg.ConversationKey = key
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	e.rewriteLegacyVector(&msg, kind, key)

	// Server echo of our own optimistic send: fold both copies into one
	// entry under the server id.
	if msg.SenderID == e.self && msg.ClientID != "" {
		if p, ok := e.pendingEcho[msg.ClientID]; ok {
			delete(e.pendingEcho, msg.ClientID)
			if msg.ID != "" {
				e.store.Rekey(key, p.localID, msg.ID)
			}
		}
	}

	_, redelivered := e.store.Get(key, msg.ID)
	e.store.Append(key, msg)
	e.recomputeAggregate(kind, key, msg.ID)

	if msg.SenderID == e.self {
		return
	}

	// Re-acking a redelivery is harmless; the first ack may be the reason
	// it was redelivered.
	e.emit(EventMessageDelivered, map[string]any{"messageId": msg.ID})
	if e.active.key == key {
		// Open conversations are read as messages arrive.
		e.emit(EventMessageRead, map[string]any{"messageId": msg.ID})
		e.unread.Clear(key)
	} else if !redelivered {
		e.unread.Increment(key, e.active.key)
	}
}

func (e *Engine) handleMessageStatus(m map[string]any, _ json.RawMessage) {
	id, ok := messageID(m)
	if !ok {
		return
	}

	key, _ := conversationKey(m)
	if key == "" {
		// Status events do not always name their conversation.
		if found, _, ok := e.store.Find(id); ok {
			key = found
		} else {
			return // unknown message, expected under at-least-once delivery
		}
	}

	var incoming StatusVector
	if raw, present := m["statusVector"]; present {
		incoming = decodeStatusVector(raw)
	} else if s, ok := stringField(m, "status"); ok {
		incoming = StatusVector{legacyStatusKey: {Status: Status(s)}}
	}
	if len(incoming) == 0 {
		return
	}

	at, ok := timeField(m, "updatedAt", "timestamp")
	if !ok {
		at = time.Now().UTC()
	}

	kind := e.kindOf(key)
	updated, found := e.store.Update(key, id, func(msg *Message) {
		vec := incoming
		if _, legacy := vec[legacyStatusKey]; legacy {
			vec = e.expandLegacyVector(vec, msg, kind, key)
		}
		if msg.Vector == nil {
			msg.Vector = make(StatusVector, len(vec))
		}
		if MergeVector(msg.Vector, vec, at) {
			msg.UpdatedAt = at
		}
		msg.Aggregate = AggregateStatus(msg.Vector, msg.SenderID, e.recipientsOf(kind, key, msg.SenderID))
	})
	if !found {
		return
	}

	// Our own status flipping to read means this conversation has been
	// caught up on another surface: retire its badge.
	if rs, ok := updated.Vector[e.self]; ok && rs.Status == StatusRead {
		e.unread.Clear(key)
	}
}

func (e *Engine) handleMessageDeleted(m map[string]any, _ json.RawMessage) {
	id, ok := messageID(m)
	if !ok {
		return
	}

	key, _ := conversationKey(m)
	if key == "" {
		if found, _, ok := e.store.Find(id); ok {
			key = found
		} else {
			return
		}
	}

	removed, ok := e.store.Remove(key, id)
	if !ok {
		return
	}

	// A deleted unread message must not leave a phantom badge behind.
	if removed.SenderID != e.self && key != e.active.key && !e.readBySelf(removed) {
		e.unread.Decrement(key)
	}
}

func (e *Engine) handleChatCleared(m map[string]any, _ json.RawMessage) {
	key, ok := conversationKey(m)
	if !ok {
		key = e.active.key
	}
	if key == "" {
		return
	}
	e.store.Clear(key)
	e.unread.Clear(key)
	if key == e.active.key {
		e.page = 1
	}
}

func (e *Engine) handleUnreadSnapshot(_ map[string]any, raw json.RawMessage) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		e.log.Warn("unread snapshot undecodable", zap.Error(err))
		return
	}
	applied := e.unread.ReconcileSnapshot(payload)
	if applied == 0 {
		e.log.Warn("unread snapshot yielded no entries")
	}
}

func (e *Engine) handleGroupMembership(m map[string]any, _ json.RawMessage) {
	groupID, ok := stringField(m, "groupId", "id", "group")
	if !ok {
		return
	}

	deleted, _ := boolField(m, "deleted")
	if deleted {
		delete(e.groups, groupID)
		e.closeIfActiveGroup(groupID)
		return
	}

	g := &Group{ID: groupID}
	if existing, ok := e.groups[groupID]; ok {
		*g = *existing
	}
	if name, ok := stringField(m, "name", "groupName"); ok {
		g.Name = name
	}
	if createdBy, ok := stringField(m, "createdBy"); ok {
		g.CreatedBy = createdBy
	}

	// Only a present member list drives membership; a rename or otherwise
	// truncated event keeps the cached list and cannot evict us.
	rawMembers, hasMembers := m["members"].([]any)
	if hasMembers {
		g.Members = nil
		for _, rm := range rawMembers {
			switch member := rm.(type) {
			case string:
				g.Members = append(g.Members, GroupMember{ID: member})
			case map[string]any:
				id, ok := stringField(member, "id", "_id", "userId")
				if !ok {
					continue
				}
				gm := GroupMember{ID: id}
				gm.DisplayName, _ = stringField(member, "displayName", "username", "name")
				g.Members = append(g.Members, gm)
			}
		}
	}
	e.groups[groupID] = g

	// A membership change on the active group either refreshes the cached
	// reference (handled by storing the new *Group above) or, when we are
	// no longer a member, terminally closes the view.
	if hasMembers && !g.Member(e.self) {
		e.closeIfActiveGroup(groupID)
	}
}

func (e *Engine) handleUserStatus(m map[string]any, _ json.RawMessage) {
	if !e.presence.Apply(m) {
		return
	}
	if online, ok := boolField(m, "isOnline", "online", "status"); ok && !online {
		if userID, ok := stringField(m, "userId", "id", "_id", "user"); ok {
			if _, hasTS := timeField(m, "lastSeen", "lastSeenAt", "last_seen"); !hasTS {
				e.presence.markSeen(userID, time.Now().UTC())
			}
		}
	}
}

// ============================================================================
// Operations exposed to the UI layer
// ============================================================================

// OpenConversation makes key the active conversation, seeds it with the
// first history page, clears its unread badge, and acks read for every
// unread peer message in the page. A fetch failure leaves prior state
// intact and returns a retryable *FetchError.
func (e *Engine) OpenConversation(ctx context.Context, kind ConversationKind, key string) error {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.active = activeConversation{kind: kind, key: key}
	e.page = 1
	e.cursor = nil
	e.unread.Clear(key)
	e.mu.Unlock()

	page, err := e.backend.History(ctx, kind, key, 1, e.pageSize)
	if err != nil {
		return &FetchError{Key: key, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		// Superseded by another switch while in flight; drop the result.
		return nil
	}

	e.store.Seed(key, page.Messages, page.HasNext)
	for i := range page.Messages {
		msg := e.normalizeStored(kind, key, page.Messages[i].ID)
		if msg.SenderID != e.self && !e.readBySelf(msg) {
			e.emit(EventMessageRead, map[string]any{"messageId": msg.ID})
		}
	}
	return nil
}

// CloseConversation clears the active-conversation pointer.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.active = activeConversation{}
	e.cursor = nil
	e.mu.Unlock()
}

// LoadMoreHistory prepends the next older page to the active conversation
// and returns the number of messages added, the delta the caller uses to
// keep the viewport anchored. A result arriving after a conversation switch
// is discarded.
func (e *Engine) LoadMoreHistory(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.active.key == "" {
		e.mu.Unlock()
		return 0, fmt.Errorf("no active conversation")
	}
	if !e.store.HasMoreHistory(e.active.key) {
		e.mu.Unlock()
		return 0, nil
	}
	kind, key := e.active.kind, e.active.key
	epoch := e.epoch
	nextPage := e.page + 1
	e.mu.Unlock()

	page, err := e.backend.History(ctx, kind, key, nextPage, e.pageSize)
	if err != nil {
		return 0, &FetchError{Key: key, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		return 0, nil
	}

	delta := e.store.Prepend(key, page.Messages, page.HasNext)
	e.page = nextPage
	for i := range page.Messages {
		e.normalizeStored(kind, key, page.Messages[i].ID)
	}
	return delta, nil
}

// SendMessage encrypts plaintext, appends an optimistic local echo to the
// active conversation, and emits message.send. The echo carries a temporary
// local id that is reconciled with the server id when the echo comes back.
func (e *Engine) SendMessage(ctx context.Context, plaintext string) (Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active.key == "" {
		return Message{}, fmt.Errorf("no active conversation")
	}
	if plaintext == "" {
		return Message{}, fmt.Errorf("empty message")
	}

	clientID := uuid.NewString()
	content := e.codec.Encrypt(plaintext, e.key)
	msg := Message{
		ID:              localMessageID(clientID),
		ClientID:        clientID,
		ConversationKey: e.active.key,
		SenderID:        e.self,
		Content:         content,
		Type:            "text",
		CreatedAt:       time.Now().UTC(),
		Aggregate:       StatusSent,
	}

	e.store.Append(e.active.key, msg)
	e.pendingEcho[clientID] = pendingSend{
		localID: msg.ID,
		kind:    e.active.kind,
		key:     e.active.key,
	}

	payload := map[string]any{
		"conversationKey": e.active.key,
		"content":         content,
		"type":            "text",
		"clientId":        clientID,
	}
	if e.active.kind == KindGroup {
		payload["groupId"] = e.active.key
	} else {
		payload["to"] = e.active.key
	}
	if err := e.emitCtx(ctx, EventMessageSend, payload); err != nil {
		return msg, err
	}
	return msg, nil
}

// ClearChat drops the active conversation's messages locally and resets its
// pagination cursor.
func (e *Engine) ClearChat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.key == "" {
		return
	}
	e.store.Clear(e.active.key)
	e.unread.Clear(e.active.key)
	e.page = 1
}

// Search queries the backend scoped to the active conversation and positions
// the cursor on the first match.
func (e *Engine) Search(ctx context.Context, query string) (int, error) {
	e.mu.Lock()
	if e.active.key == "" {
		e.mu.Unlock()
		return 0, fmt.Errorf("no active conversation")
	}
	scope := SearchScope{Kind: e.active.kind, Key: e.active.key}
	e.mu.Unlock()

	matches, err := e.backend.SearchMessages(ctx, query, scope)
	if err != nil {
		return 0, &FetchError{Key: scope.Key, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = NewSearchCursor(matches)
	if cur, ok := e.cursor.Current(); ok && e.onSearchNavigate != nil {
		e.onSearchNavigate(cur.ID)
	}
	return e.cursor.Len(), nil
}

// NavigateDirection selects search navigation direction.
type NavigateDirection int

const (
	NavigateNext NavigateDirection = iota
	NavigatePrevious
)

// NavigateSearch moves the search cursor cyclically and reports the message
// id to scroll to.
func (e *Engine) NavigateSearch(dir NavigateDirection) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cursor == nil {
		return "", false
	}
	var id string
	var ok bool
	if dir == NavigatePrevious {
		id, ok = e.cursor.Previous()
	} else {
		id, ok = e.cursor.Next()
	}
	if ok && e.onSearchNavigate != nil {
		e.onSearchNavigate(id)
	}
	return id, ok
}

// SearchMatches returns the current search result set in match order, nil
// when no search is active.
func (e *Engine) SearchMatches() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor == nil {
		return nil
	}
	return e.cursor.Matches()
}

// Bootstrap loads contacts and group memberships from the backend so
// presence updates and membership events have something to merge into.
func (e *Engine) Bootstrap(ctx context.Context) error {
	contacts, err := e.backend.Contacts(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap contacts: %w", err)
	}
	groups, err := e.backend.Groups(ctx, e.self)
	if err != nil {
		return fmt.Errorf("bootstrap groups: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.presence.Track(contacts)
	for i := range groups {
		g := groups[i]
		e.groups[g.ID] = &g
	}
	return nil
}

// ============================================================================
// Read-only projections
// ============================================================================

// View returns the rendering projection of a conversation with content
// decrypted. Decryption is soft-fail: undecryptable entries render their
// stored form.
func (e *Engine) View(key string) ConversationView {
	e.mu.Lock()
	kind := e.kindOf(key)
	e.mu.Unlock()

	msgs := e.store.Messages(key)
	for i := range msgs {
		msgs[i].Content = e.codec.Decrypt(msgs[i].Content, e.key)
	}
	return ConversationView{
		Key:            key,
		Kind:           kind,
		Messages:       msgs,
		UnreadCount:    e.unread.Count(key),
		HasMoreHistory: e.store.HasMoreHistory(key),
	}
}

// Messages returns a conversation's raw (still encrypted) messages.
func (e *Engine) Messages(key string) []Message { return e.store.Messages(key) }

// UnreadCounts returns the current non-zero unread counts.
func (e *Engine) UnreadCounts() map[string]int { return e.unread.Snapshot() }

// Presence returns the current contact list with merged presence.
func (e *Engine) Presence() []Contact { return e.presence.All() }

// Group returns cached group metadata.
func (e *Engine) Group(id string) (Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.groups[id]; ok {
		return *g, true
	}
	return Group{}, false
}

// ActiveKey returns the active conversation key, empty when none is open.
func (e *Engine) ActiveKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.key
}

// ============================================================================
// Internals
// ============================================================================

func localMessageID(clientID string) string { return "local-" + clientID }

// resolveConversation determines the kind and key of an inbound message: a
// group id when present, otherwise the peer side of a personal exchange.
func (e *Engine) resolveConversation(m map[string]any, sender string) (ConversationKind, string) {
	if groupID, ok := stringField(m, "groupId", "group"); ok {
		return KindGroup, groupID
	}
	if sender != "" && sender != e.self {
		return KindPersonal, sender
	}
	// Our own echo: the conversation is the recipient.
	if to, ok := stringField(m, "to", "recipient", "recipientId", "conversationKey", "conversationId"); ok {
		return KindPersonal, to
	}
	return KindPersonal, ""
}

func (e *Engine) kindOf(key string) ConversationKind {
	if _, ok := e.groups[key]; ok {
		return KindGroup
	}
	return KindPersonal
}

// recipientsOf returns the recipient set for aggregation: the single peer
// for a personal thread, or the group members minus the sender.
func (e *Engine) recipientsOf(kind ConversationKind, key, sender string) []string {
	if kind == KindGroup {
		if g, ok := e.groups[key]; ok {
			return g.RecipientsOf(sender)
		}
		return nil
	}
	if sender == e.self {
		return []string{key}
	}
	return []string{e.self}
}

// rewriteLegacyVector replaces the single-status wildcard entry with the
// actual recipient once the conversation is known.
func (e *Engine) rewriteLegacyVector(msg *Message, kind ConversationKind, key string) {
	rs, ok := msg.Vector[legacyStatusKey]
	if !ok {
		return
	}
	delete(msg.Vector, legacyStatusKey)
	recipients := e.recipientsOf(kind, key, msg.SenderID)
	if len(recipients) == 1 {
		msg.Vector[recipients[0]] = rs
	}
}

// expandLegacyVector is rewriteLegacyVector for a partial status update.
func (e *Engine) expandLegacyVector(vec StatusVector, msg *Message, kind ConversationKind, key string) StatusVector {
	rs := vec[legacyStatusKey]
	recipients := e.recipientsOf(kind, key, msg.SenderID)
	if len(recipients) != 1 {
		return nil
	}
	return StatusVector{recipients[0]: rs}
}

// normalizeStored resolves the legacy wildcard vector entry and recomputes
// the aggregate for one stored message, returning the updated copy.
func (e *Engine) normalizeStored(kind ConversationKind, key, messageID string) Message {
	msg, _ := e.store.Update(key, messageID, func(m *Message) {
		e.rewriteLegacyVector(m, kind, key)
		m.Aggregate = AggregateStatus(m.Vector, m.SenderID, e.recipientsOf(kind, key, m.SenderID))
	})
	return msg
}

func (e *Engine) recomputeAggregate(kind ConversationKind, key, messageID string) {
	e.store.Update(key, messageID, func(msg *Message) {
		msg.Aggregate = AggregateStatus(msg.Vector, msg.SenderID, e.recipientsOf(kind, key, msg.SenderID))
	})
}

// readBySelf reports whether the current user's entry in the vector is read.
func (e *Engine) readBySelf(msg Message) bool {
	rs, ok := msg.Vector[e.self]
	return ok && rs.Status == StatusRead
}

func (e *Engine) closeIfActiveGroup(groupID string) {
	if e.active.kind != KindGroup || e.active.key != groupID {
		return
	}
	// Terminal transition for the view, not an error.
	e.store.Clear(groupID)
	e.unread.Clear(groupID)
	e.active = activeConversation{}
	e.cursor = nil
	if e.onClosed != nil {
		e.onClosed(groupID)
	}
}

func (e *Engine) emit(event string, payload any) {
	e.emitCtx(context.Background(), event, payload)
}

func (e *Engine) emitCtx(ctx context.Context, event string, payload any) error {
	if e.transport == nil {
		return nil
	}
	if err := e.transport.Emit(ctx, event, payload); err != nil {
		e.log.Warn("emit failed", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}
