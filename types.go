package loqui

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Message Status
// ============================================================================

// Status is a message delivery state as seen by one recipient, or the
// aggregate derived from a whole status vector.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// statusRank orders states for the monotonic transition rule.
// An unknown status ranks below "sent" so it never wins a merge.
var statusRank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// RecipientStatus is one recipient's entry in a message's status vector.
type RecipientStatus struct {
	Status      Status     `json:"status"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// StatusVector maps recipient user id to that recipient's delivery state.
type StatusVector map[string]RecipientStatus

// Clone returns a deep copy of the vector.
func (v StatusVector) Clone() StatusVector {
	if v == nil {
		return nil
	}
	out := make(StatusVector, len(v))
	for id, rs := range v {
		out[id] = rs
	}
	return out
}

// ============================================================================
// Message
// ============================================================================

// Message is one chat message. Content holds ciphertext at rest; plaintext
// exists only transiently at compose and render time.
type Message struct {
	ID              string       `json:"id"`
	ClientID        string       `json:"clientId,omitempty"`
	ConversationKey string       `json:"conversationKey"`
	SenderID        string       `json:"senderId"`
	Content         string       `json:"content"`
	Type            string       `json:"type,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt,omitempty"`
	Vector          StatusVector `json:"statusVector,omitempty"`

	// Aggregate is derived from Vector and the recipient set. It is
	// recomputed on every vector change and never stored independently.
	Aggregate Status `json:"aggregateStatus,omitempty"`
}

// Local reports whether the message is an optimistic echo that has not been
// acknowledged by the server yet.
func (m *Message) Local() bool {
	return m.ClientID != "" && (m.ID == "" || m.ID == localMessageID(m.ClientID))
}

// ============================================================================
// Conversation and Group
// ============================================================================

// ConversationKind distinguishes a personal peer thread from a group thread.
type ConversationKind string

const (
	KindPersonal ConversationKind = "personal"
	KindGroup    ConversationKind = "group"
)

// ConversationView is a read-only projection of one conversation's state,
// handed to the rendering layer.
type ConversationView struct {
	Key            string           `json:"key"`
	Kind           ConversationKind `json:"kind"`
	Messages       []Message        `json:"messages"`
	UnreadCount    int              `json:"unreadCount"`
	HasMoreHistory bool             `json:"hasMoreHistory"`
}

// GroupMember is one member of a group.
type GroupMember struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Group is group metadata consumed by the message flow. Membership changes
// invalidate cached references held by an active view.
type Group struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedBy string        `json:"createdBy,omitempty"`
	Members   []GroupMember `json:"members"`
}

// Member reports whether userID belongs to the group.
func (g *Group) Member(userID string) bool {
	for _, m := range g.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// RecipientsOf returns the member ids excluding senderID, the recipient set
// used for status aggregation.
func (g *Group) RecipientsOf(senderID string) []string {
	var out []string
	for _, m := range g.Members {
		if m.ID != senderID {
			out = append(out, m.ID)
		}
	}
	return out
}

// Contact is one user from the backend contact list, with live presence
// merged in by the presence tracker.
type Contact struct {
	ID          string     `json:"id"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// Wire Envelopes
// ============================================================================

// Envelope is the wire format for all realtime events, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HistoryPage is one page of fetched history.
type HistoryPage struct {
	Messages []Message
	HasNext  bool
}

// historyResponse is the backend's history/search envelope.
type historyResponse struct {
	Data       []json.RawMessage `json:"data"`
	Pagination *struct {
		HasNext bool `json:"hasNext"`
	} `json:"pagination,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// usersResponse is the backend's /users envelope.
type usersResponse struct {
	Data  []json.RawMessage `json:"data"`
	Error *APIError         `json:"error,omitempty"`
}

// userDetailResponse is the backend's /users/{id} envelope.
type userDetailResponse struct {
	Data struct {
		ID     string  `json:"id"`
		Groups []Group `json:"groups"`
	} `json:"data"`
	Error *APIError `json:"error,omitempty"`
}
