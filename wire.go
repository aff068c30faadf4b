package loqui

import (
	"encoding/json"
	"time"
)

// Tolerant payload normalisation. The backend's wire shapes are not fixed:
// ids, senders and timestamps arrive under several historical field names,
// and unread snapshots come in at least three envelope forms. Each helper
// probes an ordered candidate list and reports whether it found a usable
// value, so event handlers stay free of field-poking.

// ============================================================================
// Field probing
// ============================================================================

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func intField(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n), true
			}
		}
	}
	return 0, false
}

func boolField(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if _, present := m[k]; !present {
			continue
		}
		switch v := m[k].(type) {
		case bool:
			return v, true
		case string:
			// Presence payloads abuse "status" for both "online" and
			// free-form state strings.
			switch v {
			case "online", "true":
				return true, true
			case "offline", "false", "away":
				return false, true
			}
		}
	}
	return false, false
}

func timeField(m map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, err := parseWireTime(v); err == nil {
				return t, true
			}
		case float64:
			// Millisecond epoch, the older wire form.
			return time.UnixMilli(int64(v)).UTC(), true
		}
	}
	return time.Time{}, false
}

func parseWireTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// ============================================================================
// Identifier resolution
// ============================================================================

// senderID digs the sender out of either a bare string or an embedded
// {id: ...} object.
func senderID(m map[string]any) (string, bool) {
	switch v := m["sender"].(type) {
	case string:
		if v != "" {
			return v, true
		}
	case map[string]any:
		return stringField(v, "id", "_id")
	}
	return stringField(m, "senderId", "from")
}

// messageID resolves a message id through the fallback chain used by delete
// and status events: direct aliases first, then a nested message object.
func messageID(m map[string]any) (string, bool) {
	if id, ok := stringField(m, "messageId", "id", "_id"); ok {
		return id, true
	}
	if nested, ok := m["message"].(map[string]any); ok {
		return stringField(nested, "id", "_id", "messageId")
	}
	return "", false
}

// conversationKey resolves the target conversation of an event. Personal
// events name the peer, group events the group.
func conversationKey(m map[string]any) (string, bool) {
	return stringField(m, "conversationKey", "conversationId", "groupId", "group", "peerId", "withUserId")
}

// ============================================================================
// Message decoding
// ============================================================================

// decodeWireMessage builds a Message from a loosely shaped payload map.
// Returns false when no id can be resolved at all (a message without any
// identity cannot be merged by id and is dropped by the caller).
func decodeWireMessage(m map[string]any) (Message, bool) {
	var msg Message

	id, _ := stringField(m, "id", "_id", "messageId")
	clientID, _ := stringField(m, "clientId", "tempId", "localId")
	if id == "" && clientID == "" {
		return msg, false
	}
	msg.ID = id
	msg.ClientID = clientID

	msg.ConversationKey, _ = conversationKey(m)
	msg.SenderID, _ = senderID(m)
	msg.Content, _ = stringField(m, "content", "message", "body")
	msg.Type, _ = stringField(m, "type", "messageType")

	if t, ok := timeField(m, "createdAt", "timestamp", "sentAt"); ok {
		msg.CreatedAt = t
	}
	if t, ok := timeField(m, "updatedAt"); ok {
		msg.UpdatedAt = t
	}

	if raw, ok := m["statusVector"]; ok {
		msg.Vector = decodeStatusVector(raw)
	} else if s, ok := stringField(m, "status"); ok {
		// Single-status legacy shape: applies to the lone recipient; the
		// router rewrites the key once it knows who that is.
		msg.Vector = StatusVector{legacyStatusKey: {Status: Status(s)}}
	}
	return msg, true
}

// legacyStatusKey marks a single-status wire shape whose recipient is not
// named in the payload.
const legacyStatusKey = "*"

// decodeStatusVector accepts either a proper vector object or a flat
// {userID: "read"} map.
func decodeStatusVector(raw any) StatusVector {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	vec := make(StatusVector, len(obj))
	for userID, entry := range obj {
		switch e := entry.(type) {
		case string:
			vec[userID] = RecipientStatus{Status: Status(e)}
		case map[string]any:
			rs := RecipientStatus{}
			if s, ok := stringField(e, "status", "state"); ok {
				rs.Status = Status(s)
			}
			if t, ok := timeField(e, "deliveredAt"); ok {
				rs.DeliveredAt = &t
			}
			if t, ok := timeField(e, "readAt"); ok {
				rs.ReadAt = &t
			}
			if rs.Status != "" {
				vec[userID] = rs
			}
		}
	}
	if len(vec) == 0 {
		return nil
	}
	return vec
}

func decodePayload(raw json.RawMessage) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}
