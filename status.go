package loqui

import "time"

// ============================================================================
// Status Reducer
// ============================================================================

// AggregateStatus derives the single read/delivered/sent summary of a
// message from its status vector and full recipient set.
//
// The sender always counts as having read their own message and is excluded
// from the recipient set. An empty recipient set yields "sent" — a group of
// one never reports a spuriously read message.
func AggregateStatus(vec StatusVector, senderID string, recipients []string) Status {
	others := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != senderID {
			others = append(others, r)
		}
	}
	if len(others) == 0 {
		return StatusSent
	}

	allRead := true
	for _, r := range others {
		rs, ok := vec[r]
		if !ok {
			return StatusSent
		}
		switch rs.Status {
		case StatusRead:
		case StatusDelivered:
			allRead = false
		default:
			return StatusSent
		}
	}
	if allRead {
		return StatusRead
	}
	return StatusDelivered
}

// MergeVector folds a partial incoming vector into dst, entry by entry.
// Entries for recipients not mentioned in the update are left alone.
//
// Per recipient the transition is monotonic, sent → delivered → read: an
// update that would regress a recipient's status is dropped. The event
// stream is at-least-once and possibly reordered, so regressions are
// expected traffic, not errors. Returns true if anything changed.
func MergeVector(dst StatusVector, incoming StatusVector, at time.Time) bool {
	changed := false
	for userID, in := range incoming {
		cur, exists := dst[userID]
		if exists && statusRank[in.Status] <= statusRank[cur.Status] {
			continue
		}
		next := RecipientStatus{Status: in.Status}
		if exists {
			next.DeliveredAt = cur.DeliveredAt
			next.ReadAt = cur.ReadAt
		}
		if in.DeliveredAt != nil {
			next.DeliveredAt = in.DeliveredAt
		}
		if in.ReadAt != nil {
			next.ReadAt = in.ReadAt
		}
		switch in.Status {
		case StatusDelivered:
			if next.DeliveredAt == nil {
				t := at
				next.DeliveredAt = &t
			}
		case StatusRead:
			if next.ReadAt == nil {
				t := at
				next.ReadAt = &t
			}
		}
		dst[userID] = next
		changed = true
	}
	return changed
}
