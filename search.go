package loqui

// ============================================================================
// Search Navigation
// ============================================================================

// SearchScope targets a search at one personal conversation or one group.
type SearchScope struct {
	Kind ConversationKind
	Key  string // peer user id or group id
}

// SearchCursor holds one query's ordered matches and the current position.
// Navigation wraps around at both ends rather than clamping, matching the
// up/down arrows in a chat search bar.
type SearchCursor struct {
	matches []Message
	index   int
}

// NewSearchCursor builds a cursor over matches, positioned at the first
// match when there are any.
func NewSearchCursor(matches []Message) *SearchCursor {
	idx := -1
	if len(matches) > 0 {
		idx = 0
	}
	return &SearchCursor{matches: matches, index: idx}
}

// Len returns the number of matches.
func (c *SearchCursor) Len() int { return len(c.matches) }

// Index returns the current position, -1 when there are no matches.
func (c *SearchCursor) Index() int { return c.index }

// Current returns the match at the current position.
func (c *SearchCursor) Current() (Message, bool) {
	if c.index < 0 || c.index >= len(c.matches) {
		return Message{}, false
	}
	return c.matches[c.index], true
}

// Matches returns the result set in match order.
func (c *SearchCursor) Matches() []Message {
	out := make([]Message, len(c.matches))
	copy(out, c.matches)
	return out
}

// Next advances to the following match, wrapping to the first after the
// last, and returns the id to scroll to.
func (c *SearchCursor) Next() (string, bool) {
	if len(c.matches) == 0 {
		return "", false
	}
	if c.index < len(c.matches)-1 {
		c.index++
	} else {
		c.index = 0
	}
	return c.matches[c.index].ID, true
}

// Previous steps back to the preceding match, wrapping to the last before
// the first, and returns the id to scroll to.
func (c *SearchCursor) Previous() (string, bool) {
	if len(c.matches) == 0 {
		return "", false
	}
	if c.index > 0 {
		c.index--
	} else {
		c.index = len(c.matches) - 1
	}
	return c.matches[c.index].ID, true
}
