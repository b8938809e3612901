package models

import (
	"encoding/json"
	"time"
)

// Timestamp is the ordering key of a chat message. A message written by the
// client but not yet echoed back by the change feed is pending; once the feed
// assigns its server time the timestamp is committed.
type Timestamp struct {
	at        time.Time
	committed bool
}

// PendingTimestamp returns the placeholder used before the server time is known.
func PendingTimestamp() Timestamp {
	return Timestamp{}
}

// CommittedAt returns a timestamp assigned by the change feed.
func CommittedAt(at time.Time) Timestamp {
	return Timestamp{at: at.UTC(), committed: true}
}

// IsPending reports whether the server time is still unknown.
func (t Timestamp) IsPending() bool {
	return !t.committed
}

// Time returns the committed instant, or the zero time while pending.
func (t Timestamp) Time() time.Time {
	return t.at
}

// Before orders committed timestamps chronologically and places pending
// timestamps after every committed one.
func (t Timestamp) Before(other Timestamp) bool {
	switch {
	case t.IsPending():
		return false
	case other.IsPending():
		return true
	default:
		return t.at.Before(other.at)
	}
}

// MarshalJSON encodes pending timestamps as null and committed ones as RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsPending() {
		return []byte("null"), nil
	}
	return json.Marshal(t.at)
}

// UnmarshalJSON accepts null for pending timestamps.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = PendingTimestamp()
		return nil
	}
	var at time.Time
	if err := json.Unmarshal(data, &at); err != nil {
		return err
	}
	*t = CommittedAt(at)
	return nil
}

// Message is one immutable record of a chat channel.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Role      Role      `json:"role"`
	Timestamp Timestamp `json:"timestamp"`
	// ClientRef correlates a local echo with the record the feed later returns.
	ClientRef string `json:"client_ref,omitempty"`
}

// Pending reports whether the message is still waiting for its server timestamp.
func (m Message) Pending() bool {
	return m.Timestamp.IsPending()
}
