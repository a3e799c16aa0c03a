package models

// Message is one chat message between two identities.
//
// Timestamp is nil while the write has not been acknowledged by the store.
// Seq is the store-assigned insertion order and breaks timestamp ties.
type Message struct {
	ID           string   `json:"id"`
	Sender       string   `json:"sender"`
	Receiver     string   `json:"receiver"`
	Participants []string `json:"participants"`
	Text         string   `json:"text"`
	Timestamp    *int64   `json:"timestamp"`
	Read         bool     `json:"read"`
	Seq          int64    `json:"seq"`
}

// Involves reports whether the message was exchanged between a and b, in either direction.
func (m Message) Involves(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// Counterpart returns the other side of the message as seen by self.
func (m Message) Counterpart(self string) string {
	if m.Sender == self {
		return m.Receiver
	}
	return m.Sender
}

// SortTime returns the timestamp used for ordering. Unacknowledged messages sort as now.
func (m Message) SortTime(now int64) int64 {
	if m.Timestamp == nil {
		return now
	}
	return *m.Timestamp
}
