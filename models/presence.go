package models

const (
	// StatusOnline marks an identity with an active session.
	StatusOnline = "online"
	// StatusOffline marks an identity without an active session.
	StatusOffline = "offline"
)

// TypingStatus is the typing flag written by Actor and observed by Counterpart.
type TypingStatus struct {
	Actor       string `json:"actor"`
	Counterpart string `json:"counterpart"`
	IsTyping    bool   `json:"is_typing"`
	Timestamp   int64  `json:"timestamp"`
}

// Key returns the document key of the status.
func (s TypingStatus) Key() string {
	return TypingKey(s.Actor, s.Counterpart)
}

// TypingKey builds the "{actor}_{counterpart}" key of a typing document.
func TypingKey(actor, counterpart string) string {
	return actor + "_" + counterpart
}

// UserProfile is the public profile of one identity.
type UserProfile struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	LastSeen    int64  `json:"last_seen"`
}

// Conversation is the derived per-counterpart summary shown in conversation lists.
// It is never persisted.
type Conversation struct {
	Counterpart   string  `json:"counterpart"`
	DisplayName   string  `json:"display_name"`
	Status        string  `json:"status"`
	LastMessage   Message `json:"last_message"`
	LastTimestamp *int64  `json:"last_timestamp"`
	UnreadCount   int     `json:"unread_count"`
}
