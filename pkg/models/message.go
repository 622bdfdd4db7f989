package models

// Message is a point-in-time chat entry reconstructed from a replicated
// log record. Values are immutable once constructed; edits append new
// versions to EditHistory rather than mutating in place.
type Message struct {
	// Key is the log record key (the timestamp string plus a collision
	// suffix assigned at send time).
	Key     string `json:"key"`
	Author  string `json:"author"`
	Content string `json:"content"`
	// Timestamp is the ISO-8601 send time; it is the primary sort key.
	Timestamp string `json:"timestamp"`
	// OriginHash is the content hash of the underlying log entry. Display
	// and debugging only, never used for ordering.
	OriginHash string `json:"hash,omitempty"`
	// EditHistory holds prior versions, oldest first. Empty at creation.
	EditHistory []Message `json:"edit_history,omitempty"`
}
