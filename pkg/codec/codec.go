// Package codec converts between raw replicated-log records and Message
// values. Decoding is a total function: records written by peers running
// older or incompatible encodings degrade to a raw-content fallback rather
// than failing.
package codec

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"peerchat/pkg/logger"
	"peerchat/pkg/models"
	"peerchat/pkg/replog"
	"peerchat/pkg/telemetry"
)

// UnknownAuthor is the display name for records whose author cannot be
// recovered.
const UnknownAuthor = "Unknown"

// payload is the wire shape of a structured message record. The author
// field is named "user" on the wire to stay compatible with records written
// by earlier clients.
type payload struct {
	User      string `json:"user"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Encode produces the record key and value for a new message. The key is
// the ISO-8601 send time plus a short random suffix so two writers sharing
// a coarse clock cannot overwrite each other's records.
func Encode(author, content string) (key string, value []byte) {
	if strings.TrimSpace(author) == "" {
		author = "Anonymous"
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	key = ts + "-" + uuid.NewString()[:8]
	value, _ = json.Marshal(payload{User: author, Content: content, Timestamp: ts})
	return key, value
}

type recordKind int

const (
	recordAbsent recordKind = iota
	recordStructured
	recordRawString
)

// Decode reconstructs a Message from a raw log record. It never fails:
// every malformed input degrades to author "Unknown" with the raw value as
// content. Degradations are counted and logged, not surfaced.
func Decode(key string, rec replog.Record) models.Message {
	m := models.Message{
		Key:         key,
		Author:      UnknownAuthor,
		Timestamp:   key,
		OriginHash:  rec.Hash,
		EditHistory: []models.Message{},
	}
	if rec.Key != "" {
		m.Timestamp = rec.Key
	}

	p, kind := classify(rec.Value)
	switch kind {
	case recordStructured:
		if p.User != "" {
			m.Author = p.User
		}
		m.Content = p.Content
		if p.Timestamp != "" {
			m.Timestamp = p.Timestamp
		}
	case recordRawString:
		m.Content = p.Content
		telemetry.DecodeDegraded.Inc()
		logger.Debug("decode_degraded", "key", key, "len", len(rec.Value))
	case recordAbsent:
		m.Content = ""
	}
	return m
}

// classify resolves the loosely-typed record value into the tagged union
// {structured, raw-string, absent}. The value may be a JSON object, a
// JSON-encoded string that itself holds an object, or arbitrary bytes from
// an incompatible peer.
func classify(value []byte) (payload, recordKind) {
	if len(value) == 0 {
		return payload{}, recordAbsent
	}
	var probe any
	if err := json.Unmarshal(value, &probe); err != nil {
		return payload{Content: string(value)}, recordRawString
	}
	switch v := probe.(type) {
	case map[string]any:
		var p payload
		if err := json.Unmarshal(value, &p); err != nil {
			return payload{Content: string(value)}, recordRawString
		}
		return p, recordStructured
	case string:
		// the stored value was a JSON-encoded string; it may itself hold a
		// structured payload
		if looksStructured([]byte(v)) {
			var p payload
			if err := json.Unmarshal([]byte(v), &p); err == nil {
				return p, recordStructured
			}
		}
		return payload{Content: v}, recordRawString
	default:
		return payload{Content: string(value)}, recordRawString
	}
}

// looksStructured reports whether b holds a JSON object, skipping leading
// whitespace.
func looksStructured(b []byte) bool {
	for _, c := range b {
		if c == ' ' || c == '\n' || c == '\r' || c == '\t' {
			continue
		}
		return c == '{'
	}
	return false
}
