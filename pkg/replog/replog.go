// Package replog provides access to named, write-open replicated key-value
// logs. The Runtime interface is the seam to the peer-transport and
// replicated-storage layer; the engine and credential store only ever see
// Runtime and Log.
package replog

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable is returned when the log runtime has not been
	// started (or was shut down) and an adapter call is made anyway.
	ErrStoreUnavailable = errors.New("log runtime not started")
	// ErrInvalidAddress is returned for an empty or malformed log address.
	ErrInvalidAddress = errors.New("invalid log address")
)

// Record is one stored log entry as returned by a full scan.
type Record struct {
	// Key is the record key; by convention the sender's timestamp string
	// plus a collision suffix.
	Key string
	// Value is the raw stored value. May be a JSON object, a JSON-encoded
	// string, or arbitrary bytes written by an older peer encoding.
	Value []byte
	// Hash is the content hash of the stored value. Opaque.
	Hash string
}

// Log is one open binding to a replicated log. A handle is exclusively
// owned by the adapter that opened it.
type Log interface {
	// Name returns the logical name the log was created under.
	Name() string
	// Address returns the content-derived address of the log.
	Address() string
	// Put durably writes value at key. Two puts to the same key are a
	// last-write-wins overwrite.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value at key, with ok=false when absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// All returns every currently-known record keyed by record key. Cost is
	// O(total records); pagination and filtering happen in the caller.
	All(ctx context.Context) (map[string]Record, error)
	// OnUpdate registers fn to run whenever the log's replicated state
	// changes (local put or remote merge). At most one registration is
	// active per handle; re-registering replaces the previous one, and a
	// nil fn clears it.
	OnUpdate(fn func())
	// Close releases the handle and drops its update registration.
	Close() error
}

// Runtime opens replicated logs by name or address.
type Runtime interface {
	// Open opens (or creates) a log by logical name under the write-open
	// access policy.
	Open(ctx context.Context, name string) (Log, error)
	// Connect opens an existing log by its content-derived address. A plain
	// name falls back to Open.
	Connect(ctx context.Context, addressOrName string) (Log, error)
}
