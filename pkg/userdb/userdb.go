// Package userdb is the credential record store: a thin specialization of
// the replicated log opened against the fixed "user-db" name. Records are
// keyed by username; conflict resolution is the log's last-write-wins.
package userdb

import (
	"context"
	"encoding/json"
	"fmt"

	"peerchat/pkg/replog"
)

// LogName is the logical name of the shared credential log.
const LogName = "user-db"

// Record is one stored credential/profile entry.
type Record struct {
	Username string `json:"username"`
	// Password is the bcrypt hash, never the plaintext.
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Store wraps the user-db log handle.
type Store struct {
	log replog.Log
}

// Open binds the credential store to its replicated log.
func Open(ctx context.Context, rt replog.Runtime) (*Store, error) {
	l, err := rt.Open(ctx, LogName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", LogName, err)
	}
	return &Store{log: l}, nil
}

// Get returns the credential record for username, with ok=false when no
// record exists.
func (s *Store) Get(ctx context.Context, username string) (Record, bool, error) {
	v, ok, err := s.log.Get(ctx, username)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, false, fmt.Errorf("invalid credential record for %q: %w", username, err)
	}
	return rec, true, nil
}

// Put stores the credential record for username, overwriting any previous
// version.
func (s *Store) Put(ctx context.Context, username string, rec Record) error {
	rec.Username = username
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.log.Put(ctx, username, b)
}

// Close releases the underlying log handle.
func (s *Store) Close() error { return s.log.Close() }
