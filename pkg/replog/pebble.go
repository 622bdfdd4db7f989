package replog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"peerchat/pkg/logger"
)

// AddressPrefix marks content-derived log addresses.
const AddressPrefix = "/replog/"

// Store is a Pebble-backed Runtime. Every log is a key prefix inside one
// Pebble database; replication from remote peers lands through MergeRemote.
// The handle is explicitly owned: construct with Open, inject where needed,
// and Close on shutdown.
type Store struct {
	mu   sync.Mutex
	db   *pebble.DB
	path string
	// subs holds the active update registration per open handle, grouped
	// by log name.
	subs map[string]map[*logHandle]func()
}

// Open opens (or creates) the Pebble database at path and returns a started
// runtime.
func Open(path string) (*Store, error) {
	logger.Info("opening_replog_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("replog_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path, subs: map[string]map[*logHandle]func(){}}, nil
}

// Close closes the underlying database. Handles opened from this store
// return ErrStoreUnavailable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	s.subs = nil
	logger.Info("replog_store_closed", "path", s.path)
	return nil
}

// Ready reports whether the store is opened and ready.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// AddressFor returns the content-derived address for a log name.
func AddressFor(name string) string {
	sum := sha256.Sum256([]byte("replog:" + name))
	return AddressPrefix + hex.EncodeToString(sum[:])[:40]
}

type logMeta struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Open opens (or creates) a log by logical name. All participants may
// write; there is no per-writer allow list.
func (s *Store) Open(ctx context.Context, name string) (Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("empty log name: %w", ErrInvalidAddress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreUnavailable
	}
	addr := AddressFor(name)
	meta := logMeta{Name: name, Address: addr}
	mb, _ := json.Marshal(meta)
	if err := s.db.Set([]byte("log:"+name+":meta"), mb, pebble.Sync); err != nil {
		logger.Error("replog_save_meta_failed", "log", name, "error", err)
		return nil, err
	}
	// reverse index so Connect can resolve the address back to the name
	if err := s.db.Set([]byte("addr:"+addr), []byte(name), pebble.Sync); err != nil {
		return nil, err
	}
	h := &logHandle{store: s, name: name, addr: addr}
	logger.Info("replog_opened", "log", name, "address", addr)
	return h, nil
}

// Connect opens an existing log by its content-derived address. A value
// without the address prefix is treated as a plain name and opened by name.
func (s *Store) Connect(ctx context.Context, addressOrName string) (Log, error) {
	ref := strings.TrimSpace(addressOrName)
	if ref == "" {
		return nil, fmt.Errorf("empty address: %w", ErrInvalidAddress)
	}
	if !strings.HasPrefix(ref, AddressPrefix) {
		return s.Open(ctx, ref)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreUnavailable
	}
	v, closer, err := s.db.Get([]byte("addr:" + ref))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("unknown log address %q: %w", ref, ErrInvalidAddress)
	}
	if err != nil {
		return nil, err
	}
	name := string(v)
	if closer != nil {
		_ = closer.Close()
	}
	h := &logHandle{store: s, name: name, addr: ref}
	logger.Info("replog_connected", "log", name, "address", ref)
	return h, nil
}

// MergeRemote applies a record replicated from a remote peer and fires
// update notifications, exactly as a local put does. This is the hook the
// transport layer drives when a remote replica syncs.
func (s *Store) MergeRemote(name, key string, value []byte) error {
	return s.put(name, key, value)
}

func (s *Store) put(name, key string, value []byte) error {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return ErrStoreUnavailable
	}
	k := []byte("log:" + name + ":entry:" + key)
	if err := s.db.Set(k, value, pebble.Sync); err != nil {
		s.mu.Unlock()
		logger.Error("replog_put_failed", "log", name, "key", key, "error", err)
		return err
	}
	var fns []func()
	for _, fn := range s.subs[name] {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	logger.Debug("replog_put", "log", name, "key", key, "len", len(value))
	// notify outside the lock so a callback can call back into the store
	for _, fn := range fns {
		go fn()
	}
	return nil
}

func (s *Store) get(name, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, false, ErrStoreUnavailable
	}
	v, closer, err := s.db.Get([]byte("log:" + name + ":entry:" + key))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, true, nil
}

func (s *Store) all(name string) (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrStoreUnavailable
	}
	prefix := []byte("log:" + name + ":entry:")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	out := make(map[string]Record)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		key := string(iter.Key()[len(prefix):])
		v := append([]byte(nil), iter.Value()...)
		sum := sha256.Sum256(v)
		out[key] = Record{Key: key, Value: v, Hash: hex.EncodeToString(sum[:16])}
	}
	return out, iter.Error()
}

func (s *Store) subscribe(h *logHandle, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return
	}
	m := s.subs[h.name]
	if m == nil {
		m = map[*logHandle]func(){}
		s.subs[h.name] = m
	}
	if fn == nil {
		delete(m, h)
		return
	}
	m[h] = fn
}

// logHandle is one open binding. It carries no state beyond identity; all
// storage goes through the owning Store.
type logHandle struct {
	store  *Store
	name   string
	addr   string
	mu     sync.Mutex
	closed bool
}

func (h *logHandle) Name() string    { return h.name }
func (h *logHandle) Address() string { return h.addr }

func (h *logHandle) Put(ctx context.Context, key string, value []byte) error {
	if err := h.check(ctx); err != nil {
		return err
	}
	return h.store.put(h.name, key, value)
}

func (h *logHandle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := h.check(ctx); err != nil {
		return nil, false, err
	}
	return h.store.get(h.name, key)
}

func (h *logHandle) All(ctx context.Context) (map[string]Record, error) {
	if err := h.check(ctx); err != nil {
		return nil, err
	}
	return h.store.all(h.name)
}

func (h *logHandle) OnUpdate(fn func()) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	h.store.subscribe(h, fn)
}

func (h *logHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.store.subscribe(h, nil)
	return nil
}

func (h *logHandle) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrStoreUnavailable
	}
	return nil
}
