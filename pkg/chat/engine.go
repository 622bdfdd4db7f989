// Package chat holds the synchronization engine: the authoritative,
// ordered, deduplicated in-memory view of the currently attached
// conversation log. The view is reconciled against periodic polling, push
// notifications from the log, and paginated backward loads.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"peerchat/pkg/codec"
	"peerchat/pkg/config"
	"peerchat/pkg/logger"
	"peerchat/pkg/models"
	"peerchat/pkg/replog"
	"peerchat/pkg/telemetry"
)

// PageSize is the number of older entries materialized per page load.
const PageSize = 20

// ErrSendFailed wraps append failures on the attached log. The caller keeps
// the unsent text; the view is left untouched.
var ErrSendFailed = errors.New("send failed")

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration
	PageSize     int
}

// Engine maintains the conversation view for at most one attached log.
// All view mutation is serialized behind mu; log scans run outside the
// lock and re-validate the attach generation before applying, so results
// that complete after a detach are discarded.
type Engine struct {
	rt   replog.Runtime
	poll time.Duration
	page int

	mu  sync.Mutex
	log replog.Log
	// gen counts attaches; in-flight scans capture it and discard their
	// result if it moved.
	gen     uint64
	entries []models.Message
	// oldest/oldestKey form the pagination watermark; empty means unset
	// (no page loaded yet, treated as +infinity).
	oldest    string
	oldestKey string
	status    string
	lastErr   string
	// refreshing guards the at-most-one-in-flight refresh rule;
	// refreshQueued coalesces requests that arrive while one runs.
	refreshing    bool
	refreshQueued bool
	paging        bool
	stopPoll      context.CancelFunc
}

// New builds an engine over the injected log runtime.
func New(rt replog.Runtime, opts Options) *Engine {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = config.DefaultPollInterval
	}
	page := opts.PageSize
	if page <= 0 {
		page = PageSize
	}
	return &Engine{rt: rt, poll: poll, page: page, status: "detached"}
}

// Attach binds the engine to the log named or addressed by ref: any
// previous binding is detached first, the update listener and poll loop are
// installed, and an initial refresh runs. Only one log is attached at a
// time.
func (e *Engine) Attach(ctx context.Context, ref string) error {
	e.Detach()

	e.setStatus("connecting")
	l, err := e.rt.Connect(ctx, ref)
	if err != nil {
		e.fail("connect failed", err)
		return err
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.log = l
	e.entries = nil
	e.oldest, e.oldestKey = "", ""
	e.lastErr = ""
	e.status = "connected"
	pollCtx, cancel := context.WithCancel(context.Background())
	e.stopPoll = cancel
	e.mu.Unlock()

	l.OnUpdate(func() {
		// push notification and poll ticks are both producers into the
		// same coalescing refresh entry point
		e.refresh(context.Background(), gen, true)
	})
	go e.pollLoop(pollCtx, gen)

	logger.Info("log_attached", "log", l.Name(), "address", l.Address())
	return e.Refresh(ctx)
}

// Detach stops polling, removes the update listener and discards the view.
// Idempotent. Refreshes or page loads already in flight are invalidated and
// their late results dropped.
func (e *Engine) Detach() {
	e.mu.Lock()
	l := e.log
	if e.stopPoll != nil {
		e.stopPoll()
		e.stopPoll = nil
	}
	e.gen++
	e.log = nil
	e.entries = nil
	e.oldest, e.oldestKey = "", ""
	e.refreshQueued = false
	e.status = "detached"
	e.mu.Unlock()

	if l != nil {
		l.OnUpdate(nil)
		_ = l.Close()
		telemetry.EntriesMaterialized.Set(0)
		logger.Info("log_detached", "log", l.Name())
	}
}

// Refresh scans the full log, decodes every record and replaces the view
// when (and only when) the scan yields more entries than are currently
// materialized. A refresh requested while one is in flight is coalesced
// into a single follow-up run.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.log == nil {
		e.mu.Unlock()
		return fmt.Errorf("no log attached: %w", replog.ErrStoreUnavailable)
	}
	gen := e.gen
	e.mu.Unlock()
	return e.refresh(ctx, gen, true)
}

// refresh is the single-flight entry point. When queue is false (poll
// ticks) a busy engine drops the request instead of queueing it.
func (e *Engine) refresh(ctx context.Context, gen uint64, queue bool) error {
	e.mu.Lock()
	if gen != e.gen || e.log == nil {
		e.mu.Unlock()
		return nil
	}
	if e.refreshing {
		if queue {
			e.refreshQueued = true
		}
		e.mu.Unlock()
		return nil
	}
	e.refreshing = true
	l := e.log
	e.mu.Unlock()

	var err error
	for {
		err = e.scanAndApply(ctx, l, gen)
		e.mu.Lock()
		again := e.refreshQueued && gen == e.gen
		e.refreshQueued = false
		if !again {
			e.refreshing = false
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
	}
}

// scanAndApply performs one full scan-decode-sort pass and applies the
// result under the monotonic-growth guard.
func (e *Engine) scanAndApply(ctx context.Context, l replog.Log, gen uint64) error {
	recs, err := l.All(ctx)
	if err != nil {
		telemetry.RefreshFailures.Inc()
		e.mu.Lock()
		if gen == e.gen {
			// the log became unreadable, distinct from "nothing new"
			e.entries = nil
			e.lastErr = "error loading messages: " + err.Error()
			e.status = "error"
			telemetry.EntriesMaterialized.Set(0)
		}
		e.mu.Unlock()
		logger.Warn("refresh_failed", "error", err)
		return fmt.Errorf("refresh: %w", err)
	}

	msgs := decodeAll(recs)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		// detached (or re-attached) while scanning; drop the late result
		return nil
	}
	telemetry.Refreshes.Inc()
	// Replace only on growth: scans have no delta mode, and a racing
	// partial read must never shrink the view of an append-only log.
	if len(msgs) > len(e.entries) {
		e.entries = msgs
		e.status = "connected"
		e.lastErr = ""
		telemetry.EntriesMaterialized.Set(float64(len(msgs)))
	}
	return nil
}

// LoadOlderPage materializes the next page of entries older than the
// watermark and lowers it. With no watermark set the newest page is
// selected. Returns the loaded page (ascending); an exhausted log yields an
// empty page and no error. Calls made while a page load runs are dropped.
func (e *Engine) LoadOlderPage(ctx context.Context) ([]models.Message, error) {
	e.mu.Lock()
	if e.log == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("no log attached: %w", replog.ErrStoreUnavailable)
	}
	if e.paging {
		e.mu.Unlock()
		return nil, nil
	}
	e.paging = true
	l := e.log
	gen := e.gen
	mark, markKey := e.oldest, e.oldestKey
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.paging = false
		e.mu.Unlock()
	}()

	recs, err := l.All(ctx)
	if err != nil {
		e.mu.Lock()
		if gen == e.gen {
			e.lastErr = "error loading more messages: " + err.Error()
			e.status = "error"
		}
		e.mu.Unlock()
		return nil, fmt.Errorf("load older page: %w", err)
	}

	older := make([]models.Message, 0)
	for _, m := range decodeAll(recs) {
		if olderThan(m, mark, markKey) {
			older = append(older, m)
		}
	}
	if len(older) == 0 {
		return nil, nil
	}
	// newest page of the older set, presented ascending
	sortMessages(older)
	if len(older) > e.page {
		older = older[len(older)-e.page:]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return nil, nil
	}
	e.entries = mergeSorted(older, e.entries)
	e.oldest, e.oldestKey = older[0].Timestamp, older[0].Key
	telemetry.PagesLoaded.Inc()
	telemetry.EntriesMaterialized.Set(float64(len(e.entries)))
	return older, nil
}

// Send encodes and appends a message to the attached log, then refreshes.
// Empty or whitespace-only content is a no-op. On append failure the view
// is unchanged and the error wraps ErrSendFailed so the caller can keep the
// unsent text.
func (e *Engine) Send(ctx context.Context, author, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	e.mu.Lock()
	l := e.log
	if l == nil {
		e.mu.Unlock()
		return fmt.Errorf("no log attached: %w", replog.ErrStoreUnavailable)
	}
	e.status = "sending"
	e.mu.Unlock()

	key, value := codec.Encode(author, content)
	if err := l.Put(ctx, key, value); err != nil {
		telemetry.SendFailures.Inc()
		e.mu.Lock()
		e.lastErr = "error sending message: " + err.Error()
		e.status = "error"
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	telemetry.MessagesSent.Inc()
	e.setStatus("message sent")
	_ = e.Refresh(ctx)
	return nil
}

// Messages returns a copy of the current view, ascending by (timestamp, key).
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.entries))
	copy(out, e.entries)
	return out
}

// Attached reports whether a log is currently bound.
func (e *Engine) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log != nil
}

// Address returns the attached log's address, or "" when detached.
func (e *Engine) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.log == nil {
		return ""
	}
	return e.log.Address()
}

// OldestLoaded returns the pagination watermark timestamp ("" when unset).
func (e *Engine) OldestLoaded() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oldest
}

// Status returns the user-facing status string.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the user-facing error description, "" when healthy.
func (e *Engine) Err() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setStatus(s string) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) fail(msg string, err error) {
	e.mu.Lock()
	e.lastErr = msg + ": " + err.Error()
	e.status = "error"
	e.mu.Unlock()
}

// pollLoop drives the bounded polling refresh. Tick failures are swallowed
// after the error state was recorded; a tick arriving while a refresh runs
// is dropped, not queued.
func (e *Engine) pollLoop(ctx context.Context, gen uint64) {
	t := time.NewTicker(e.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			telemetry.PollTicks.Inc()
			_ = e.refresh(ctx, gen, false)
		}
	}
}

// decodeAll decodes a scan result and sorts it ascending. Map keys are
// unique, so the result is duplicate-free by construction.
func decodeAll(recs map[string]replog.Record) []models.Message {
	msgs := make([]models.Message, 0, len(recs))
	for k, r := range recs {
		msgs = append(msgs, codec.Decode(k, r))
	}
	sortMessages(msgs)
	return msgs
}

// sortMessages orders ascending by timestamp with the record key as the
// deterministic tie-break.
func sortMessages(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Key < msgs[j].Key
	})
}

// olderThan reports whether m sorts strictly before the watermark. An unset
// watermark ("" timestamp) admits everything.
func olderThan(m models.Message, mark, markKey string) bool {
	if mark == "" {
		return true
	}
	if m.Timestamp != mark {
		return m.Timestamp < mark
	}
	return m.Key < markKey
}

// mergeSorted prepends page onto entries, dropping keys already
// materialized and preserving the sort invariant.
func mergeSorted(page, entries []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(entries))
	for _, m := range entries {
		seen[m.Key] = struct{}{}
	}
	out := make([]models.Message, 0, len(page)+len(entries))
	for _, m := range page {
		if _, dup := seen[m.Key]; !dup {
			out = append(out, m)
		}
	}
	out = append(out, entries...)
	sortMessages(out)
	return out
}
