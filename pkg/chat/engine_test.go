package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"peerchat/pkg/replog"
)

// Long poll interval keeps the ticker out of the way; tests drive refreshes
// explicitly or through update notifications.
var testOpts = Options{PollInterval: time.Hour}

func openStore(t *testing.T) *replog.Store {
	t.Helper()
	s, err := replog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("replog.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEngine(t *testing.T, rt replog.Runtime) *Engine {
	t.Helper()
	e := New(rt, testOpts)
	t.Cleanup(e.Detach)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// seed writes n structured records with strictly increasing timestamps.
func seed(t *testing.T, s *replog.Store, name string, n int) {
	t.Helper()
	l, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("seed open: %v", err)
	}
	defer l.Close()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano)
		key := fmt.Sprintf("%s-%08d", ts, i)
		v, _ := json.Marshal(map[string]string{
			"user":      "seeder",
			"content":   fmt.Sprintf("m%02d", i),
			"timestamp": ts,
		})
		if err := l.Put(context.Background(), key, v); err != nil {
			t.Fatalf("seed put: %v", err)
		}
	}
}

func TestAttachSendRefresh(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	if err := e.Attach(ctx, "room"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !e.Attached() {
		t.Fatalf("engine not attached")
	}
	if err := e.Send(ctx, "alice", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "one entry", func() bool { return len(e.Messages()) == 1 })
	m := e.Messages()[0]
	if m.Author != "alice" || m.Content != "hi" {
		t.Fatalf("unexpected entry: %+v", m)
	}
	if m.Key == "" || m.Timestamp == "" || m.OriginHash == "" {
		t.Fatalf("identity fields missing: %+v", m)
	}
}

func TestTwoSendsOrderedByTimestamp(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()

	if err := e.Attach(ctx, "room"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := e.Send(ctx, "alice", "a"); err != nil {
		t.Fatalf("Send a: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct timestamps
	if err := e.Send(ctx, "bob", "b"); err != nil {
		t.Fatalf("Send b: %v", err)
	}

	waitFor(t, "two entries", func() bool { return len(e.Messages()) == 2 })
	msgs := e.Messages()
	if msgs[0].Content != "a" || msgs[1].Content != "b" {
		t.Fatalf("entries out of order: %+v", msgs)
	}
	if msgs[0].Timestamp > msgs[1].Timestamp {
		t.Fatalf("sort invariant broken: %q > %q", msgs[0].Timestamp, msgs[1].Timestamp)
	}
}

func TestSendEmptyIsNoOp(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	ctx := context.Background()
	if err := e.Attach(ctx, "room"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := e.Send(ctx, "alice", ""); err != nil {
		t.Fatalf("Send empty: %v", err)
	}
	if err := e.Send(ctx, "alice", "   "); err != nil {
		t.Fatalf("Send blank: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(e.Messages()); n != 0 {
		t.Fatalf("blank sends materialized %d entries", n)
	}
}

func TestSortInvariantAndDedup(t *testing.T) {
	s := openStore(t)
	seed(t, s, "room", 25)
	e := newEngine(t, s)
	if err := e.Attach(context.Background(), "room"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, "all seeded entries", func() bool { return len(e.Messages()) == 25 })

	msgs := e.Messages()
	if !sort.SliceIsSorted(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Key < msgs[j].Key
	}) {
		t.Fatalf("entries not sorted")
	}
	keys := map[string]bool{}
	for _, m := range msgs {
		if keys[m.Key] {
			t.Fatalf("duplicate key %q", m.Key)
		}
		keys[m.Key] = true
	}
}

func TestRemoteMergeTriggersRefresh(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	if err := e.Attach(context.Background(), "room"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	v, _ := json.Marshal(map[string]string{"user": "peer", "content": "from afar", "timestamp": "2024-05-01T00:00:00Z"})
	if err := s.MergeRemote("room", "2024-05-01T00:00:00Z-peer0001", v); err != nil {
		t.Fatalf("MergeRemote: %v", err)
	}
	waitFor(t, "merged entry", func() bool { return len(e.Messages()) == 1 })
	if got := e.Messages()[0].Author; got != "peer" {
		t.Fatalf("author = %q", got)
	}
}

func TestLoadOlderPagePagination(t *testing.T) {
	s := openStore(t)
	seed(t, s, "room", 25)
	e := newEngine(t, s)
	ctx := context.Background()
	if err := e.Attach(ctx, "room"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, "initial refresh", func() bool { return len(e.Messages()) == 25 })

	// first page: watermark unset, newest 20 selected
	page, err := e.LoadOlderPage(ctx)
	if err != nil {
		t.Fatalf("LoadOlderPage: %v", err)
	}
	if len(page) != 20 {
		t.Fatalf("expected a 20-entry page, got %d", len(page))
	}
	if !sort.SliceIsSorted(page, func(i, j int) bool { return page[i].Timestamp < page[j].Timestamp }) {
		t.Fatalf("page not ascending")
	}
	if page[0].Content != "m05" {
		t.Fatalf("page should start at the 6th record, got %q", page[0].Content)
	}
	if len(e.Messages()) != 25 {
		t.Fatalf("pagination changed entry count: %d", len(e.Messages()))
	}
	if e.OldestLoaded() != page[0].Timestamp {
		t.Fatalf("watermark not lowered: %q", e.OldestLoaded())
	}

	// second page: the remaining 5
	page, err = e.LoadOlderPage(ctx)
	if err != nil {
		t.Fatalf("second LoadOlderPage: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("expected the remaining 5, got %d", len(page))
	}
	if page[0].Content != "m00" {
		t.Fatalf("second page should start at the oldest record, got %q", page[0].Content)
	}

	// exhausted: further calls are no-ops
	page, err = e.LoadOlderPage(ctx)
	if err != nil {
		t.Fatalf("exhausted LoadOlderPage: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected exhaustion, loaded %d", len(page))
	}
	if len(e.Messages()) != 25 {
		t.Fatalf("entry count drifted: %d", len(e.Messages()))
	}
}

func TestReattachResetsView(t *testing.T) {
	s := openStore(t)
	seed(t, s, "roomA", 3)
	e := newEngine(t, s)
	ctx := context.Background()

	if err := e.Attach(ctx, "roomA"); err != nil {
		t.Fatalf("Attach A: %v", err)
	}
	waitFor(t, "roomA entries", func() bool { return len(e.Messages()) == 3 })
	addrA := e.Address()

	if err := e.Attach(ctx, "roomB"); err != nil {
		t.Fatalf("Attach B: %v", err)
	}
	if e.Address() == addrA {
		t.Fatalf("address did not change on re-attach")
	}
	if n := len(e.Messages()); n != 0 {
		t.Fatalf("old entries survived re-attach: %d", n)
	}
}

func TestDetachIdempotent(t *testing.T) {
	s := openStore(t)
	e := newEngine(t, s)
	if err := e.Attach(context.Background(), "room"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	e.Detach()
	e.Detach()
	if e.Attached() {
		t.Fatalf("still attached after detach")
	}
	if err := e.Refresh(context.Background()); !errors.Is(err, replog.ErrStoreUnavailable) {
		t.Fatalf("Refresh while detached: got %v", err)
	}
	if err := e.Send(context.Background(), "a", "x"); !errors.Is(err, replog.ErrStoreUnavailable) {
		t.Fatalf("Send while detached: got %v", err)
	}
}

// ---- controllable fake log for guard and failure-path tests ----

type fakeRuntime struct{ log *fakeLog }

func (f *fakeRuntime) Open(ctx context.Context, name string) (replog.Log, error) {
	return f.log, nil
}

func (f *fakeRuntime) Connect(ctx context.Context, ref string) (replog.Log, error) {
	return f.log, nil
}

type fakeLog struct {
	mu        sync.Mutex
	recs      map[string]replog.Record
	putErr    error
	scanErr   error
	blockScan chan struct{}

	scans       int32
	inFlight    int32
	maxInFlight int32
	puts        int32
}

func (f *fakeLog) Name() string    { return "fake" }
func (f *fakeLog) Address() string { return "/replog/fake" }
func (f *fakeLog) Close() error    { return nil }
func (f *fakeLog) OnUpdate(func()) {}

func (f *fakeLog) Put(ctx context.Context, key string, value []byte) error {
	atomic.AddInt32(&f.puts, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	if f.recs == nil {
		f.recs = map[string]replog.Record{}
	}
	f.recs[key] = replog.Record{Key: key, Value: value}
	return nil
}

func (f *fakeLog) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[key]
	return r.Value, ok, nil
}

func (f *fakeLog) All(ctx context.Context) (map[string]replog.Record, error) {
	atomic.AddInt32(&f.scans, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		prev := atomic.LoadInt32(&f.maxInFlight)
		if n <= prev || atomic.CompareAndSwapInt32(&f.maxInFlight, prev, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	block := f.blockScan
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	out := make(map[string]replog.Record, len(f.recs))
	for k, r := range f.recs {
		out[k] = r
	}
	return out, nil
}

func (f *fakeLog) setRecords(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = map[string]replog.Record{}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("2024-05-01T00:00:%02dZ-%04d", i, i)
		v, _ := json.Marshal(map[string]string{"user": "u", "content": fmt.Sprintf("c%d", i)})
		f.recs[key] = replog.Record{Key: key, Value: v}
	}
}

// A scan that yields no more records than are materialized must never
// shrink the view; append-only logs cannot lose entries, so a smaller
// result is a stale snapshot.
func TestRefreshMonotonicGrowthGuard(t *testing.T) {
	f := &fakeLog{}
	e := newEngine(t, &fakeRuntime{log: f})
	ctx := context.Background()

	f.setRecords(5)
	if err := e.Attach(ctx, "fake"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, "5 entries", func() bool { return len(e.Messages()) == 5 })

	f.setRecords(3) // stale/racing snapshot
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	waitFor(t, "guarded view", func() bool { return len(e.Messages()) == 5 })

	f.setRecords(8)
	if err := e.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	waitFor(t, "grown view", func() bool { return len(e.Messages()) == 8 })
}

func TestRefreshFailureResetsEntries(t *testing.T) {
	f := &fakeLog{}
	e := newEngine(t, &fakeRuntime{log: f})
	ctx := context.Background()

	f.setRecords(4)
	if err := e.Attach(ctx, "fake"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, "4 entries", func() bool { return len(e.Messages()) == 4 })

	f.mu.Lock()
	f.scanErr = errors.New("replica unreadable")
	f.mu.Unlock()
	if err := e.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}
	if n := len(e.Messages()); n != 0 {
		t.Fatalf("failed refresh kept %d entries", n)
	}
	if e.Err() == "" || e.Status() != "error" {
		t.Fatalf("error state not recorded: status=%q err=%q", e.Status(), e.Err())
	}
}

func TestSendFailureLeavesViewUnchanged(t *testing.T) {
	f := &fakeLog{}
	e := newEngine(t, &fakeRuntime{log: f})
	ctx := context.Background()

	f.setRecords(2)
	if err := e.Attach(ctx, "fake"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, "2 entries", func() bool { return len(e.Messages()) == 2 })

	f.mu.Lock()
	f.putErr = errors.New("access denied")
	f.mu.Unlock()
	err := e.Send(ctx, "alice", "doomed")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if n := len(e.Messages()); n != 2 {
		t.Fatalf("failed send changed the view: %d entries", n)
	}
}

func TestRefreshSingleFlightCoalesces(t *testing.T) {
	f := &fakeLog{}
	e := newEngine(t, &fakeRuntime{log: f})
	ctx := context.Background()

	if err := e.Attach(ctx, "fake"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, "attach refresh settled", func() bool { return atomic.LoadInt32(&f.inFlight) == 0 })
	base := atomic.LoadInt32(&f.scans)

	block := make(chan struct{})
	f.mu.Lock()
	f.blockScan = block
	f.mu.Unlock()

	done := make(chan struct{})
	go func() { _ = e.Refresh(ctx); close(done) }()
	waitFor(t, "scan in flight", func() bool { return atomic.LoadInt32(&f.scans) == base+1 })

	// these arrive while the first runs: coalesced into one follow-up
	for i := 0; i < 5; i++ {
		if err := e.Refresh(ctx); err != nil {
			t.Fatalf("queued Refresh: %v", err)
		}
	}
	if got := atomic.LoadInt32(&f.scans); got != base+1 {
		t.Fatalf("concurrent scan started: %d", got)
	}

	f.mu.Lock()
	f.blockScan = nil
	f.mu.Unlock()
	close(block)
	<-done

	waitFor(t, "coalesced follow-up", func() bool { return atomic.LoadInt32(&f.scans) == base+2 })
	if max := atomic.LoadInt32(&f.maxInFlight); max > 1 {
		t.Fatalf("scans overlapped: max in flight %d", max)
	}
}

// Detaching invalidates any scan already in flight; its late result must
// not resurrect the view.
func TestDetachDiscardsLateResults(t *testing.T) {
	f := &fakeLog{}
	e := newEngine(t, &fakeRuntime{log: f})
	ctx := context.Background()

	if err := e.Attach(ctx, "fake"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, "attach refresh settled", func() bool { return atomic.LoadInt32(&f.inFlight) == 0 })

	f.setRecords(6)
	block := make(chan struct{})
	f.mu.Lock()
	f.blockScan = block
	f.mu.Unlock()

	done := make(chan struct{})
	go func() { _ = e.Refresh(ctx); close(done) }()
	waitFor(t, "scan in flight", func() bool { return atomic.LoadInt32(&f.inFlight) == 1 })

	e.Detach()
	f.mu.Lock()
	f.blockScan = nil
	f.mu.Unlock()
	close(block)
	<-done

	if n := len(e.Messages()); n != 0 {
		t.Fatalf("late result applied after detach: %d entries", n)
	}
	if e.Attached() {
		t.Fatalf("attached after detach")
	}
}

// The fake log never delivers push notifications, so growth can only come
// from the poll loop.
func TestPollingRefreshesWithoutNotifications(t *testing.T) {
	f := &fakeLog{}
	e := New(&fakeRuntime{log: f}, Options{PollInterval: 30 * time.Millisecond})
	t.Cleanup(e.Detach)

	if err := e.Attach(context.Background(), "fake"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if n := len(e.Messages()); n != 0 {
		t.Fatalf("unexpected entries: %d", n)
	}
	f.setRecords(3)
	waitFor(t, "poll pickup", func() bool { return len(e.Messages()) == 3 })
}
