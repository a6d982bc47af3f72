package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"mediafetch/internal/dedup"
	"mediafetch/internal/domain"
	"mediafetch/internal/quota"
	"mediafetch/internal/storage"
	"mediafetch/internal/transfer"
)

const mb = 1 << 20

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeResolver struct {
	mu    sync.Mutex
	descs map[string]*domain.MediaDescriptor
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, rawURL string) (*domain.MediaDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	d, ok := r.descs[rawURL]
	if !ok {
		return nil, domain.NewError(domain.KindResolutionFailed, "unknown url", nil)
	}
	cp := *d
	return &cp, nil
}

func (r *fakeResolver) resolved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func video(name string, size int64) *domain.MediaDescriptor {
	d := &domain.MediaDescriptor{
		Platform:     domain.PlatformDirectLink,
		CanonicalURL: "https://cdn.example/" + name,
		Title:        name,
		Filename:     name,
		Variants: []domain.FormatVariant{{
			Quality:       "original",
			EstimatedSize: size,
			Duration:      120,
			URLs:          []string{"https://cdn.example/" + name},
		}},
	}
	d.Seal()
	return d
}

type fakeTransfer struct {
	max     int64
	payload []byte
	gate    chan struct{}
	err     error
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
}

func (f *fakeTransfer) CheckSize(size int64) error {
	if size > f.max {
		return domain.NewError(domain.KindSizeExceeded, "too large", nil)
	}
	return nil
}

func (f *fakeTransfer) Transfer(ctx context.Context, v domain.FormatVariant, dest string, progress transfer.ProgressFunc) (int64, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.err != nil {
		return 0, f.err
	}
	total := int64(len(f.payload))
	progress(1, total)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, domain.NewError(domain.KindCancelled, "", ctx.Err())
		}
	}
	if err := os.WriteFile(dest, f.payload, 0o644); err != nil {
		return 0, err
	}
	progress(total, total)
	return total, nil
}

type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []domain.Delivery
	fail       func(d domain.Delivery) error
}

func (d *fakeDeliverer) Deliver(ctx context.Context, del domain.Delivery) error {
	d.mu.Lock()
	d.deliveries = append(d.deliveries, del)
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return fail(del)
	}
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

type harness struct {
	mgr      Manager
	resolver *fakeResolver
	xfer     *fakeTransfer
	ledger   *quota.Ledger
	cache    *dedup.Cache
	deliver  *fakeDeliverer
	root     string
}

func newHarness(t *testing.T, cfg Config, descs map[string]*domain.MediaDescriptor) *harness {
	t.Helper()
	stager, err := storage.NewLocalService(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	h := &harness{
		resolver: &fakeResolver{descs: descs},
		xfer:     &fakeTransfer{max: transfer.DefaultMaxSize, payload: []byte("media-bytes")},
		ledger:   quota.NewLedger(quota.Config{DefaultBalance: 5, Logger: quietLogger()}),
		cache:    dedup.New(100),
		deliver:  &fakeDeliverer{},
		root:     t.TempDir(),
	}
	cfg.DownloadRoot = h.root
	cfg.Logger = quietLogger()
	if cfg.Cost == 0 {
		cfg.Cost = 1
	}
	h.mgr = NewManager(cfg, Deps{
		Resolver:  h.resolver,
		Transfer:  h.xfer,
		Ledger:    h.ledger,
		Cache:     h.cache,
		Stager:    stager,
		Deliverer: h.deliver,
	})
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.mgr.Shutdown)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) state(t *testing.T, id string) domain.JobSnapshot {
	t.Helper()
	snap, err := h.mgr.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
	return *snap
}

func (h *harness) waitState(t *testing.T, id string, want domain.JobState) domain.JobSnapshot {
	t.Helper()
	var snap domain.JobSnapshot
	waitFor(t, fmt.Sprintf("job %s to reach %s", id, want), func() bool {
		snap = h.state(t, id)
		return snap.State == want
	})
	return snap
}

func (h *harness) submit(t *testing.T, userID int64, url string) string {
	t.Helper()
	id, err := h.mgr.Submit(context.Background(), userID, url, domain.FormatChoice{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func TestSubmitCompletesAndPopulatesCache(t *testing.T) {
	desc := video("clip.mp4", 50*mb)
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": desc})

	id := h.submit(t, 1, "https://a.example/clip")
	snap := h.waitState(t, id, domain.JobStateCompleted)

	if snap.FromCache || snap.FileRef == "" || snap.FinishedAt == nil {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	fp := desc.FingerprintFor(desc.Variants[0])
	if ref, ok := h.cache.Lookup(fp); !ok || ref != snap.FileRef {
		t.Errorf("cache lookup = %q %v, want %q", ref, ok, snap.FileRef)
	}
	acct := h.ledger.Account(1)
	if acct.Balance != 4 || acct.Reserved != 0 || acct.Committed != 1 {
		t.Errorf("unexpected account %+v", acct)
	}
	if h.deliver.count() != 1 {
		t.Errorf("deliveries = %d, want 1", h.deliver.count())
	}
	if got := h.xfer.calls.Load(); got != 1 {
		t.Errorf("transfers = %d, want 1", got)
	}
}

func TestSecondRequestHitsCacheForFree(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": video("clip.mp4", mb)})

	first := h.submit(t, 1, "https://a.example/clip")
	h.waitState(t, first, domain.JobStateCompleted)
	second := h.submit(t, 2, "https://a.example/clip")
	snap := h.waitState(t, second, domain.JobStateCompleted)

	if !snap.FromCache {
		t.Errorf("expected cache delivery, got %+v", snap)
	}
	if got := h.xfer.calls.Load(); got != 1 {
		t.Errorf("transfers = %d, want 1", got)
	}
	if acct := h.ledger.Account(2); acct.Balance != 5 || acct.Reserved != 0 {
		t.Errorf("cache hit should be free, got %+v", acct)
	}
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{
		"https://a.example/clip":      video("clip.mp4", 50*mb),
		"https://mirror.example/clip": video("clip.mp4", 50*mb),
	})
	h.xfer.gate = make(chan struct{})

	a := h.submit(t, 1, "https://a.example/clip")
	h.waitState(t, a, domain.JobStateTransferring)

	b := h.submit(t, 2, "https://mirror.example/clip")
	waitFor(t, "second job to join the flight", func() bool {
		s := h.state(t, b)
		return s.State == domain.JobStateTransferring && s.Coalesced
	})
	close(h.xfer.gate)

	sa := h.waitState(t, a, domain.JobStateCompleted)
	sb := h.waitState(t, b, domain.JobStateCompleted)
	if got := h.xfer.calls.Load(); got != 1 {
		t.Fatalf("transfers = %d, want exactly 1", got)
	}
	if sa.FileRef != sb.FileRef {
		t.Errorf("coalesced jobs got different refs %q and %q", sa.FileRef, sb.FileRef)
	}
	for _, user := range []int64{1, 2} {
		if acct := h.ledger.Account(user); acct.Balance != 4 || acct.Reserved != 0 {
			t.Errorf("user %d account %+v", user, acct)
		}
	}
}

func TestCancelMidTransferRefundsAndDiscards(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": video("clip.mp4", 50*mb)})
	h.xfer.gate = make(chan struct{})

	id := h.submit(t, 1, "https://a.example/clip")
	h.waitState(t, id, domain.JobStateTransferring)

	if err := h.mgr.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap := h.state(t, id)
	if snap.State != domain.JobStateCancelled || !snap.CancelRequested || snap.FailureKind != domain.KindCancelled {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if acct := h.ledger.Account(1); acct.Balance != 5 || acct.Reserved != 0 || acct.Committed != 0 {
		t.Errorf("reservation not refunded: %+v", acct)
	}
	if h.deliver.count() != 0 {
		t.Errorf("cancelled job was delivered")
	}

	// idempotent on terminal jobs
	if err := h.mgr.Cancel(context.Background(), id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again := h.state(t, id); again.State != domain.JobStateCancelled {
		t.Errorf("state changed to %s", again.State)
	}

	h.mgr.Shutdown()
	entries, err := os.ReadDir(h.root)
	if err != nil {
		t.Fatalf("read download root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("partial output left behind: %v", entries)
	}
	if h.cache.Len() != 0 {
		t.Errorf("cancelled transfer populated the cache")
	}
}

func TestCancelOneWaiterKeepsSharedTransfer(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": video("clip.mp4", mb)})
	h.xfer.gate = make(chan struct{})

	a := h.submit(t, 1, "https://a.example/clip")
	h.waitState(t, a, domain.JobStateTransferring)
	b := h.submit(t, 2, "https://a.example/clip")
	waitFor(t, "coalesced waiter", func() bool { return h.state(t, b).Coalesced })

	if err := h.mgr.Cancel(context.Background(), a); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(h.xfer.gate)
	h.waitState(t, b, domain.JobStateCompleted)
	if got := h.xfer.calls.Load(); got != 1 {
		t.Errorf("transfers = %d, want 1", got)
	}
	if acct := h.ledger.Account(1); acct.Balance != 5 {
		t.Errorf("cancelled leader charged: %+v", acct)
	}
}

func TestOversizeFailsBeforeQuota(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/huge": video("huge.mkv", 2560*mb)})

	id := h.submit(t, 1, "https://a.example/huge")
	snap := h.waitState(t, id, domain.JobStateFailed)
	if snap.FailureKind != domain.KindSizeExceeded {
		t.Fatalf("failure kind = %s, want size_exceeded", snap.FailureKind)
	}
	if h.xfer.calls.Load() != 0 {
		t.Errorf("transfer attempted for oversize media")
	}
	if acct := h.ledger.Account(1); acct.Balance != 5 || acct.Reserved != 0 || acct.WindowCount != 0 {
		t.Errorf("quota consumed: %+v", acct)
	}
}

func TestQuotaDenied(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": video("clip.mp4", mb)})
	if _, err := h.ledger.Grant(1, -5); err != nil {
		t.Fatalf("grant: %v", err)
	}
	id := h.submit(t, 1, "https://a.example/clip")
	snap := h.waitState(t, id, domain.JobStateFailed)
	if snap.FailureKind != domain.KindQuotaExceeded || snap.Reason == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.xfer.calls.Load() != 0 {
		t.Errorf("transfer attempted without quota")
	}
}

func TestDeliveryFailureRefunds(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": video("clip.mp4", mb)})
	h.deliver.fail = func(domain.Delivery) error {
		return domain.NewError(domain.KindDeliveryFailed, "file too large for chat", nil)
	}

	id := h.submit(t, 1, "https://a.example/clip")
	snap := h.waitState(t, id, domain.JobStateFailed)
	if snap.FailureKind != domain.KindDeliveryFailed {
		t.Fatalf("failure kind = %s", snap.FailureKind)
	}
	if acct := h.ledger.Account(1); acct.Balance != 5 || acct.Committed != 0 || acct.Reserved != 0 {
		t.Errorf("delivery failure not refunded: %+v", acct)
	}
}

func TestStaleCacheHitFallsBackToTransfer(t *testing.T) {
	desc := video("clip.mp4", mb)
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": desc})
	fp := desc.FingerprintFor(desc.Variants[0])
	h.cache.Insert(fp, "file:///gone/clip.mp4")
	h.deliver.fail = func(d domain.Delivery) error {
		if d.FileRef == "file:///gone/clip.mp4" {
			return domain.NewError(domain.KindStaleReference, "expired", nil)
		}
		return nil
	}

	id := h.submit(t, 1, "https://a.example/clip")
	snap := h.waitState(t, id, domain.JobStateCompleted)
	if snap.FromCache {
		t.Errorf("expected fresh delivery, got %+v", snap)
	}
	if got := h.xfer.calls.Load(); got != 1 {
		t.Errorf("transfers = %d, want 1", got)
	}
	if ref, ok := h.cache.Lookup(fp); !ok || ref == "file:///gone/clip.mp4" {
		t.Errorf("stale ref still cached: %q %v", ref, ok)
	}
	if acct := h.ledger.Account(1); acct.Balance != 4 {
		t.Errorf("fresh transfer should be charged: %+v", acct)
	}
}

func TestPerUserLimitQueuesInPending(t *testing.T) {
	h := newHarness(t, Config{PerUserLimit: 1}, map[string]*domain.MediaDescriptor{
		"https://a.example/one": video("one.mp4", mb),
		"https://a.example/two": video("two.mp4", mb),
	})
	h.xfer.gate = make(chan struct{})

	first := h.submit(t, 1, "https://a.example/one")
	h.waitState(t, first, domain.JobStateTransferring)
	second := h.submit(t, 1, "https://a.example/two")

	time.Sleep(50 * time.Millisecond)
	if s := h.state(t, second); s.State != domain.JobStatePending {
		t.Fatalf("second job state = %s, want pending", s.State)
	}
	if active := h.mgr.ListActive(1); len(active) != 2 || active[0].ID != first {
		t.Errorf("unexpected active list %+v", active)
	}

	close(h.xfer.gate)
	h.waitState(t, first, domain.JobStateCompleted)
	h.waitState(t, second, domain.JobStateCompleted)
	if peak := h.xfer.peak.Load(); peak != 1 {
		t.Errorf("peak concurrent transfers = %d, want 1", peak)
	}
}

func TestCancelPendingJob(t *testing.T) {
	h := newHarness(t, Config{PerUserLimit: 1}, map[string]*domain.MediaDescriptor{
		"https://a.example/one": video("one.mp4", mb),
		"https://a.example/two": video("two.mp4", mb),
	})
	h.xfer.gate = make(chan struct{})
	defer close(h.xfer.gate)

	first := h.submit(t, 1, "https://a.example/one")
	h.waitState(t, first, domain.JobStateTransferring)
	second := h.submit(t, 1, "https://a.example/two")

	if err := h.mgr.Cancel(context.Background(), second); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s := h.state(t, second); s.State != domain.JobStateCancelled {
		t.Fatalf("state = %s, want cancelled", s.State)
	}
	if h.resolver.resolved() != 1 {
		t.Errorf("queued job was resolved")
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if _, err := h.mgr.Submit(context.Background(), 1, "not a url", domain.FormatChoice{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
	if _, err := h.mgr.Submit(context.Background(), 0, "https://a.example/x", domain.FormatChoice{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected invalid input for missing user, got %v", err)
	}
	if err := h.mgr.Cancel(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := h.mgr.Status(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSegmentedTransferEndToEnd(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 512)
	var failures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rng := r.Header.Get("Range")
		if rng == "bytes=2048-3071" && failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		http.ServeContent(w, r, "clip.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	engine := transfer.NewEngine(transfer.Config{
		MultiConnection: true,
		MaxSegments:     8,
		MinSegmentSize:  1024,
		Retries:         3,
		Backoff:         time.Millisecond,
		HTTPClient:      srv.Client(),
		Logger:          quietLogger(),
	})
	libDir := t.TempDir()
	stager, err := storage.NewLocalService(libDir)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	desc := &domain.MediaDescriptor{
		Platform:     domain.PlatformDirectLink,
		CanonicalURL: srv.URL + "/clip.bin",
		Filename:     "clip.bin",
		Variants:     []domain.FormatVariant{{Quality: "original", EstimatedSize: int64(len(payload)), URLs: []string{srv.URL + "/clip.bin"}}},
	}
	desc.Seal()
	deliverer := &fakeDeliverer{}
	ledger := quota.NewLedger(quota.Config{DefaultBalance: 2, Logger: quietLogger()})
	mgr := NewManager(Config{DownloadRoot: t.TempDir(), Cost: 1, KeyPrefix: "media", Logger: quietLogger()}, Deps{
		Resolver:  &fakeResolver{descs: map[string]*domain.MediaDescriptor{"https://a.example/clip": desc}},
		Transfer:  engine,
		Ledger:    ledger,
		Cache:     dedup.New(10),
		Stager:    stager,
		Deliverer: deliverer,
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.Shutdown()

	id, err := mgr.Submit(context.Background(), 1, "https://a.example/clip", domain.FormatChoice{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var snap *domain.JobSnapshot
	waitFor(t, "job to finish", func() bool {
		snap, err = mgr.Status(context.Background(), id)
		return err == nil && snap.State.Terminal()
	})
	if snap.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (%s)", snap.State, snap.Reason)
	}

	path := strings.TrimPrefix(snap.FileRef, "file://")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("staged bytes differ from source")
	}
	if !strings.Contains(snap.FileRef, "/media/") {
		t.Errorf("file ref %q missing key prefix", snap.FileRef)
	}
	if acct := ledger.Account(1); acct.Balance != 1 {
		t.Errorf("balance = %d, want 1", acct.Balance)
	}
}

func TestAbandonedFlightsFailInsteadOfCancel(t *testing.T) {
	h := newHarness(t, Config{}, map[string]*domain.MediaDescriptor{"https://a.example/clip": video("clip.mp4", mb)})
	h.xfer.err = domain.NewError(domain.KindCancelled, "transfer aborted", nil)

	id := h.submit(t, 1, "https://a.example/clip")
	snap := h.waitState(t, id, domain.JobStateFailed)
	if snap.FailureKind != domain.KindInternal || snap.CancelRequested {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if got := h.xfer.calls.Load(); got != maxDedupAttempts {
		t.Errorf("transfer calls = %d, want %d", got, maxDedupAttempts)
	}
	if got := h.ledger.Account(1).Available(); got != 5 {
		t.Errorf("available = %d, want 5 after release", got)
	}
}
