package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flytam/filenamify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"mediafetch/internal/dedup"
	"mediafetch/internal/domain"
	"mediafetch/internal/event"
	"mediafetch/internal/metrics"
	"mediafetch/internal/quota"
	"mediafetch/internal/resolver"
	"mediafetch/internal/storage"
	"mediafetch/internal/telemetry"
	"mediafetch/internal/transfer"
)

// Manager runs download jobs from submission to a terminal state.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Submit(ctx context.Context, userID int64, rawURL string, choice domain.FormatChoice) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*domain.JobSnapshot, error)
	ListActive(userID int64) []domain.JobSnapshot
	InvalidateCache(fingerprint string) bool
}

// Resolver turns a URL into a media descriptor.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (*domain.MediaDescriptor, error)
}

// Transferer fetches one format variant to a local file.
type Transferer interface {
	CheckSize(size int64) error
	Transfer(ctx context.Context, v domain.FormatVariant, destination string, progress transfer.ProgressFunc) (int64, error)
}

// Stager turns a finished transfer into a resendable file reference.
type Stager interface {
	Stage(ctx context.Context, localPath, key string) (string, error)
}

// Deliverer hands a finished file to the user. It is called once per job.
type Deliverer interface {
	Deliver(ctx context.Context, d domain.Delivery) error
}

// History keeps job snapshots after they leave the active table.
type History interface {
	Record(ctx context.Context, job domain.JobSnapshot) error
	Get(ctx context.Context, id string) (*domain.JobSnapshot, error)
}

type Config struct {
	DownloadRoot    string
	MaxConcurrent   int
	PerUserLimit    int
	Cost            int64
	KeyPrefix       string
	TransferTimeout time.Duration
	DeliveryTimeout time.Duration
	// RecentLimit bounds how many terminal snapshots stay in memory for Status.
	RecentLimit int
	Logger      *logrus.Logger
}

// Deps groups the collaborators a Manager drives. Publisher, History and
// Metrics are optional.
type Deps struct {
	Resolver  Resolver
	Transfer  Transferer
	Ledger    *quota.Ledger
	Cache     *dedup.Cache
	Stager    Stager
	Deliverer Deliverer
	Publisher event.Publisher
	History   History
	Metrics   *metrics.Metrics
}

const maxDedupAttempts = 3

type manager struct {
	cfg  Config
	deps Deps
	log  *logrus.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	active      map[string]*jobHandle
	slots       map[int64]*userSlot
	recent      map[string]domain.JobSnapshot
	recentOrder []string
}

type jobHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	snap   domain.JobSnapshot
	flight *dedup.Flight
}

type userSlot struct {
	sem  *semaphore.Weighted
	refs int
}

func NewManager(cfg Config, deps Deps) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.PerUserLimit <= 0 {
		cfg.PerUserLimit = 2
	}
	if cfg.Cost < 0 {
		cfg.Cost = 0
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Minute
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 1024
	}
	if cfg.DownloadRoot == "" {
		cfg.DownloadRoot = filepath.Join(os.TempDir(), "mediafetch")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if deps.Publisher == nil {
		deps.Publisher = event.NewNoopPublisher()
	}
	return &manager{
		cfg:    cfg,
		deps:   deps,
		log:    cfg.Logger,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		active: make(map[string]*jobHandle),
		slots:  make(map[int64]*userSlot),
		recent: make(map[string]domain.JobSnapshot),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DownloadRoot, 0o755); err != nil {
		return fmt.Errorf("create download root: %w", err)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.log.Infof("download manager started, data dir: %s", m.cfg.DownloadRoot)
	return nil
}

// Shutdown cancels every running job and waits for jobs and transfers to exit.
func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Info("download manager stopped")
}

func (m *manager) Submit(ctx context.Context, userID int64, rawURL string, choice domain.FormatChoice) (string, error) {
	if m.ctx == nil {
		return "", errors.New("download manager not started")
	}
	if err := m.ctx.Err(); err != nil {
		return "", errors.New("download manager is shutting down")
	}
	if userID <= 0 {
		return "", domain.NewError(domain.KindInvalidInput, "user id is required", nil)
	}
	rawURL = strings.TrimSpace(rawURL)
	if _, err := resolver.ParseURL(rawURL); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	jobCtx, cancel := context.WithCancel(m.ctx)
	h := &jobHandle{
		ctx:    jobCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		snap: domain.JobSnapshot{
			ID:        uuid.NewString(),
			UserID:    userID,
			URL:       rawURL,
			Quality:   choice.Quality,
			AudioOnly: choice.AudioOnly,
			State:     domain.JobStatePending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	m.mu.Lock()
	m.active[h.snap.ID] = h
	m.mu.Unlock()

	m.deps.Metrics.JobSubmitted()
	m.record(h.snapshot())
	m.publish(h.snapshot())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(h, choice)
	}()

	m.log.WithFields(logrus.Fields{"job_id": h.snap.ID, "user_id": userID}).Infof("job submitted for %s", rawURL)
	return h.snap.ID, nil
}

// Cancel requests cancellation and waits for the job to reach a terminal
// state. Cancelling a terminal job does nothing.
func (m *manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	h, ok := m.active[jobID]
	_, finished := m.recent[jobID]
	m.mu.Unlock()

	if !ok {
		if finished {
			return nil
		}
		if m.deps.History != nil {
			if _, err := m.deps.History.Get(ctx, jobID); err == nil {
				return nil
			}
		}
		return domain.NewError(domain.KindNotFound, "job "+jobID, nil)
	}

	h.mu.Lock()
	if !h.snap.State.Terminal() {
		h.snap.CancelRequested = true
	}
	h.mu.Unlock()
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) Status(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	m.mu.Lock()
	h, ok := m.active[jobID]
	snap, finished := m.recent[jobID]
	m.mu.Unlock()

	if ok {
		s := h.snapshot()
		return &s, nil
	}
	if finished {
		return &snap, nil
	}
	if m.deps.History != nil {
		return m.deps.History.Get(ctx, jobID)
	}
	return nil, domain.NewError(domain.KindNotFound, "job "+jobID, nil)
}

// ListActive returns the user's non-terminal jobs, oldest first. A zero
// userID lists every active job.
func (m *manager) ListActive(userID int64) []domain.JobSnapshot {
	m.mu.Lock()
	handles := make([]*jobHandle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]domain.JobSnapshot, 0, len(handles))
	for _, h := range handles {
		s := h.snapshot()
		if userID != 0 && s.UserID != userID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *manager) InvalidateCache(fingerprint string) bool {
	ok := m.deps.Cache.Invalidate(fingerprint)
	if ok {
		m.log.WithField("fingerprint", fingerprint).Info("cache entry invalidated")
	}
	return ok
}

func (m *manager) run(h *jobHandle, choice domain.FormatChoice) {
	ctx, span := telemetry.Tracer().Start(h.ctx, "job",
		trace.WithAttributes(
			attribute.String("job.id", h.snap.ID),
			attribute.Int64("job.user_id", h.snap.UserID),
		))
	defer span.End()

	err := m.execute(ctx, h, choice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	}
	m.finish(h, err)
}

func (m *manager) execute(ctx context.Context, h *jobHandle, choice domain.FormatChoice) error {
	logger := m.log.WithFields(logrus.Fields{"job_id": h.snap.ID, "user_id": h.snap.UserID})

	release, err := m.admit(ctx, h.snap.UserID)
	if err != nil {
		return err
	}
	defer release()

	m.transition(h, domain.JobStateResolving, nil)
	desc, err := m.deps.Resolver.Resolve(ctx, h.snap.URL)
	if err != nil {
		return err
	}
	variant, err := desc.Select(choice)
	if err != nil {
		return err
	}
	fp := desc.FingerprintFor(variant)
	h.update(func(s *domain.JobSnapshot) {
		s.Platform = desc.Platform
		s.Title = desc.Title
		s.Fingerprint = fp
		s.Quality = variant.Quality
		s.AudioOnly = variant.AudioOnly
		s.TotalBytes = variant.EstimatedSize
	})
	logger = logger.WithField("fingerprint", fp)

	// fail oversize media before any credit is held
	if err := m.deps.Transfer.CheckSize(variant.EstimatedSize); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ctxError(err)
	}

	m.transition(h, domain.JobStateQuotaChecking, nil)
	res, err := m.deps.Ledger.CheckAndReserve(h.snap.UserID, m.cfg.Cost)
	if err != nil {
		m.deps.Metrics.QuotaDecision("denied")
		return err
	}
	m.deps.Metrics.QuotaDecision("granted")

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			m.settle(logger, m.deps.Ledger.Release, res)
			return ctxError(err)
		}
		m.transition(h, domain.JobStateDedupChecking, nil)
		ticket := m.deps.Cache.Join(m.ctx, fp)

		if ticket.Hit() {
			m.deps.Metrics.CacheLookup("hit")
			h.update(func(s *domain.JobSnapshot) {
				s.FromCache = true
				s.FileRef = ticket.Ref
			})
			err := m.deliver(h, desc, variant, ticket.Ref, true)
			if domain.KindOf(err) == domain.KindStaleReference && attempt < maxDedupAttempts {
				m.deps.Cache.InvalidateRef(ticket.Ref)
				m.deps.Cache.Invalidate(fp)
				h.update(func(s *domain.JobSnapshot) {
					s.FromCache = false
					s.FileRef = ""
				})
				logger.Warn("cached reference expired, fetching again")
				continue
			}
			// delivery from cache is free
			m.settle(logger, m.deps.Ledger.Release, res)
			return err
		}

		if ticket.Leader {
			m.deps.Metrics.CacheLookup("miss")
			m.startFlight(ticket.Flight, desc, variant)
		} else {
			m.deps.Metrics.CacheLookup("coalesced")
			h.update(func(s *domain.JobSnapshot) { s.Coalesced = true })
			logger.Info("waiting on in-flight transfer")
		}

		ref, err := m.await(ctx, h, ticket.Flight)
		if err != nil {
			// the flight was abandoned by every other job before we joined it
			if domain.KindOf(err) == domain.KindCancelled && ctx.Err() == nil {
				if attempt < maxDedupAttempts {
					continue
				}
				// every attempt joined a transfer abandoned by its other jobs
				err = domain.NewError(domain.KindInternal, "shared transfer abandoned", err)
			}
			m.settle(logger, m.deps.Ledger.Release, res)
			return err
		}

		m.settle(logger, m.deps.Ledger.Commit, res)
		h.update(func(s *domain.JobSnapshot) { s.FileRef = ref })
		if err := m.deliver(h, desc, variant, ref, false); err != nil {
			if domain.KindOf(err) == domain.KindStaleReference {
				m.deps.Cache.InvalidateRef(ref)
			}
			m.settle(logger, m.deps.Ledger.Refund, res)
			return err
		}
		return nil
	}
}

// admit blocks in Pending until the user has a free slot (FIFO per user)
// and a global worker slot is available. The returned func frees both.
func (m *manager) admit(ctx context.Context, userID int64) (func(), error) {
	m.mu.Lock()
	slot, ok := m.slots[userID]
	if !ok {
		slot = &userSlot{sem: semaphore.NewWeighted(int64(m.cfg.PerUserLimit))}
		m.slots[userID] = slot
	}
	slot.refs++
	m.mu.Unlock()

	drop := func() {
		m.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(m.slots, userID)
		}
		m.mu.Unlock()
	}

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		drop()
		return nil, ctxError(err)
	}
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		slot.sem.Release(1)
		drop()
		return nil, ctxError(ctx.Err())
	}
	return func() {
		<-m.sem
		slot.sem.Release(1)
		drop()
	}, nil
}

// await waits for the flight result or for the job to be cancelled. A
// cancelled job gives up its interest; the transfer keeps running while
// other jobs still wait on it.
func (m *manager) await(ctx context.Context, h *jobHandle, f *dedup.Flight) (string, error) {
	m.transition(h, domain.JobStateTransferring, func(s *domain.JobSnapshot) {
		h.flight = f
	})
	select {
	case <-f.Done():
		return f.Result()
	case <-ctx.Done():
		m.deps.Cache.Leave(f)
		return "", ctxError(ctx.Err())
	}
}

func (m *manager) startFlight(f *dedup.Flight, desc *domain.MediaDescriptor, v domain.FormatVariant) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ref, err := m.runFlight(f, desc, v)
		m.deps.Cache.Complete(f, ref, err)
	}()
}

func (m *manager) runFlight(f *dedup.Flight, desc *domain.MediaDescriptor, v domain.FormatVariant) (string, error) {
	ctx := f.Context()
	if m.cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TransferTimeout)
		defer cancel()
	}
	ctx, span := telemetry.Tracer().Start(ctx, "transfer",
		trace.WithAttributes(
			attribute.String("media.fingerprint", f.Fingerprint),
			attribute.String("media.platform", string(desc.Platform)),
			attribute.Int64("media.estimated_size", v.EstimatedSize),
		))
	defer span.End()

	logger := m.log.WithField("fingerprint", f.Fingerprint)

	dir, err := os.MkdirTemp(m.cfg.DownloadRoot, "flight-*")
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "create transfer dir", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warnf("cleanup transfer dir: %v", err)
		}
	}()

	name := stagedName(desc, v)
	dest := filepath.Join(dir, name)
	progressLog := transfer.NewProgressLogger(logger, "download")

	m.deps.Metrics.TransferStarted()
	logger.Infof("transfer started: %s", name)
	n, err := m.deps.Transfer.Transfer(ctx, v, dest, func(done, total int64) {
		f.SetProgress(done, total)
		progressLog(done, total)
	})
	if err != nil {
		m.deps.Metrics.TransferFinished(0)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		logger.WithError(err).Warn("transfer failed")
		return "", err
	}
	m.deps.Metrics.TransferFinished(n)
	span.SetAttributes(attribute.Int64("transfer.bytes", n))

	ref, err := m.deps.Stager.Stage(ctx, dest, storage.ObjectKey(m.cfg.KeyPrefix, f.Fingerprint, name))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxError(ctxErr)
		}
		return "", domain.NewError(domain.KindInternal, "stage file", err)
	}
	logger.Infof("transfer completed (%s), staged as %s", transfer.FormatBytes(n), ref)
	return ref, nil
}

// deliver runs outside the job's cancellation: once Delivering starts the
// callback is allowed to finish.
func (m *manager) deliver(h *jobHandle, desc *domain.MediaDescriptor, v domain.FormatVariant, ref string, fromCache bool) error {
	m.transition(h, domain.JobStateDelivering, nil)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), m.cfg.DeliveryTimeout)
	defer cancel()

	snap := h.snapshot()
	err := m.deps.Deliverer.Deliver(ctx, domain.Delivery{
		JobID:     snap.ID,
		UserID:    snap.UserID,
		FileRef:   ref,
		FromCache: fromCache,
		Title:     desc.Title,
		Filename:  stagedName(desc, v),
		Platform:  desc.Platform,
		SourceURL: snap.URL,
		Quality:   v.Quality,
		AudioOnly: v.AudioOnly,
		Size:      v.EstimatedSize,
		Duration:  v.Duration,
	})
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "delivery", err)
	}
	return domain.NewError(domain.KindDeliveryFailed, "", err)
}

func (m *manager) settle(logger *logrus.Entry, fn func(*quota.Reservation) error, res *quota.Reservation) {
	if err := fn(res); err != nil {
		logger.WithError(err).Error("settle reservation")
	}
}

func (m *manager) transition(h *jobHandle, state domain.JobState, fn func(*domain.JobSnapshot)) {
	h.update(func(s *domain.JobSnapshot) {
		s.State = state
		if fn != nil {
			fn(s)
		}
	})
	m.log.WithFields(logrus.Fields{"job_id": h.snap.ID, "state": state}).Debug("job state changed")
	m.publish(h.snapshot())
}

func (m *manager) finish(h *jobHandle, err error) {
	now := time.Now().UTC()
	h.update(func(s *domain.JobSnapshot) {
		switch {
		case err == nil:
			s.State = domain.JobStateCompleted
		case domain.KindOf(err) == domain.KindCancelled:
			s.State = domain.JobStateCancelled
			s.FailureKind = domain.KindCancelled
			s.Reason = err.Error()
		default:
			s.State = domain.JobStateFailed
			s.FailureKind = domain.KindOf(err)
			s.Reason = err.Error()
		}
		if s.State == domain.JobStateCompleted && s.TotalBytes > 0 {
			s.BytesTransferred = s.TotalBytes
		}
		s.FinishedAt = &now
	})
	h.mu.Lock()
	h.flight = nil
	h.mu.Unlock()
	snap := h.snapshot()

	logger := m.log.WithFields(logrus.Fields{"job_id": snap.ID, "user_id": snap.UserID, "state": snap.State})
	if err != nil {
		logger.WithError(err).Warn("job finished")
	} else {
		logger.Info("job finished")
	}

	m.record(snap)
	m.publish(snap)
	m.deps.Metrics.JobFinished(string(snap.State), string(snap.FailureKind), now.Sub(snap.CreatedAt))

	m.mu.Lock()
	m.remember(snap)
	delete(m.active, snap.ID)
	m.mu.Unlock()

	h.cancel()
	close(h.done)
}

// remember keeps terminal snapshots for Status; callers hold m.mu.
func (m *manager) remember(snap domain.JobSnapshot) {
	if _, ok := m.recent[snap.ID]; !ok {
		m.recentOrder = append(m.recentOrder, snap.ID)
	}
	m.recent[snap.ID] = snap
	for len(m.recentOrder) > m.cfg.RecentLimit {
		delete(m.recent, m.recentOrder[0])
		m.recentOrder = m.recentOrder[1:]
	}
}

func (m *manager) record(snap domain.JobSnapshot) {
	if m.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 5*time.Second)
	defer cancel()
	if err := m.deps.History.Record(ctx, snap); err != nil {
		m.log.WithField("job_id", snap.ID).Warnf("record job history: %v", err)
	}
}

func (m *manager) publish(snap domain.JobSnapshot) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 5*time.Second)
	defer cancel()
	if err := m.deps.Publisher.PublishJob(ctx, snap); err != nil {
		m.log.WithField("job_id", snap.ID).Debugf("publish job event: %v", err)
	}
}

func (h *jobHandle) update(fn func(*domain.JobSnapshot)) {
	h.mu.Lock()
	fn(&h.snap)
	h.snap.UpdatedAt = time.Now().UTC()
	h.mu.Unlock()
}

// snapshot copies the job, folding in live flight progress.
func (h *jobHandle) snapshot() domain.JobSnapshot {
	h.mu.Lock()
	s := h.snap
	f := h.flight
	h.mu.Unlock()
	if f != nil {
		done, total := f.Progress()
		s.BytesTransferred = done
		if total > 0 {
			s.TotalBytes = total
		}
	}
	return s
}

// stagedName is the on-disk name of the transferred file.
func stagedName(desc *domain.MediaDescriptor, v domain.FormatVariant) string {
	name := strings.TrimSpace(desc.Filename)
	if name == "" {
		name = "media"
		if v.Ext != "" {
			name += "." + strings.TrimPrefix(v.Ext, ".")
		}
	}
	out, err := filenamify.Filenamify(name, filenamify.Options{Replacement: "_", MaxLength: 180})
	if err != nil || out == "" {
		return "media"
	}
	return out
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "", err)
	}
	return domain.NewError(domain.KindCancelled, "job cancelled", err)
}

var _ Manager = (*manager)(nil)
