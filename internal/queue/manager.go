package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/events"
	"github.com/dunamismax/genflow/internal/generation"
	"github.com/dunamismax/genflow/internal/id"
	"github.com/dunamismax/genflow/internal/preview"
	"github.com/dunamismax/genflow/internal/store"
)

const (
	defaultGenerationTimeout = 3 * time.Minute
	defaultPersistTimeout    = 10 * time.Second
)

var (
	ErrClosed = errors.New("queue manager is closed")

	// ErrInputUnavailable marks an input whose bytes were not persisted and
	// that has no stored reference to fetch them back from.
	ErrInputUnavailable = errors.New("input no longer available")
)

type Options struct {
	// Local is required. Remote may be nil, which keeps every write local.
	Local        store.JobStore
	Remote       store.JobStore
	Connectivity Connectivity

	Generator generation.Generator
	Objects   ObjectStore
	Fetcher   InputFetcher
	Previews  Previewer
	Publisher events.Publisher
	Metrics   *Metrics

	Logger            zerolog.Logger
	OwnerID           string
	ListLimit         int
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration

	Now   func() time.Time
	NewID func() string
}

// Manager owns the in-memory job list. Every mutation happens under mu;
// store writes, object storage and the generation call run outside it.
type Manager struct {
	local        store.JobStore
	remote       store.JobStore
	connectivity Connectivity
	generator    generation.Generator
	objects      ObjectStore
	fetcher      InputFetcher
	previews     Previewer
	publisher    events.Publisher
	metrics      *Metrics
	tracer       trace.Tracer
	logger       zerolog.Logger

	ownerID           string
	listLimit         int
	generationTimeout time.Duration
	persistTimeout    time.Duration
	now               func() time.Time
	newID             func() string

	mu        sync.Mutex
	jobs      []domain.Job
	thumbs    map[string][]*preview.Handle
	listeners map[int]func(Event)
	nextSub   int
	closed    bool

	// persistMu orders store writes so a late drive write cannot resurrect a
	// record that Remove already deleted.
	persistMu sync.Mutex
	drives    sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Local == nil {
		return nil, errors.New("local job store is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}

	m := &Manager{
		local:             opts.Local,
		remote:            opts.Remote,
		connectivity:      opts.Connectivity,
		generator:         opts.Generator,
		objects:           opts.Objects,
		fetcher:           opts.Fetcher,
		previews:          opts.Previews,
		publisher:         opts.Publisher,
		metrics:           opts.Metrics,
		tracer:            otel.Tracer("github.com/dunamismax/genflow/internal/queue"),
		logger:            opts.Logger.With().Str("component", "queue").Logger(),
		ownerID:           opts.OwnerID,
		listLimit:         opts.ListLimit,
		generationTimeout: opts.GenerationTimeout,
		persistTimeout:    opts.PersistTimeout,
		now:               opts.Now,
		newID:             opts.NewID,
		thumbs:            make(map[string][]*preview.Handle),
		listeners:         make(map[int]func(Event)),
	}
	if m.connectivity == nil {
		m.connectivity = Static(m.remote != nil)
	}
	if m.generationTimeout <= 0 {
		m.generationTimeout = defaultGenerationTimeout
	}
	if m.persistTimeout <= 0 {
		m.persistTimeout = defaultPersistTimeout
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = id.New
	}
	return m, nil
}

// Add validates and enqueues a new job at the head of the list and starts
// driving it. Validation failures are returned synchronously and nothing is
// queued.
func (m *Manager) Add(ctx context.Context, prompt string, inputs ...domain.Input) (string, error) {
	if err := domain.ValidateSubmission(prompt, inputs); err != nil {
		return "", err
	}

	job := domain.NewJob(m.newID(), m.ownerID, prompt, cloneInputs(inputs), m.now())
	handles := m.createThumbnails(ctx, job.ID, job.Inputs)
	for _, h := range handles {
		job.Thumbnails = append(job.Thumbnails, h.Thumbnail())
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.releaseThumbnails(job.ID, handles)
		return "", ErrClosed
	}
	m.jobs = append([]domain.Job{job}, m.jobs...)
	if len(handles) > 0 {
		m.thumbs[job.ID] = handles
	}
	m.drives.Add(1)
	m.notifyLocked(EventAdded, job)
	m.mu.Unlock()

	m.logger.Info().Str("job_id", job.ID).Int("inputs", len(job.Inputs)).Msg("job queued")
	m.mirror(ctx, job.ID, opSave)
	go m.drive(context.WithoutCancel(ctx), job.ID)

	return job.ID, nil
}

// Retry moves a failed job back to pending and drives it again.
func (m *Manager) Retry(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	i := m.indexLocked(jobID)
	if i < 0 {
		m.mu.Unlock()
		return domain.ErrJobNotFound
	}
	job := m.jobs[i]
	if !job.Reset(m.now()) {
		m.mu.Unlock()
		return domain.ErrNotRetryable
	}
	m.jobs[i] = job
	m.drives.Add(1)
	m.notifyLocked(EventUpdated, job)
	m.mu.Unlock()

	m.logger.Info().Str("job_id", jobID).Msg("job retried")
	m.mirror(ctx, jobID, opUpdate)
	go m.drive(context.WithoutCancel(ctx), jobID)

	return nil
}

// RunAgain enqueues a fresh job with the prompt and inputs of a completed
// one. In-memory bytes are reused when the job still holds them; otherwise
// the inputs are fetched again from their stored references. job is not
// modified.
func (m *Manager) RunAgain(ctx context.Context, job domain.Job) (string, error) {
	if job.Status != domain.JobStatusCompleted {
		return "", domain.ErrNotRerunnable
	}

	inputs, err := m.rerunInputs(ctx, job)
	if err != nil {
		return "", err
	}
	return m.Add(ctx, job.Prompt, inputs...)
}

func (m *Manager) rerunInputs(ctx context.Context, job domain.Job) ([]domain.Input, error) {
	if reusable(job.Inputs) {
		return cloneInputs(job.Inputs), nil
	}

	refs := job.SourceRefs()
	if len(refs) == 0 {
		return nil, nil
	}
	if m.fetcher == nil {
		inputs := make([]domain.Input, len(refs))
		for i, ref := range refs {
			inputs[i] = domain.Input{URL: ref}
		}
		return inputs, nil
	}

	inputs := make([]domain.Input, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			data, mime, err := m.fetcher.Fetch(gctx, ref)
			if err != nil {
				return fmt.Errorf("fetch input %d: %w", i, err)
			}
			inputs[i] = domain.Input{Data: data, MIMEType: sniffMIME(data, mime)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

// Remove deletes a job from the list and from both stores. Unknown ids and
// jobs still being driven are left alone.
func (m *Manager) Remove(ctx context.Context, jobID string) error {
	m.mu.Lock()
	i := m.indexLocked(jobID)
	if i < 0 {
		m.mu.Unlock()
		return nil
	}
	job := m.jobs[i]
	if job.Status.Active() {
		m.mu.Unlock()
		m.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("remove skipped for active job")
		return nil
	}
	m.jobs = append(m.jobs[:i:i], m.jobs[i+1:]...)
	handles := m.thumbs[jobID]
	delete(m.thumbs, jobID)
	m.notifyLocked(EventRemoved, job)
	m.mu.Unlock()

	m.releaseThumbnails(jobID, handles)
	m.purge(ctx, []string{jobID})
	return nil
}

func (m *Manager) ClearCompleted(ctx context.Context) int {
	return m.clear(ctx, domain.JobStatusCompleted)
}

func (m *Manager) ClearFailed(ctx context.Context) int {
	return m.clear(ctx, domain.JobStatusFailed)
}

func (m *Manager) clear(ctx context.Context, status domain.Status) int {
	m.mu.Lock()
	kept := make([]domain.Job, 0, len(m.jobs))
	var (
		removed []string
		handles = make(map[string][]*preview.Handle)
	)
	for _, job := range m.jobs {
		if job.Status != status {
			kept = append(kept, job)
			continue
		}
		removed = append(removed, job.ID)
		if hs, ok := m.thumbs[job.ID]; ok {
			handles[job.ID] = hs
			delete(m.thumbs, job.ID)
		}
	}
	if len(removed) == 0 {
		m.mu.Unlock()
		return 0
	}
	dropped := m.jobs
	m.jobs = kept
	for _, job := range dropped {
		if job.Status == status {
			m.notifyLocked(EventRemoved, job)
		}
	}
	m.mu.Unlock()

	for jobID, hs := range handles {
		m.releaseThumbnails(jobID, hs)
	}
	m.purge(ctx, removed)

	m.logger.Info().Str("status", string(status)).Int("count", len(removed)).Msg("jobs cleared")
	return len(removed)
}

func (m *Manager) Stats() domain.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ComputeStats(m.jobs)
}

// Jobs returns newest-first snapshots of every job.
func (m *Manager) Jobs() []domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, len(m.jobs))
	for i, job := range m.jobs {
		out[i] = job.Clone()
	}
	return out
}

func (m *Manager) Job(jobID string) (domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(jobID)
	if i < 0 {
		return domain.Job{}, false
	}
	return m.jobs[i].Clone(), true
}

// Load reconciles the stores and installs the result. Jobs added before Load
// stay at the head of the list.
func (m *Manager) Load(ctx context.Context) error {
	result, err := store.Reconcile(ctx, store.ReconcileOptions{
		Local:  m.local,
		Remote: m.remote,
		Online: m.remote != nil && m.connectivity.Online(ctx),
		Filter: store.ListFilter{OwnerID: m.ownerID, Limit: m.listLimit},
		Logger: m.logger,
		Now:    m.now,
	})
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	m.mu.Lock()
	seen := make(map[string]struct{}, len(m.jobs))
	for _, job := range m.jobs {
		seen[job.ID] = struct{}{}
	}
	for _, job := range result.Jobs {
		if _, ok := seen[job.ID]; ok {
			continue
		}
		m.jobs = append(m.jobs, job)
	}
	m.notifyLocked(EventLoaded, domain.Job{})
	m.mu.Unlock()

	m.logger.Info().
		Str("source", result.Source).
		Int("jobs", len(result.Jobs)).
		Int("migrated", result.Migrated).
		Int("interrupted", result.Interrupted).
		Msg("queue loaded")
	return nil
}

// Subscribe registers fn for every subsequent Event. Listeners run while the
// list lock is held: they must not block or call back into the Manager.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.nextSub
	m.nextSub++
	m.listeners[key] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, key)
			m.mu.Unlock()
		})
	}
}

// Close stops accepting work, waits for running drives until ctx is done and
// releases every thumbnail.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.drives.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}

	m.mu.Lock()
	all := m.thumbs
	m.thumbs = make(map[string][]*preview.Handle)
	m.mu.Unlock()
	for jobID, hs := range all {
		m.releaseThumbnails(jobID, hs)
	}
	return err
}

func (m *Manager) indexLocked(jobID string) int {
	for i := range m.jobs {
		if m.jobs[i].ID == jobID {
			return i
		}
	}
	return -1
}

func (m *Manager) notifyLocked(kind EventType, job domain.Job) {
	m.metrics.observeStats(domain.ComputeStats(m.jobs))
	if len(m.listeners) == 0 {
		return
	}
	ev := Event{Type: kind, Job: job.Clone()}
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// update applies fn to the job under the lock. It reports false when the job
// is gone or fn refused the transition.
func (m *Manager) update(jobID string, fn func(*domain.Job) bool) (domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(jobID)
	if i < 0 {
		return domain.Job{}, false
	}
	job := m.jobs[i]
	if !fn(&job) {
		return domain.Job{}, false
	}
	m.jobs[i] = job
	m.notifyLocked(EventUpdated, job)
	return job.Clone(), true
}

func (m *Manager) createThumbnails(ctx context.Context, jobID string, inputs []domain.Input) []*preview.Handle {
	if m.previews == nil {
		return nil
	}
	var handles []*preview.Handle
	for i, in := range inputs {
		if !in.HasData() {
			continue
		}
		h, err := m.previews.Create(ctx, jobID, i, in.Data)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", jobID).Int("input", i).Msg("create thumbnail failed")
			continue
		}
		handles = append(handles, h)
	}
	return handles
}

func (m *Manager) releaseThumbnails(jobID string, handles []*preview.Handle) {
	if len(handles) == 0 {
		return
	}
	if err := preview.ReleaseAll(handles); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("release thumbnails failed")
	}
	if m.previews != nil {
		m.previews.Cleanup(jobID)
	}
}

func cloneInputs(inputs []domain.Input) []domain.Input {
	if len(inputs) == 0 {
		return nil
	}
	return domain.Job{Inputs: inputs}.Clone().Inputs
}

func reusable(inputs []domain.Input) bool {
	if len(inputs) == 0 {
		return false
	}
	for _, in := range inputs {
		if !in.HasData() && in.URL == "" {
			return false
		}
	}
	return true
}
