package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/generation"
	"github.com/dunamismax/genflow/internal/preview"
	"github.com/dunamismax/genflow/internal/store"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (f *fakeObjects) Put(_ context.Context, data []byte, key, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("bucket unavailable")
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = append([]byte(nil), data...)
	return "http://objects.test/genflow/" + key, nil
}

func (f *fakeObjects) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[strings.TrimPrefix(ref, "http://objects.test/genflow/")]
	if !ok {
		return nil, "", fmt.Errorf("object %s not found", ref)
	}
	return data, "image/png", nil
}

type fakeFetcher map[string][]byte

func (f fakeFetcher) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	data, ok := f[ref]
	if !ok {
		return nil, "", fmt.Errorf("GET %s: 404", ref)
	}
	return data, "image/png", nil
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (p *fakePublisher) PublishTerminal(_ context.Context, job domain.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *fakePublisher) published() []domain.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Job(nil), p.jobs...)
}

// gate blocks every generation call until it is opened.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) generator(resp generation.Response) generation.Generator {
	return generation.GeneratorFunc(func(ctx context.Context, _ generation.Request) (generation.Response, error) {
		select {
		case <-g.ch:
			return resp, nil
		case <-ctx.Done():
			return generation.Response{}, ctx.Err()
		}
	})
}

type harness struct {
	manager   *Manager
	opts      Options
	local     *store.LocalJobStore
	remote    *store.MemoryJobStore
	objects   *fakeObjects
	publisher *fakePublisher
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for x := 0; x < 16; x++ {
		img.Set(x, x/2, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func okGenerator(data []byte) generation.Generator {
	return generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		return generation.Response{ImageData: data, MIMEType: "image/png", Model: "test-model"}, nil
	})
}

func newHarness(t *testing.T, gen generation.Generator, mutate ...func(*Options)) *harness {
	t.Helper()

	local, err := store.NewLocalJobStore(context.Background(), store.NewMemoryBlobStore(), "")
	require.NoError(t, err)

	h := &harness{
		local:     local,
		remote:    store.NewMemoryJobStore(),
		objects:   &fakeObjects{},
		publisher: &fakePublisher{},
	}

	var seq atomic.Int64
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts := Options{
		Local:        h.local,
		Remote:       h.remote,
		Connectivity: Static(true),
		Generator:    gen,
		Objects:      h.objects,
		Fetcher:      h.objects,
		Publisher:    h.publisher,
		Metrics:      NewMetrics(prometheus.NewRegistry()),
		Logger:       zerolog.Nop(),
		OwnerID:      "owner-1",
		Now: func() time.Time {
			return base.Add(time.Duration(seq.Add(1)) * time.Millisecond)
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	h.opts = opts
	h.manager = h.open(t)
	return h
}

func (h *harness) open(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(h.opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

// restart closes the current manager, marks the stored copy of jobID as
// processing the way a crash mid-generation leaves it, and loads a fresh
// manager over the same stores.
func (h *harness) restart(t *testing.T, jobID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Close(ctx))

	stored, ok := h.remote.Get(jobID)
	require.True(t, ok)
	stored.Status = domain.JobStatusProcessing
	stored.Progress = domain.ProgressProcessing
	stored.Result = nil
	require.NoError(t, h.remote.Save(ctx, stored))

	h.manager = h.open(t)
	require.NoError(t, h.manager.Load(ctx))
	job := h.waitStatus(t, jobID, domain.JobStatusFailed)
	require.Equal(t, domain.InterruptedMessage, job.Error)
}

func (h *harness) waitStatus(t *testing.T, jobID string, status domain.Status) domain.Job {
	t.Helper()
	var last domain.Job
	require.Eventually(t, func() bool {
		job, ok := h.manager.Job(jobID)
		last = job
		return ok && job.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", jobID, status, last.Status)
	return last
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.manager.Stats().Active == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAddDrivesRedCircleToCompletion(t *testing.T) {
	out := testPNG(t)
	h := newHarness(t, okGenerator(out))

	var (
		mu       sync.Mutex
		statuses []domain.Status
		progress []int
	)
	cancel := h.manager.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, ev.Job.Status)
		progress = append(progress, ev.Job.Progress)
	})
	defer cancel()

	jobID, err := h.manager.Add(context.Background(), "a red circle")
	require.NoError(t, err)

	job := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.Result)
	assert.Equal(t, "a red circle", job.Result.Prompt)
	assert.Equal(t, "test-model", job.Result.Model)
	assert.Equal(t, "http://objects.test/genflow/results/"+jobID+".png", job.Result.ImageURL)
	assert.Equal(t, out, h.objects.objects["results/"+jobID+".png"])

	mu.Lock()
	assert.Equal(t, []domain.Status{
		domain.JobStatusPending,
		domain.JobStatusUploading,
		domain.JobStatusProcessing,
		domain.JobStatusCompleted,
	}, statuses)
	assert.Equal(t, []int{0, 10, 40, 100}, progress)
	mu.Unlock()

	require.Eventually(t, func() bool {
		stored, ok := h.remote.Get(jobID)
		return ok && stored.Status == domain.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(h.publisher.published()) == 1
	}, time.Second, 5*time.Millisecond)
	published := h.publisher.published()
	assert.Equal(t, jobID, published[0].ID)
	assert.Equal(t, domain.JobStatusCompleted, published[0].Status)
}

func TestSoftRefusalFailsJob(t *testing.T) {
	gen := generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		return generation.Response{}, &domain.RefusalError{Reason: domain.RefusalSoft, Message: "I can't create that image."}
	})
	h := newHarness(t, gen)

	jobID, err := h.manager.Add(context.Background(), "a red circle")
	require.NoError(t, err)

	job := h.waitStatus(t, jobID, domain.JobStatusFailed)
	assert.Equal(t, "I can't create that image.", job.Error)
	assert.Equal(t, domain.RefusalSoft, job.ErrorReason)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.Result)
}

func TestAddRejectsInvalidSubmissions(t *testing.T) {
	h := newHarness(t, okGenerator(testPNG(t)))

	_, err := h.manager.Add(context.Background(), "   ")
	require.ErrorIs(t, err, domain.ErrValidation)

	three := []domain.Input{{URL: "https://a.test/1.png"}, {URL: "https://a.test/2.png"}, {URL: "https://a.test/3.png"}}
	_, err = h.manager.Add(context.Background(), "x", three...)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.manager.Add(context.Background(), "x", domain.Input{Data: []byte("abc"), MIMEType: "text/plain"})
	require.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, h.manager.Jobs())
}

func TestJobsAreNewestFirstAndStatsCountActive(t *testing.T) {
	g := newGate()
	h := newHarness(t, g.generator(generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}))

	var ids []string
	for i := 0; i < 3; i++ {
		jobID, err := h.manager.Add(context.Background(), fmt.Sprintf("prompt %d", i))
		require.NoError(t, err)
		ids = append(ids, jobID)
	}

	jobs := h.manager.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)
	assert.Equal(t, ids[0], jobs[2].ID)

	stats := h.manager.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, stats.Pending+stats.Uploading+stats.Processing, stats.Active)

	g.open()
	h.waitIdle(t)
	stats = h.manager.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 3, stats.Completed)
	for _, job := range h.manager.Jobs() {
		assert.Equal(t, 100, job.Progress)
	}
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	gen := generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		if calls.Add(1) == 1 {
			return generation.Response{}, errors.New("upstream timeout")
		}
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen)
	ctx := context.Background()

	require.ErrorIs(t, h.manager.Retry(ctx, "missing"), domain.ErrJobNotFound)

	jobID, err := h.manager.Add(ctx, "a red circle")
	require.NoError(t, err)
	failed := h.waitStatus(t, jobID, domain.JobStatusFailed)
	assert.Equal(t, "upstream timeout", failed.Error)
	assert.Empty(t, failed.ErrorReason)

	require.NoError(t, h.manager.Retry(ctx, jobID))
	done := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	assert.Equal(t, jobID, done.ID)
	assert.Empty(t, done.Error)

	before := h.manager.Jobs()
	require.ErrorIs(t, h.manager.Retry(ctx, jobID), domain.ErrNotRetryable)
	assert.Equal(t, before, h.manager.Jobs())
}

func TestRetryPublishesPendingWithZeroProgress(t *testing.T) {
	var calls atomic.Int32
	gen := generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		if calls.Add(1) == 1 {
			return generation.Response{}, errors.New("upstream timeout")
		}
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen)
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "a red circle")
	require.NoError(t, err)
	h.waitStatus(t, jobID, domain.JobStatusFailed)

	var (
		mu     sync.Mutex
		events []domain.Job
	)
	cancel := h.manager.Subscribe(func(ev Event) {
		if ev.Type != EventUpdated || ev.Job.ID != jobID {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Job)
	})
	defer cancel()

	require.NoError(t, h.manager.Retry(ctx, jobID))
	h.waitStatus(t, jobID, domain.JobStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	first := events[0]
	assert.Equal(t, domain.JobStatusPending, first.Status)
	assert.Equal(t, 0, first.Progress)
	assert.Empty(t, first.Error)
	assert.Empty(t, first.ErrorReason)
	for _, job := range events {
		if job.Status == domain.JobStatusPending {
			assert.Equal(t, 0, job.Progress)
		}
	}
}

func TestRetryAfterRestartRefetchesUploadedInput(t *testing.T) {
	src := testPNG(t)
	var (
		mu  sync.Mutex
		got [][]generation.Image
	)
	gen := generation.GeneratorFunc(func(_ context.Context, req generation.Request) (generation.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, req.Images)
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen)
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "x", domain.Input{Data: src, MIMEType: "image/png"})
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	ref := "http://objects.test/genflow/inputs/" + jobID + "/0.png"
	require.Equal(t, []string{ref}, job.InputRefs)

	h.restart(t, jobID)
	reloaded, ok := h.manager.Job(jobID)
	require.True(t, ok)
	require.Len(t, reloaded.Inputs, 1)
	assert.False(t, reloaded.Inputs[0].HasData())

	require.NoError(t, h.manager.Retry(ctx, jobID))
	done := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	assert.Empty(t, done.Error)
	assert.Equal(t, []string{ref}, done.InputRefs)
	assert.Equal(t, []string{ref}, done.Result.InputURLs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Len(t, got[1], 1)
	assert.Equal(t, src, got[1][0].Data)
	assert.Equal(t, "image/png", got[1][0].MIMEType)
}

func TestRetryAfterRestartRefetchesURLInput(t *testing.T) {
	src := testPNG(t)
	const url = "https://img.test/a.png"
	var calls atomic.Int32
	gen := generation.GeneratorFunc(func(_ context.Context, req generation.Request) (generation.Response, error) {
		calls.Add(1)
		if len(req.Images) != 1 || !bytes.Equal(req.Images[0].Data, src) {
			return generation.Response{}, errors.New("missing input image")
		}
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen, func(o *Options) {
		o.Fetcher = fakeFetcher{url: src}
	})
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "x", domain.Input{URL: url})
	require.NoError(t, err)
	h.waitStatus(t, jobID, domain.JobStatusCompleted)

	h.restart(t, jobID)
	require.NoError(t, h.manager.Retry(ctx, jobID))
	done := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	assert.Equal(t, []string{url}, done.InputRefs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryAfterRestartWithoutStoredInputFails(t *testing.T) {
	var calls atomic.Int32
	gen := generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		calls.Add(1)
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen, func(o *Options) {
		o.Objects = nil
	})
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "x", domain.Input{Data: testPNG(t), MIMEType: "image/png"})
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	require.Empty(t, job.InputRefs)

	h.restart(t, jobID)
	require.NoError(t, h.manager.Retry(ctx, jobID))
	failed := h.waitStatus(t, jobID, domain.JobStatusFailed)
	assert.Equal(t, "read input 0: input no longer available", failed.Error)
	assert.Equal(t, 0, failed.Progress)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunAgainReusesInMemoryInputs(t *testing.T) {
	src := testPNG(t)
	var (
		mu       sync.Mutex
		requests []generation.Request
	)
	gen := generation.GeneratorFunc(func(_ context.Context, req generation.Request) (generation.Response, error) {
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen)
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "make it blue", domain.Input{Data: src, MIMEType: "image/png"})
	require.NoError(t, err)
	original := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	snapshot := original.Clone()

	newID, err := h.manager.RunAgain(ctx, original)
	require.NoError(t, err)
	assert.NotEqual(t, jobID, newID)
	assert.Equal(t, snapshot, original)

	rerun := h.waitStatus(t, newID, domain.JobStatusCompleted)
	assert.Equal(t, original.Prompt, rerun.Prompt)
	require.Len(t, rerun.Inputs, 1)
	assert.Equal(t, src, rerun.Inputs[0].Data)

	mu.Lock()
	require.Len(t, requests, 2)
	assert.Equal(t, requests[0].Images, requests[1].Images)
	mu.Unlock()

	_, err = h.manager.RunAgain(ctx, domain.Job{Status: domain.JobStatusFailed, Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrNotRerunnable)
}

func TestRunAgainFetchesStoredRefs(t *testing.T) {
	src := testPNG(t)
	h := newHarness(t, okGenerator([]byte("img")))
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "make it blue", domain.Input{Data: src, MIMEType: "image/png"})
	require.NoError(t, err)
	done := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	require.Len(t, done.InputRefs, 1)

	// A reloaded record keeps references but not bytes.
	reloaded := done.Clone()
	reloaded.Inputs = []domain.Input{{MIMEType: "image/png"}}

	newID, err := h.manager.RunAgain(ctx, reloaded)
	require.NoError(t, err)
	rerun := h.waitStatus(t, newID, domain.JobStatusCompleted)
	require.Len(t, rerun.Inputs, 1)
	assert.Equal(t, src, rerun.Inputs[0].Data)
}

func TestURLInputFetchFailureFailsJob(t *testing.T) {
	h := newHarness(t, okGenerator([]byte("img")), func(o *Options) {
		o.Fetcher = fakeFetcher{}
	})

	jobID, err := h.manager.Add(context.Background(), "x", domain.Input{URL: "https://img.test/missing.png"})
	require.NoError(t, err)

	job := h.waitStatus(t, jobID, domain.JobStatusFailed)
	assert.Contains(t, job.Error, "read input 0")
	assert.Equal(t, 0, job.Progress)
}

func TestURLInputIsFetchedAndReferenced(t *testing.T) {
	src := testPNG(t)
	var got []generation.Image
	gen := generation.GeneratorFunc(func(_ context.Context, req generation.Request) (generation.Response, error) {
		got = req.Images
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen, func(o *Options) {
		o.Fetcher = fakeFetcher{"https://img.test/a.png": src}
	})

	jobID, err := h.manager.Add(context.Background(), "x", domain.Input{URL: "https://img.test/a.png"})
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusCompleted)

	require.Len(t, got, 1)
	assert.Equal(t, src, got[0].Data)
	assert.Equal(t, "image/png", got[0].MIMEType)
	assert.Equal(t, []string{"https://img.test/a.png"}, job.InputRefs)
	assert.Equal(t, []string{"https://img.test/a.png"}, job.Result.InputURLs)
}

func TestResultFallsBackToDataURLWithoutObjectStore(t *testing.T) {
	h := newHarness(t, okGenerator([]byte("img")), func(o *Options) {
		o.Objects = nil
	})

	jobID, err := h.manager.Add(context.Background(), "x")
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	assert.True(t, strings.HasPrefix(job.Result.ImageURL, "data:image/png;base64,"))
}

func TestResultStorageFailureFailsJob(t *testing.T) {
	h := newHarness(t, okGenerator([]byte("img")))
	h.objects.fail = true

	jobID, err := h.manager.Add(context.Background(), "x")
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusFailed)
	assert.Contains(t, job.Error, "store result image")
}

func TestGeneratorPanicIsRecovered(t *testing.T) {
	gen := generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		panic("boom")
	})
	h := newHarness(t, gen)

	jobID, err := h.manager.Add(context.Background(), "x")
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusFailed)
	assert.Contains(t, job.Error, "boom")
}

func TestLoadCoercesInFlightJobs(t *testing.T) {
	h := newHarness(t, okGenerator([]byte("img")), func(o *Options) {
		o.Connectivity = Static(false)
	})
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	inflight := domain.NewJob("inflight", "owner-1", "x", nil, now)
	inflight.Begin(now)
	inflight.StartProcessing(nil, now)
	finished := domain.NewJob("finished", "owner-1", "y", nil, now.Add(time.Second))
	finished.Begin(now)
	finished.StartProcessing(nil, now)
	finished.Complete(domain.Result{ImageURL: "http://objects.test/genflow/results/finished.png"}, now)
	require.NoError(t, h.local.Save(ctx, inflight))
	require.NoError(t, h.local.Save(ctx, finished))

	require.NoError(t, h.manager.Load(ctx))

	jobs := h.manager.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "finished", jobs[0].ID)
	assert.Equal(t, domain.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, domain.JobStatusFailed, jobs[1].Status)
	assert.Equal(t, domain.InterruptedMessage, jobs[1].Error)
	assert.Equal(t, 0, jobs[1].Progress)

	stored, err := h.local.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	for _, job := range stored {
		assert.False(t, job.Status.Active())
	}
}

func TestRemoveReleasesThumbnailsAndIsIdempotent(t *testing.T) {
	maker, err := preview.NewMaker(t.TempDir(), 8)
	require.NoError(t, err)
	h := newHarness(t, okGenerator([]byte("img")), func(o *Options) {
		o.Previews = maker
	})
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "x", domain.Input{Data: testPNG(t), MIMEType: "image/png"})
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	require.Len(t, job.Thumbnails, 1)
	thumbPath := job.Thumbnails[0].Path
	_, err = os.Stat(thumbPath)
	require.NoError(t, err)

	require.NoError(t, h.manager.Remove(ctx, jobID))
	require.NoError(t, h.manager.Remove(ctx, jobID))

	_, ok := h.manager.Job(jobID)
	assert.False(t, ok)
	_, err = os.Stat(thumbPath)
	assert.True(t, os.IsNotExist(err))

	_, ok = h.remote.Get(jobID)
	assert.False(t, ok)
	local, err := h.local.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, local)

	require.NoError(t, h.manager.Remove(ctx, "never-existed"))
}

func TestRemoveLeavesActiveJob(t *testing.T) {
	g := newGate()
	h := newHarness(t, g.generator(generation.Response{ImageData: []byte("img")}))
	defer g.open()

	jobID, err := h.manager.Add(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, h.manager.Remove(context.Background(), jobID))
	job, ok := h.manager.Job(jobID)
	require.True(t, ok)
	assert.True(t, job.Status.Active())
	_, ok = h.remote.Get(jobID)
	assert.True(t, ok)
}

func TestClearCompletedRemovesOnlyCompleted(t *testing.T) {
	gen := generation.GeneratorFunc(func(_ context.Context, req generation.Request) (generation.Response, error) {
		if req.Prompt == "fail" {
			return generation.Response{}, errors.New("nope")
		}
		return generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}, nil
	})
	h := newHarness(t, gen)
	ctx := context.Background()

	a, err := h.manager.Add(ctx, "one")
	require.NoError(t, err)
	b, err := h.manager.Add(ctx, "two")
	require.NoError(t, err)
	c, err := h.manager.Add(ctx, "fail")
	require.NoError(t, err)
	h.waitStatus(t, a, domain.JobStatusCompleted)
	h.waitStatus(t, b, domain.JobStatusCompleted)
	h.waitStatus(t, c, domain.JobStatusFailed)

	var removed []string
	cancel := h.manager.Subscribe(func(ev Event) {
		if ev.Type == EventRemoved {
			removed = append(removed, ev.Job.ID)
		}
	})
	defer cancel()

	assert.Equal(t, 2, h.manager.ClearCompleted(ctx))
	jobs := h.manager.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, c, jobs[0].ID)
	assert.ElementsMatch(t, []string{a, b}, removed)

	_, ok := h.remote.Get(a)
	assert.False(t, ok)
	_, ok = h.remote.Get(b)
	assert.False(t, ok)

	assert.Equal(t, 0, h.manager.ClearCompleted(ctx))
	assert.Equal(t, 1, h.manager.ClearFailed(ctx))
	assert.Empty(t, h.manager.Jobs())
}

func TestOfflineWritesGoLocalAndUpdatesFallBackToSave(t *testing.T) {
	var online atomic.Bool
	g := newGate()
	h := newHarness(t, g.generator(generation.Response{ImageData: []byte("img"), MIMEType: "image/png"}), func(o *Options) {
		o.Connectivity = ConnectivityFunc(func(context.Context) bool { return online.Load() })
	})
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "x")
	require.NoError(t, err)
	h.waitStatus(t, jobID, domain.JobStatusProcessing)

	local, err := h.local.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, local, 1)
	_, ok := h.remote.Get(jobID)
	assert.False(t, ok)

	online.Store(true)
	g.open()
	h.waitStatus(t, jobID, domain.JobStatusCompleted)

	require.Eventually(t, func() bool {
		stored, ok := h.remote.Get(jobID)
		return ok && stored.Status == domain.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	h := newHarness(t, okGenerator([]byte("img")))

	var count atomic.Int32
	cancel := h.manager.Subscribe(func(Event) { count.Add(1) })
	cancel()
	cancel()

	jobID, err := h.manager.Add(context.Background(), "x")
	require.NoError(t, err)
	h.waitStatus(t, jobID, domain.JobStatusCompleted)
	assert.Equal(t, int32(0), count.Load())
}

func TestCloseRejectsNewWorkAndReleasesThumbnails(t *testing.T) {
	maker, err := preview.NewMaker(t.TempDir(), 8)
	require.NoError(t, err)
	h := newHarness(t, okGenerator([]byte("img")), func(o *Options) {
		o.Previews = maker
	})
	ctx := context.Background()

	jobID, err := h.manager.Add(ctx, "x", domain.Input{Data: testPNG(t), MIMEType: "image/png"})
	require.NoError(t, err)
	job := h.waitStatus(t, jobID, domain.JobStatusCompleted)
	require.Len(t, job.Thumbnails, 1)

	require.NoError(t, h.manager.Close(ctx))
	_, err = os.Stat(job.Thumbnails[0].Path)
	assert.True(t, os.IsNotExist(err))

	_, err = h.manager.Add(ctx, "y")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, h.manager.Retry(ctx, jobID), ErrClosed)
}
