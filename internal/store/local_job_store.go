package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dunamismax/genflow/internal/domain"
)

const DefaultQueueKey = "genflow.queue"

// LocalJobStore keeps the entire queue as one JSON blob. The blob is read once
// at construction and rewritten in full on every change.
type LocalJobStore struct {
	mu    sync.Mutex
	blobs BlobStore
	key   string
	jobs  []domain.Job
}

func NewLocalJobStore(ctx context.Context, blobs BlobStore, key string) (*LocalJobStore, error) {
	if key == "" {
		key = DefaultQueueKey
	}

	s := &LocalJobStore{blobs: blobs, key: key}
	data, ok, err := blobs.GetBlob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read local queue: %w", err)
	}
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &s.jobs); err != nil {
			return nil, fmt.Errorf("decode local queue: %w", err)
		}
	}
	return s, nil
}

func (s *LocalJobStore) Save(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]domain.Job, 0, len(s.jobs)+1)
	next = append(next, persistable(job))
	for _, existing := range s.jobs {
		if existing.ID != job.ID {
			next = append(next, existing)
		}
	}
	return s.commit(ctx, next)
}

func (s *LocalJobStore) Create(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(job.ID) >= 0 {
		return ErrJobExists
	}
	next := make([]domain.Job, 0, len(s.jobs)+1)
	next = append(next, persistable(job))
	next = append(next, s.jobs...)
	return s.commit(ctx, next)
}

func (s *LocalJobStore) Update(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(job.ID)
	if idx < 0 {
		return domain.ErrJobNotFound
	}
	next := append([]domain.Job(nil), s.jobs...)
	next[idx] = persistable(job)
	return s.commit(ctx, next)
}

func (s *LocalJobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return nil
	}
	next := make([]domain.Job, 0, len(s.jobs)-1)
	next = append(next, s.jobs[:idx]...)
	next = append(next, s.jobs[idx+1:]...)
	return s.commit(ctx, next)
}

func (s *LocalJobStore) List(_ context.Context, filter ListFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applyFilter(s.jobs, filter), nil
}

func (s *LocalJobStore) indexOf(id string) int {
	for i, job := range s.jobs {
		if job.ID == id {
			return i
		}
	}
	return -1
}

// commit writes next to the blob store and only adopts it once the write succeeded.
func (s *LocalJobStore) commit(ctx context.Context, next []domain.Job) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode local queue: %w", err)
	}
	if err := s.blobs.SetBlob(ctx, s.key, data); err != nil {
		return fmt.Errorf("write local queue: %w", err)
	}
	s.jobs = next
	return nil
}
