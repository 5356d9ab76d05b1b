package store

import (
	"context"
	"errors"
	"sort"

	"github.com/dunamismax/genflow/internal/domain"
)

// ErrJobExists is returned by Create when the id is already stored.
var ErrJobExists = errors.New("job already exists")

// JobStore persists job records. Implementations are mirrors of the queue, never
// the source of truth while a session is live.
type JobStore interface {
	Save(ctx context.Context, job domain.Job) error
	// Create inserts job only if its id is not stored yet.
	Create(ctx context.Context, job domain.Job) error
	Update(ctx context.Context, job domain.Job) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) ([]domain.Job, error)
}

type ListFilter struct {
	OwnerID string
	Limit   int
}

func (f ListFilter) match(job domain.Job) bool {
	return f.OwnerID == "" || job.OwnerID == f.OwnerID
}

// sortNewestFirst orders jobs by creation time descending, breaking ties by id
// so listings are stable.
func sortNewestFirst(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func applyFilter(jobs []domain.Job, filter ListFilter) []domain.Job {
	out := make([]domain.Job, 0, len(jobs))
	for _, job := range jobs {
		if filter.match(job) {
			out = append(out, persistable(job))
		}
	}
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// persistable strips the fields that only live in memory: raw input bytes and
// preview thumbnails.
func persistable(job domain.Job) domain.Job {
	out := job.Clone()
	for i := range out.Inputs {
		out.Inputs[i].Data = nil
	}
	out.Thumbnails = nil
	return out
}
