package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/genflow/internal/domain"
)

type ReconcileOptions struct {
	Local  JobStore
	Remote JobStore
	Online bool
	Filter ListFilter
	Logger zerolog.Logger
	Now    func() time.Time
}

type ReconcileResult struct {
	Jobs        []domain.Job
	Source      string
	Migrated    int
	Interrupted int
}

const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Reconcile loads the queue at startup. When online the remote store wins and
// records that only exist locally are created remotely, then removed locally
// once the copy is confirmed. A local record whose id the remote store already
// holds is dropped without being written. Offline, the local store is used as is. Jobs that were
// mid-flight when the previous process stopped are rewritten as failed in the
// store they were read from.
func Reconcile(ctx context.Context, opts ReconcileOptions) (ReconcileResult, error) {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger

	type loaded struct {
		job    domain.Job
		origin JobStore
	}
	var (
		entries []loaded
		result  ReconcileResult
	)

	remoteUsable := opts.Online && opts.Remote != nil
	var remoteJobs []domain.Job
	if remoteUsable {
		var err error
		remoteJobs, err = opts.Remote.List(ctx, opts.Filter)
		if err != nil {
			logger.Warn().Err(err).Msg("remote job list failed; falling back to local store")
			remoteUsable = false
		}
	}

	localJobs, err := opts.Local.List(ctx, ListFilter{OwnerID: opts.Filter.OwnerID})
	if err != nil {
		if !remoteUsable {
			return ReconcileResult{}, err
		}
		logger.Warn().Err(err).Msg("local job list failed; skipping migration")
		localJobs = nil
	}

	if remoteUsable {
		result.Source = SourceRemote
		seen := make(map[string]struct{}, len(remoteJobs))
		for _, job := range remoteJobs {
			seen[job.ID] = struct{}{}
			entries = append(entries, loaded{job: job, origin: opts.Remote})
		}

		for _, job := range localJobs {
			if _, ok := seen[job.ID]; ok {
				deleteLocal(ctx, opts.Local, job.ID, logger)
				continue
			}
			// The listing is one page; ids outside it may still be stored
			// remotely, and the remote copy wins.
			err := opts.Remote.Create(ctx, job)
			if errors.Is(err, ErrJobExists) {
				logger.Debug().Str("job_id", job.ID).Msg("local job already stored remotely")
				deleteLocal(ctx, opts.Local, job.ID, logger)
				continue
			}
			if err != nil {
				logger.Warn().Err(err).Str("job_id", job.ID).Msg("migrate local job to remote store failed")
				entries = append(entries, loaded{job: job, origin: opts.Local})
				continue
			}
			seen[job.ID] = struct{}{}
			result.Migrated++
			entries = append(entries, loaded{job: job, origin: opts.Remote})
			deleteLocal(ctx, opts.Local, job.ID, logger)
		}
	} else {
		result.Source = SourceLocal
		for _, job := range localJobs {
			entries = append(entries, loaded{job: job, origin: opts.Local})
		}
	}

	result.Jobs = make([]domain.Job, 0, len(entries))
	for _, entry := range entries {
		job := entry.job
		if job.Interrupt(now()) {
			result.Interrupted++
			if err := entry.origin.Update(ctx, job); err != nil {
				logger.Warn().Err(err).Str("job_id", job.ID).Msg("rewrite interrupted job failed")
			}
		}
		result.Jobs = append(result.Jobs, job)
	}
	sortNewestFirst(result.Jobs)

	return result, nil
}

func deleteLocal(ctx context.Context, local JobStore, id string, logger zerolog.Logger) {
	if err := local.Delete(ctx, id); err != nil {
		logger.Warn().Err(err).Str("job_id", id).Msg("remove migrated job from local store failed")
	}
}
