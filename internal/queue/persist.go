package queue

import (
	"context"
	"errors"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/store"
)

const (
	opSave   = "save"
	opUpdate = "update"
	opDelete = "delete"

	backendLocal  = "local"
	backendRemote = "remote"
)

// mirror writes the current state of jobID to whichever store is reachable.
// The record is re-read under persistMu so a slow writer never overwrites a
// newer state or resurrects a removed job. Errors are logged and dropped.
func (m *Manager) mirror(ctx context.Context, jobID, op string) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	job, ok := m.Job(jobID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()

	backend, target := m.target(ctx)
	var err error
	switch op {
	case opSave:
		err = target.Save(ctx, job)
	default:
		err = target.Update(ctx, job)
		if errors.Is(err, domain.ErrJobNotFound) {
			err = target.Save(ctx, job)
		}
	}
	if err != nil {
		m.metrics.observePersistError(backend, op)
		m.logger.Warn().Err(err).Str("job_id", jobID).Str("op", op).Str("backend", backend).Msg("persist job failed")
	}
}

// purge deletes ids from both stores.
func (m *Manager) purge(ctx context.Context, ids []string) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()

	stores := []struct {
		name  string
		store store.JobStore
	}{
		{backendLocal, m.local},
		{backendRemote, m.remote},
	}
	for _, jobID := range ids {
		for _, s := range stores {
			if s.store == nil {
				continue
			}
			if err := s.store.Delete(ctx, jobID); err != nil {
				m.metrics.observePersistError(s.name, opDelete)
				m.logger.Warn().Err(err).Str("job_id", jobID).Str("op", opDelete).Str("backend", s.name).Msg("persist job failed")
			}
		}
	}
}

func (m *Manager) target(ctx context.Context) (string, store.JobStore) {
	if m.remote != nil && m.connectivity.Online(ctx) {
		return backendRemote, m.remote
	}
	return backendLocal, m.local
}
