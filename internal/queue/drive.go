package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/genflow/internal/domain"
	"github.com/dunamismax/genflow/internal/generation"
)

// drive runs one pass of the job lifecycle. It never returns an error: every
// failure lands on the record, and a record removed mid-pass turns the
// remaining steps into no-ops.
func (m *Manager) drive(parent context.Context, jobID string) {
	defer m.drives.Done()

	ctx, cancel := context.WithTimeout(parent, m.generationTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "queue.drive")
	span.SetAttributes(attribute.String("job.id", jobID))
	defer span.End()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("generation panicked: %v", r)
			span.RecordError(err)
			m.logger.Error().Str("job_id", jobID).Interface("panic", r).Msg("drive panicked")
			m.finish(ctx, jobID, started, func(j *domain.Job) bool { return j.Fail(err, m.now()) })
		}
	}()

	job, ok := m.update(jobID, func(j *domain.Job) bool { return j.Begin(m.now()) })
	if !ok {
		return
	}
	m.mirror(ctx, jobID, opUpdate)

	images, refs, err := m.assemble(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "assemble inputs")
		m.finish(ctx, jobID, started, func(j *domain.Job) bool { return j.Fail(err, m.now()) })
		return
	}

	if _, ok := m.update(jobID, func(j *domain.Job) bool { return j.StartProcessing(refs, m.now()) }); !ok {
		return
	}
	m.mirror(ctx, jobID, opUpdate)

	result, err := m.generate(ctx, job, images, refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate")
		m.logger.Warn().Err(err).Str("job_id", jobID).Bool("refusal", domain.IsRefusal(err)).Msg("generation failed")
		m.finish(ctx, jobID, started, func(j *domain.Job) bool { return j.Fail(err, m.now()) })
		return
	}

	m.finish(ctx, jobID, started, func(j *domain.Job) bool { return j.Complete(result, m.now()) })
}

// assemble turns the job inputs into request images. Byte inputs are uploaded
// to object storage when it is configured so the job can be re-run after a
// restart; upload failures only cost that reference.
func (m *Manager) assemble(ctx context.Context, job domain.Job) ([]generation.Image, []string, error) {
	if len(job.Inputs) == 0 {
		return nil, nil, nil
	}

	images := make([]generation.Image, len(job.Inputs))
	refs := make([]string, len(job.Inputs))
	stored := job.SourceRefs()
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range job.Inputs {
		g.Go(func() error {
			if in.HasData() {
				images[i] = generation.Image{Data: in.Data, MIMEType: sniffMIME(in.Data, in.MIMEType)}
				refs[i] = m.uploadInput(gctx, job.ID, i, images[i])
				return nil
			}

			// Byte inputs come back from persistence without their data; the
			// uploaded copy stands in for them.
			ref := in.URL
			if ref == "" && len(stored) == len(job.Inputs) {
				ref = stored[i]
			}
			if ref == "" {
				return fmt.Errorf("read input %d: %w", i, ErrInputUnavailable)
			}
			if m.fetcher == nil {
				return fmt.Errorf("read input %d: no fetcher configured for %s", i, ref)
			}
			data, contentType, err := m.fetcher.Fetch(gctx, ref)
			if err != nil {
				return fmt.Errorf("read input %d: %w", i, err)
			}
			images[i] = generation.Image{Data: data, MIMEType: sniffMIME(data, firstNonEmpty(contentType, in.MIMEType))}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return images, completeRefs(refs), nil
}

func (m *Manager) uploadInput(ctx context.Context, jobID string, index int, img generation.Image) string {
	if m.objects == nil {
		return ""
	}
	key := fmt.Sprintf("inputs/%s/%d%s", jobID, index, extensionFor(img.MIMEType))
	ref, err := m.objects.Put(ctx, img.Data, key, img.MIMEType)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Int("input", index).Msg("upload input failed")
		return ""
	}
	return ref
}

func (m *Manager) generate(ctx context.Context, job domain.Job, images []generation.Image, refs []string) (domain.Result, error) {
	resp, err := m.generator.Generate(ctx, generation.Request{
		JobID:  job.ID,
		Prompt: job.Prompt,
		Images: images,
	})
	if err != nil {
		return domain.Result{}, err
	}

	result := domain.Result{
		MIMEType:  firstNonEmpty(resp.MIMEType, "image/png"),
		Model:     resp.Model,
		Prompt:    job.Prompt,
		InputURLs: refs,
		Text:      resp.Text,
	}

	switch {
	case len(resp.ImageData) > 0 && m.objects != nil:
		key := fmt.Sprintf("results/%s%s", job.ID, extensionFor(result.MIMEType))
		url, err := m.objects.Put(ctx, resp.ImageData, key, result.MIMEType)
		if err != nil {
			return domain.Result{}, fmt.Errorf("store result image: %w", err)
		}
		result.ImageURL = url
	case len(resp.ImageData) > 0:
		result.ImageURL = "data:" + result.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(resp.ImageData)
	case resp.ImageURL != "":
		result.ImageURL = resp.ImageURL
	default:
		return domain.Result{}, errors.New("generation returned no image")
	}
	return result, nil
}

// finish applies a terminal transition, mirrors it and publishes the event.
func (m *Manager) finish(ctx context.Context, jobID string, started time.Time, fn func(*domain.Job) bool) {
	job, ok := m.update(jobID, fn)
	if !ok {
		return
	}
	m.mirror(ctx, jobID, opUpdate)
	m.metrics.observeOutcome(job, time.Since(started))

	event := m.logger.Info()
	if job.Status == domain.JobStatusFailed {
		event = m.logger.Warn().Str("error", job.Error).Str("reason", job.ErrorReason)
	}
	event.Str("job_id", jobID).Str("status", string(job.Status)).Dur("elapsed", time.Since(started)).Msg("job finished")

	if m.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.persistTimeout)
	defer cancel()
	if err := m.publisher.PublishTerminal(pctx, job); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("publish terminal event failed")
	}
}

func sniffMIME(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil && strings.HasPrefix(mediaType, "image/") {
			return mediaType
		}
	}
	if len(data) > 0 {
		if detected := http.DetectContentType(data); strings.HasPrefix(detected, "image/") {
			return detected
		}
	}
	return "image/png"
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// completeRefs returns refs only when every input has one; a partial set
// cannot rebuild the request later.
func completeRefs(refs []string) []string {
	for _, ref := range refs {
		if ref == "" {
			return nil
		}
	}
	return refs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
