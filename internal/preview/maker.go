package preview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Maker renders thumbnails for byte inputs into a directory, one
// subdirectory per job.
type Maker struct {
	dir    string
	width  int
	scaler Scaler
}

func NewMaker(dir string, width int) (*Maker, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("preview directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create preview dir: %w", err)
	}
	if width <= 0 {
		width = DefaultWidth
	}
	return &Maker{dir: dir, width: width, scaler: newScaler()}, nil
}

// Create writes the thumbnail for input index of jobID and returns a handle
// the caller must release.
func (m *Maker) Create(ctx context.Context, jobID string, index int, data []byte) (*Handle, error) {
	if len(data) == 0 {
		return nil, errors.New("thumbnail source is empty")
	}

	scaled, w, h, err := m.scaler.Scale(ctx, data, m.width)
	if err != nil {
		return nil, fmt.Errorf("scale input %d: %w", index, err)
	}

	jobDir := filepath.Join(m.dir, sanitizePathToken(jobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job preview dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, fmt.Sprintf("%d.png", index))
	if err := os.WriteFile(fullPath, scaled, 0o644); err != nil {
		return nil, fmt.Errorf("write thumbnail: %w", err)
	}

	return newHandle(fullPath, w, h), nil
}

// Cleanup removes the job's preview directory once all its handles are released.
func (m *Maker) Cleanup(jobID string) {
	_ = os.Remove(filepath.Join(m.dir, sanitizePathToken(jobID)))
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
