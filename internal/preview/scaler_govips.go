//go:build govips && cgo

package preview

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsScaler struct{}

func (govipsScaler) Scale(ctx context.Context, input []byte, width int) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	defer img.Close()

	if img.Width() <= 0 {
		return nil, 0, 0, fmt.Errorf("source image has invalid width")
	}

	if width > 0 && img.Width() > width {
		scale := float64(width) / float64(img.Width())
		if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
			return nil, 0, 0, fmt.Errorf("resize image: %w", err)
		}
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, 0, 0, fmt.Errorf("encode png: %w", err)
	}
	return data, img.Width(), img.Height(), nil
}
