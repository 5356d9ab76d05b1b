package preview

import (
	"context"
	"errors"
)

// DefaultWidth is the bounding width of generated thumbnails.
const DefaultWidth = 256

var ErrUndecodable = errors.New("input is not a decodable image")

// Scaler shrinks an encoded image to at most width pixels wide and returns PNG bytes.
type Scaler interface {
	Scale(ctx context.Context, input []byte, width int) (data []byte, outW, outH int, err error)
}

// targetSize keeps the aspect ratio and never upscales.
func targetSize(srcW, srcH, width int) (int, int) {
	if width <= 0 || srcW <= width {
		return srcW, srcH
	}
	h := (srcH*width + srcW/2) / srcW
	return width, max(1, h)
}
