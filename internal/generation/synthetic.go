package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
)

const syntheticModel = "synthetic-placeholder"

// Synthetic renders a deterministic striped PNG from the prompt and inputs.
// It stands in for the remote service when no API key is configured.
type Synthetic struct {
	Width  int
	Height int
}

func (s Synthetic) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	width, height := s.Width, s.Height
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}

	seed := syntheticSeed(req)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{seedColor(seed, 0)}, image.Point{}, draw.Src)

	accent := &image.Uniform{seedColor(seed, 3)}
	stripe := max(16, height/12)
	for y := 0; y < height; y += stripe * 2 {
		draw.Draw(img, image.Rect(0, y, width, min(height, y+stripe)), accent, image.Point{}, draw.Over)
	}

	diagonal := seedColor(seed, 6)
	step := max(16, width/32)
	for x := 0; x < width; x += step {
		for y := 0; y < height && x+y < width; y++ {
			img.Set(x+y, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Response{}, fmt.Errorf("encode synthetic image: %w", err)
	}

	return Response{
		ImageData: buf.Bytes(),
		MIMEType:  "image/png",
		Model:     syntheticModel,
	}, nil
}

func syntheticSeed(req Request) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(req.Prompt)))
	for _, img := range req.Images {
		h.Write([]byte{'|'})
		h.Write(img.Data)
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func seedColor(seed [sha256.Size]byte, offset int) color.RGBA {
	return color.RGBA{R: seed[offset], G: seed[offset+1], B: seed[offset+2], A: 255}
}
