package generation

import (
	"bytes"
	"context"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticIsDeterministic(t *testing.T) {
	gen := Synthetic{Width: 64, Height: 48}
	req := Request{Prompt: "a red circle"}

	first, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)
	second, err := gen.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ImageData, second.ImageData)
	assert.Equal(t, "image/png", first.MIMEType)

	cfg, err := png.DecodeConfig(bytes.NewReader(first.ImageData))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)

	other, err := gen.Generate(context.Background(), Request{Prompt: "a blue square"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ImageData, other.ImageData)
}

func TestSyntheticHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Synthetic{}.Generate(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
