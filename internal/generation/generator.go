package generation

import "context"

// Image is one reference image sent along with the prompt.
type Image struct {
	Data     []byte
	MIMEType string
}

type Request struct {
	JobID  string
	Prompt string
	Images []Image
}

// Response carries the generated image. ImageURL is set when the service hands
// back a reference instead of inline bytes.
type Response struct {
	ImageData []byte
	MIMEType  string
	ImageURL  string
	Model     string
	Text      string
}

// Generator performs one remote generation call. A policy refusal is reported
// as *domain.RefusalError; anything else is an ordinary failure.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

type GeneratorFunc func(ctx context.Context, req Request) (Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
