package generation

import (
	"context"
	"strings"

	"github.com/phrazzld/voxqueue/internal/domain"
)

// Asset is generated content ready for upload.
type Asset struct {
	Data        []byte
	ContentType string
}

var extensions = map[string]string{
	"text/plain":       "txt",
	"text/markdown":    "md",
	"application/json": "json",
	"audio/mpeg":       "mp3",
	"audio/wav":        "wav",
	"image/png":        "png",
}

// Extension returns the file extension for the asset's content type,
// "bin" when unknown.
func (a *Asset) Extension() string {
	ct, _, _ := strings.Cut(a.ContentType, ";")
	if ext, ok := extensions[strings.TrimSpace(strings.ToLower(ct))]; ok {
		return ext
	}
	return "bin"
}

// Generator produces an asset from a job payload.
type Generator interface {
	// Generate performs one generation call. Errors should wrap
	// ErrContentBlocked or domain.ErrPermanent when retrying cannot help;
	// anything else is retried by the worker.
	Generate(ctx context.Context, payload *domain.Payload) (*Asset, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, payload *domain.Payload) (*Asset, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, payload *domain.Payload) (*Asset, error) {
	return f(ctx, payload)
}
