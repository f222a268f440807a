package img

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by ForMIME for content types no transformer handles.
var ErrUnsupported = errors.New("unsupported content type")

// Transformer derives a variant from an original.
type Transformer interface {
	// Transform produces the rendition described by spec
	Transform(ctx context.Context, data []byte, spec VariantSpec) ([]byte, error)

	// Supports returns true if this transformer can handle the given MIME type
	Supports(mimeType string) bool

	// Name returns the transformer name for logging
	Name() string
}

// ForMIME returns the transformer for the given MIME type.
func ForMIME(mimeType string) (Transformer, error) {
	t := &ImageTransformer{}
	if !t.Supports(mimeType) {
		return nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupported, mimeType, strings.Join(SupportedMimeTypes(), ", "))
	}
	return t, nil
}

// SupportedMimeTypes returns the original formats accepted for processing.
func SupportedMimeTypes() []string {
	return []string{
		"image/jpeg",
		"image/png",
		"image/gif",
		"image/webp",
		"image/bmp",
		"image/tiff",
	}
}

// IsSupported reports whether mimeType is one of SupportedMimeTypes.
// Parameters such as charset are ignored.
func IsSupported(mimeType string) bool {
	mt := normalize(mimeType)
	for _, s := range SupportedMimeTypes() {
		if mt == s {
			return true
		}
	}
	return false
}

func normalize(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

// ImageTransformer implements Transformer with the imaging library.
type ImageTransformer struct{}

// Transform implements Transformer.Transform. Decoding is CPU bound and does
// not observe ctx once started.
func (t *ImageTransformer) Transform(ctx context.Context, data []byte, spec VariantSpec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Render(data, spec)
}

func (t *ImageTransformer) Supports(mimeType string) bool {
	return IsSupported(mimeType)
}

func (t *ImageTransformer) Name() string {
	return "image"
}
