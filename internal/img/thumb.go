// internal/img/thumb.go
package img

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var (
	// ErrTransform marks input that cannot be decoded as an image. Retrying will not help.
	ErrTransform = errors.New("image transform failed")
	// ErrInvalidSpec marks a variant size or quality outside the accepted range.
	ErrInvalidSpec = errors.New("invalid variant spec")
)

// VariantSpec describes one derived rendition of an original image.
type VariantSpec struct {
	Name         string
	MaxDimension int
	Quality      int
}

var (
	Processed = VariantSpec{Name: "processed", MaxDimension: 1200, Quality: 80}
	Thumbnail = VariantSpec{Name: "thumbnail", MaxDimension: 300, Quality: 70}
)

// OutputContentType is the content type of every encoded variant.
const OutputContentType = "image/jpeg"

// ResizeEncode decodes data, fits it inside a maxDimension square without
// upscaling, and re-encodes it as JPEG at the given quality. The input is
// never modified.
func ResizeEncode(data []byte, maxDimension, quality int) ([]byte, error) {
	if maxDimension <= 0 {
		return nil, fmt.Errorf("%w: max dimension must be positive, got %d", ErrInvalidSpec, maxDimension)
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("%w: quality must be within 1..100, got %d", ErrInvalidSpec, quality)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrTransform)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrTransform, err)
	}

	out := fit(src, maxDimension)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Render applies spec to data.
func Render(data []byte, spec VariantSpec) ([]byte, error) {
	out, err := ResizeEncode(data, spec.MaxDimension, spec.Quality)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return out, nil
}

// fit bounds the long edge. imaging.Fit already refuses to upscale.
func fit(src image.Image, maxDimension int) image.Image {
	return imaging.Fit(src, maxDimension, maxDimension, imaging.Lanczos)
}
