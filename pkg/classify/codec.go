package classify

import (
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // Register webp decoding with image.Decode
)

// OutputExtension is the extension of re-encoded archive files
const OutputExtension = ".jpg"

// OutputQuality is the fixed encoder quality for archive files
const OutputQuality = 85

// MaxPixels rejects images whose header declares more pixels than this
const MaxPixels = 120_000_000

// Decode opens the image at path, applying EXIF orientation.
// Errors wrap ErrNotClassifiable.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotClassifiable, err)
	}
	cfg, format, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: unknown format: %w", ErrNotClassifiable, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %s %dx%d exceeds pixel limit", ErrNotClassifiable, format, cfg.Width, cfg.Height)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrNotClassifiable, format, err)
	}
	return img, nil
}

// Encode writes img in the archive output format
func Encode(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(OutputQuality))
}
