package classify

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Sriram-PR/gallery-archiver/pkg/models"
)

const (
	// MinDimension is the smallest width or height accepted for classification
	MinDimension = 10
	// SampleSize is the side of the square the image is resampled to before measuring luminance
	SampleSize = 100
	// DefaultThreshold separates dark from light on the 0-255 luminance scale
	DefaultThreshold = 130.0
)

// ErrNotClassifiable marks images that cannot be decoded or are too small
var ErrNotClassifiable = errors.New("image not classifiable")

// Measurement holds the inputs of a classification decision
type Measurement struct {
	Width     int
	Height    int
	Luminance float64 // Mean CIE L* over the resampled image, scaled to 0-255
}

// Result is a classified image together with its decoded pixels
type Result struct {
	Category    models.Category
	Measurement Measurement
	Image       image.Image
}

// Classifier assigns an orientation x brightness category to an image.
// Threshold is used as given, so 0 makes every image light; a negative value selects DefaultThreshold.
type Classifier struct {
	Threshold float64
}

func (c Classifier) threshold() float64 {
	if c.Threshold < 0 {
		return DefaultThreshold
	}
	return c.Threshold
}

// Measure computes dimensions and mean luminance. ok is false below MinDimension.
func (c Classifier) Measure(img image.Image) (m Measurement, ok bool) {
	b := img.Bounds()
	m.Width, m.Height = b.Dx(), b.Dy()
	if m.Width < MinDimension || m.Height < MinDimension {
		return m, false
	}

	sample := imaging.Resize(img, SampleSize, SampleSize, imaging.Linear)
	var sum float64
	pix := sample.Pix
	for i := 0; i+3 < len(pix); i += 4 {
		sum += luminance8(pix[i], pix[i+1], pix[i+2])
	}
	m.Luminance = sum / float64(SampleSize*SampleSize)
	return m, true
}

// Categorize maps a measurement to a category: horizontal when width >= height,
// dark when luminance is strictly below the threshold.
func (c Classifier) Categorize(m Measurement) models.Category {
	cat := models.Category{Orientation: models.Horizontal, Brightness: models.Light}
	if m.Width < m.Height {
		cat.Orientation = models.Vertical
	}
	if m.Luminance < c.threshold() {
		cat.Brightness = models.Dark
	}
	return cat
}

// Classify categorizes img. ok is false when the image is too small.
func (c Classifier) Classify(img image.Image) (models.Category, bool) {
	m, ok := c.Measure(img)
	if !ok {
		return models.Category{}, false
	}
	return c.Categorize(m), true
}

// ClassifyFile decodes and classifies the image at path.
// Decode failures and undersized images return an error wrapping ErrNotClassifiable.
func (c Classifier) ClassifyFile(path string) (Result, error) {
	img, err := Decode(path)
	if err != nil {
		return Result{}, err
	}
	m, ok := c.Measure(img)
	if !ok {
		return Result{Measurement: m}, fmt.Errorf("%w: %dx%d is below %dpx", ErrNotClassifiable, m.Width, m.Height, MinDimension)
	}
	return Result{Category: c.Categorize(m), Measurement: m, Image: img}, nil
}
