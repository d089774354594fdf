package models

import "fmt"

// Orientation of an image: horizontal when width >= height
type Orientation byte

const (
	Horizontal Orientation = 'h'
	Vertical   Orientation = 'v'
)

// Brightness of an image relative to the luminance threshold
type Brightness byte

const (
	Dark  Brightness = 'd'
	Light Brightness = 'l'
)

// Theme returns the manifest theme name for the brightness
func (b Brightness) Theme() string {
	if b == Dark {
		return "dark"
	}
	return "light"
}

// Category combines orientation and brightness
type Category struct {
	Orientation Orientation
	Brightness  Brightness
}

// AllCategories lists every category in a fixed order
var AllCategories = []Category{
	{Vertical, Dark},
	{Vertical, Light},
	{Horizontal, Dark},
	{Horizontal, Light},
}

// String returns the folder name of the category, e.g. "hd"
func (c Category) String() string {
	return string([]byte{byte(c.Orientation), byte(c.Brightness)})
}

// ParseCategory parses a folder name such as "vl"
func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories {
		if c.String() == s {
			return c, nil
		}
	}
	return Category{}, fmt.Errorf("unknown category %q", s)
}
