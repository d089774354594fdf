package classify

import "math"

// D65 relative luminance weights for linear sRGB
const (
	wr = 0.212671
	wg = 0.715160
	wb = 0.072169
)

// linear maps an 8-bit sRGB channel to linear light
var linear [256]float64

func init() {
	for i := range linear {
		v := float64(i) / 255
		if v <= 0.04045 {
			linear[i] = v / 12.92
		} else {
			linear[i] = math.Pow((v+0.055)/1.055, 2.4)
		}
	}
}

// luminance8 returns CIE L* of an sRGB pixel scaled from 0-100 to 0-255
func luminance8(r, g, b uint8) float64 {
	y := wr*linear[r] + wg*linear[g] + wb*linear[b]
	var l float64
	if y > 0.008856 {
		l = 116*math.Cbrt(y) - 16
	} else {
		l = 903.3 * y
	}
	return l * 255 / 100
}
