package rimage

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Pyramid returns levels images where level i is img scaled down by scale^i.
// Each level is resampled from the previous one.
func Pyramid(img *image.Gray, levels int, scale float64) []*image.Gray {
	if levels < 1 {
		levels = 1
	}
	out := make([]*image.Gray, levels)
	out[0] = img
	w, h := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())
	for l := 1; l < levels; l++ {
		f := math.Pow(scale, float64(l))
		lw := int(math.Round(w / f))
		lh := int(math.Round(h / f))
		if lw < 1 || lh < 1 {
			lw, lh = 1, 1
		}
		out[l] = ToGray(imaging.Grayscale(imaging.Resize(out[l-1], lw, lh, imaging.Linear)))
	}
	return out
}

// Blur applies a gaussian blur of the given sigma.
func Blur(img *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return img
	}
	return ToGray(imaging.Blur(img, sigma))
}
