// Package rimage holds the grayscale image helpers used by feature extraction.
package rimage

import (
	"image"
	"image/color"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// LoadGray decodes the image at path and converts it to 8-bit grayscale.
func LoadGray(path string) (*image.Gray, error) {
	img, err := imaging.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load image %q", path)
	}
	return ToGray(img), nil
}

// ToGray converts any image to an *image.Gray whose bounds start at the origin.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if nrgba, ok := img.(*image.NRGBA); ok {
		copyNRGBAToGray(out, nrgba)
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return out
}

// copyNRGBAToGray takes the luminance of an image already converted by imaging.Grayscale, or
// computes it for a color one.
func copyNRGBAToGray(dst *image.Gray, src *image.NRGBA) {
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl := row[x*4], row[x*4+1], row[x*4+2]
			if r == g && g == bl {
				dst.Pix[y*dst.Stride+x] = r
				continue
			}
			dst.Pix[y*dst.Stride+x] = uint8((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(bl) + 1<<15) >> 16)
		}
	}
}

// GrayToBytes returns the pixels of img in row-major order with no padding.
func GrayToBytes(img *image.Gray) []uint8 {
	b := img.Bounds()
	out := make([]uint8, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[start:start+b.Dx()]...)
	}
	return out
}

// SameImgSize compares images to see if they're the same size.
func SameImgSize(g1, g2 image.Image) bool {
	return g1.Bounds().Dx() == g2.Bounds().Dx() && g1.Bounds().Dy() == g2.Bounds().Dy()
}
