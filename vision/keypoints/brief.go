package keypoints

import (
	"image"
	"math"
	"math/bits"
	"math/rand"
)

// DescriptorBits is the length of an ORB descriptor.
const DescriptorBits = 256

// patternSeed fixes the BRIEF sampling pattern so descriptors are comparable across runs.
const patternSeed = 0x0b5eed

// Descriptor is a binary descriptor packed into 64 bit words.
type Descriptor []uint64

// Descriptors is a set of descriptors, one per keypoint.
type Descriptors []Descriptor

// HammingDistance returns the number of differing bits. Descriptors of different lengths are
// compared over the shorter one.
func HammingDistance(a, b Descriptor) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	d := 0
	for i := 0; i < n; i++ {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}

// SamplePairs are N pairs of points used to create the BRIEF Descriptors of a patch.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// GenerateSamplePairs draws n point pairs from an isotropic gaussian of standard deviation
// patchSize/5, keeping every point within patchSize/2-2 of the center so the pattern stays in
// the patch after rotation.
func GenerateSamplePairs(n, patchSize int, seed int64) *SamplePairs {
	//nolint:gosec
	rng := rand.New(rand.NewSource(seed))
	sigma := float64(patchSize) / 5
	radius := float64(patchSize/2 - 2)
	sample := func() image.Point {
		for {
			x := math.Round(rng.NormFloat64() * sigma)
			y := math.Round(rng.NormFloat64() * sigma)
			if x*x+y*y <= radius*radius {
				return image.Point{int(x), int(y)}
			}
		}
	}
	sp := &SamplePairs{P0: make([]image.Point, 0, n), P1: make([]image.Point, 0, n), N: n}
	for len(sp.P0) < n {
		p0, p1 := sample(), sample()
		if p0 == p1 {
			continue
		}
		sp.P0 = append(sp.P0, p0)
		sp.P1 = append(sp.P1, p1)
	}
	return sp
}

// Describe computes the BRIEF descriptor at (x, y) of an already smoothed image, with the sample
// pattern rotated by angle. Pixels outside the image read as black.
func (sp *SamplePairs) Describe(blurred *image.Gray, x, y int, angle float64) Descriptor {
	cosTheta, sinTheta := math.Cos(angle), math.Sin(angle)
	descriptor := make(Descriptor, (sp.N+63)/64)
	for i := 0; i < sp.N; i++ {
		x0, y0 := float64(sp.P0[i].X), float64(sp.P0[i].Y)
		x1, y1 := float64(sp.P1[i].X), float64(sp.P1[i].Y)
		outx0 := int(math.Round(cosTheta*x0 - sinTheta*y0))
		outy0 := int(math.Round(sinTheta*x0 + cosTheta*y0))
		outx1 := int(math.Round(cosTheta*x1 - sinTheta*y1))
		outy1 := int(math.Round(sinTheta*x1 + cosTheta*y1))
		p0Val := blurred.GrayAt(x+outx0, y+outy0).Y
		p1Val := blurred.GrayAt(x+outx1, y+outy1).Y
		if p0Val > p1Val {
			descriptor[i/64] |= 1 << (i % 64)
		}
	}
	return descriptor
}
