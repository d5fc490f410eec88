// Package packet turns a Scan into the compact wire packet published to
// subscribers, and back.
package packet

import (
	"math"

	"github.com/banshee-data/lidarcast/internal/scan"
)

const (
	// AngleScale is the number of angle codes per radian.
	AngleScale = 10000

	// MaxCode is the largest value either code can take.
	MaxCode = math.MaxUint16
)

// Point is one quantized sample: angle code, distance code.
type Point [2]uint16

// Polar dequantizes p. The result is only as precise as the codes: angles
// to 1e-4 rad, distances to 1 mm.
func (p Point) Polar() scan.Sample {
	return scan.Sample{
		Angle:    float64(p[0]) / AngleScale,
		Distance: float64(p[1]),
	}
}

// Quantize maps every sample of s to a Point, in order. It never fails:
// out-of-range values saturate.
func Quantize(s scan.Scan) []Point {
	points := make([]Point, len(s))
	for i, sample := range s {
		points[i] = Point{
			code(sample.Angle * AngleScale),
			code(sample.Distance),
		}
	}
	return points
}

// code truncates v toward zero and clamps it to [0, MaxCode]. NaN maps to 0.
func code(v float64) uint16 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= MaxCode:
		return MaxCode
	default:
		return uint16(v)
	}
}
