// Package scan holds the polar sample model shared by the acquisition and
// publishing sides, and the single-slot cell that hands the latest rotation
// from one to the other.
package scan

import "math"

// Sample is one polar range measurement.
type Sample struct {
	Angle    float64 // radians, [0, 2π) for well-formed input
	Distance float64 // millimetres, >= 0
}

// Scan is the set of samples gathered during one rotation, in the order the
// sensor reported them. Consumers treat it as an unordered point set.
type Scan []Sample

// Raw is a measurement as reported by the sensor driver.
type Raw struct {
	Quality    uint8
	AngleDeg   float64
	DistanceMM float64
}

// FromRaw converts one rotation of driver measurements into a Scan. Quality
// is dropped, order is kept.
func FromRaw(raw []Raw) Scan {
	s := make(Scan, len(raw))
	for i, m := range raw {
		s[i] = Sample{
			Angle:    m.AngleDeg * math.Pi / 180,
			Distance: m.DistanceMM,
		}
	}
	return s
}
