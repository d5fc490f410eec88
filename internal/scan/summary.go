package scan

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a scan for logs and debug pages.
type Summary struct {
	Points        int     `json:"points"`
	MinRangeMM    float64 `json:"min_range_mm"`
	MaxRangeMM    float64 `json:"max_range_mm"`
	MeanRangeMM   float64 `json:"mean_range_mm"`
	StdDevRangeMM float64 `json:"stddev_range_mm"`
}

// Summarize computes range statistics over s. An empty scan yields a zero
// Summary.
func Summarize(s Scan) Summary {
	if len(s) == 0 {
		return Summary{}
	}
	ranges := make([]float64, len(s))
	for i, p := range s {
		ranges[i] = p.Distance
	}
	mean, std := stat.MeanStdDev(ranges, nil)
	if len(ranges) == 1 {
		std = 0
	}
	return Summary{
		Points:        len(s),
		MinRangeMM:    floats.Min(ranges),
		MaxRangeMM:    floats.Max(ranges),
		MeanRangeMM:   mean,
		StdDevRangeMM: std,
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%d pts, range %.0f-%.0f mm (mean %.0f mm)", s.Points, s.MinRangeMM, s.MaxRangeMM, s.MeanRangeMM)
}
