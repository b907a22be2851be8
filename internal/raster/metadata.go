package raster

import "fmt"

// Metadata is what the pipeline needs to know about a geo raster.
type Metadata struct {
	Width, Height int
	// Bounds is [minLng, minLat, maxLng, maxLat] in WGS84.
	Bounds [4]float64
	// GroundResolution is meters per pixel.
	GroundResolution float64
}

// CenterLat is the latitude of the bounds' center.
func (m Metadata) CenterLat() float64 {
	return (m.Bounds[1] + m.Bounds[3]) / 2
}

// ConversionError reports a failed GDAL step or an unreadable raster. The
// task keeps its completed status and records a warning.
type ConversionError struct {
	Step   string
	Output string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %v: %s", e.Step, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func boundsFromCorners(xs, ys []float64) [4]float64 {
	b := [4]float64{xs[0], ys[0], xs[0], ys[0]}
	for i := range xs {
		b[0] = min(b[0], xs[i])
		b[1] = min(b[1], ys[i])
		b[2] = max(b[2], xs[i])
		b[3] = max(b[3], ys[i])
	}
	return b
}
