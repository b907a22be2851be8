// Package split decides how a flight's image set is chunked for the engine.
package split

import (
	"math"

	"drospect/internal/models"
)

const (
	// NoSplitMaxImages is the largest set that is always processed as one chunk.
	NoSplitMaxImages = 2000
	// ReactiveSplitMaxImages is the upper bound of the band that only splits on request.
	ReactiveSplitMaxImages = 4000
)

// Options tunes the calculator. Zero fields fall back to DefaultOptions.
type Options struct {
	AvailableRAMMB    float64
	RAMPerImageMB     float64
	MaxImagesPerChunk int
	OverlapRatio      float64
	FootprintFactor   float64
	MaxOverlapMeters  float64
	// Force splits sets in the reactive band (after an out-of-memory failure).
	Force bool
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		AvailableRAMMB:    61440,
		RAMPerImageMB:     48,
		MaxImagesPerChunk: 1500,
		OverlapRatio:      0.1,
		FootprintFactor:   0.9,
		MaxOverlapMeters:  100,
	}
}

// meanAltitude is the mean capture altitude in meters per band.
var meanAltitude = map[models.FlightModel]float64{
	models.FlightModelLow:  17.5,
	models.FlightModelRoof: 25,
	models.FlightModelHigh: 40,
}

// Calculate returns the chunking plan for imageCount images of the given band.
func Calculate(imageCount int, model models.FlightModel, opts Options) models.SplitPlan {
	opts = opts.withDefaults()
	if imageCount <= 0 {
		return models.SplitPlan{Chunks: 1}
	}

	single := models.SplitPlan{Chunks: 1, ImagesPerChunk: imageCount}
	if imageCount <= NoSplitMaxImages {
		return single
	}
	if imageCount <= ReactiveSplitMaxImages && !opts.Force {
		return single
	}

	chunks := ChunkCount(imageCount, opts)
	if imageCount <= ReactiveSplitMaxImages && chunks < 2 {
		chunks = 2
	}
	if chunks <= 1 {
		return single
	}

	perChunk := int(math.Ceil(float64(imageCount) / float64(chunks)))
	return models.SplitPlan{
		Chunks:         chunks,
		ImagesPerChunk: perChunk,
		OverlapMeters:  Overlap(model, perChunk, opts),
	}
}

// ChunkCount is max(1, byRAM, bySize).
func ChunkCount(imageCount int, opts Options) int {
	opts = opts.withDefaults()
	n := float64(imageCount)
	byRAM := int(math.Ceil(n * opts.RAMPerImageMB / opts.AvailableRAMMB))
	bySize := int(math.Ceil(n / float64(opts.MaxImagesPerChunk)))
	return max(1, byRAM, bySize)
}

// Overlap derives the chunk overlap in meters from the band's ground footprint,
// clamped to MaxOverlapMeters and rounded to 0.1 m.
func Overlap(model models.FlightModel, imagesPerChunk int, opts Options) float64 {
	opts = opts.withDefaults()
	alt, ok := meanAltitude[model]
	if !ok {
		alt = meanAltitude[models.FlightModelHigh]
	}
	footprint := alt * opts.FootprintFactor
	overlap := footprint * math.Sqrt(float64(imagesPerChunk)) * opts.OverlapRatio
	overlap = math.Min(overlap, opts.MaxOverlapMeters)
	return math.Round(overlap*10) / 10
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AvailableRAMMB <= 0 {
		o.AvailableRAMMB = d.AvailableRAMMB
	}
	if o.RAMPerImageMB <= 0 {
		o.RAMPerImageMB = d.RAMPerImageMB
	}
	if o.MaxImagesPerChunk <= 0 {
		o.MaxImagesPerChunk = d.MaxImagesPerChunk
	}
	if o.OverlapRatio <= 0 {
		o.OverlapRatio = d.OverlapRatio
	}
	if o.FootprintFactor <= 0 {
		o.FootprintFactor = d.FootprintFactor
	}
	if o.MaxOverlapMeters <= 0 {
		o.MaxOverlapMeters = d.MaxOverlapMeters
	}
	return o
}
