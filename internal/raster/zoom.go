package raster

import "math"

const (
	// equatorResolution is the ground meters per pixel of a 256px tile at zoom 0.
	equatorResolution = 156543.034
	tileSize          = 256
	maxZoomLevel      = 24
)

// ZoomRange derives the web-map zoom levels worth serving for a raster.
// maxZoom matches the native ground resolution at the raster's latitude;
// minZoom is where the whole raster fits in about one tile.
func ZoomRange(m Metadata) [2]int {
	res := m.GroundResolution
	if res <= 0 {
		return [2]int{0, maxZoomLevel}
	}
	lat := m.CenterLat()
	maxZoom := int(math.Round(math.Log2(equatorResolution * math.Cos(lat*math.Pi/180) / res)))
	maxZoom = min(max(maxZoom, 0), maxZoomLevel)

	span := float64(max(m.Width, m.Height)) / tileSize
	levels := 0
	if span > 1 {
		levels = int(math.Ceil(math.Log2(span)))
	}
	minZoom := max(0, maxZoom-levels)
	return [2]int{minZoom, maxZoom}
}
