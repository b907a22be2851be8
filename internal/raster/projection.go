package raster

import (
	"fmt"
	"math"

	"github.com/im7mortal/UTM"
)

// wgs84A is the WGS84 semi-major axis in meters.
const wgs84A = 6378137.0

// projection converts native coordinates to (lng, lat) degrees.
type projection struct {
	epsg       int
	geographic bool
	toLngLat   func(x, y float64) (float64, float64, error)
	// metersPerUnit converts a pixel size at latitude lat to ground meters.
	metersPerUnit func(lat float64) float64
}

func projectionFor(epsg int) (*projection, error) {
	switch {
	case epsg == 4326:
		return &projection{
			epsg:       epsg,
			geographic: true,
			toLngLat:   func(x, y float64) (float64, float64, error) { return x, y, nil },
			metersPerUnit: func(lat float64) float64 {
				return math.Pi / 180 * wgs84A * math.Cos(lat*math.Pi/180)
			},
		}, nil
	case epsg == 3857 || epsg == 900913:
		return &projection{
			epsg:          epsg,
			toLngLat:      inverseWebMercator,
			metersPerUnit: func(lat float64) float64 { return math.Cos(lat * math.Pi / 180) },
		}, nil
	case epsg > 32600 && epsg <= 32660, epsg > 32700 && epsg <= 32760:
		zone := epsg % 100
		northern := epsg < 32700
		return &projection{
			epsg: epsg,
			toLngLat: func(x, y float64) (float64, float64, error) {
				return inverseUTM(x, y, zone, northern)
			},
			metersPerUnit: func(float64) float64 { return 1 },
		}, nil
	}
	return nil, fmt.Errorf("unsupported coordinate system EPSG:%d", epsg)
}

func inverseWebMercator(x, y float64) (float64, float64, error) {
	lng := x / wgs84A * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/wgs84A)) - math.Pi/2) * 180 / math.Pi
	return lng, lat, nil
}

func inverseUTM(easting, northing float64, zone int, northern bool) (float64, float64, error) {
	lat, lng, err := UTM.ToLatLon(easting, northing, zone, "", northern)
	if err != nil {
		return 0, 0, fmt.Errorf("utm zone %d: %w", zone, err)
	}
	return lng, lat, nil
}
