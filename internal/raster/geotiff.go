package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/google/tiff"
)

// TIFF and GeoTIFF tags read by ReadGeoTIFF.
const (
	tagImageWidth     = 256
	tagImageLength    = 257
	tagPixelScale     = 33550
	tagTiepoint       = 33922
	tagGeoKeyDir      = 34735
	keyModelType      = 1024
	keyGeographicType = 2048
	keyProjectedType  = 3072
	modelProjected    = 1
	modelGeographic   = 2
)

var errNotGeoTIFF = errors.New("not a georeferenced TIFF")

// ReadGeoTIFF extracts size, WGS84 bounds and ground resolution from a
// GeoTIFF without GDAL. It supports EPSG:4326, EPSG:3857 and the WGS84 UTM
// zones.
func ReadGeoTIFF(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotGeoTIFF, err)
	}
	ifds := t.IFDs()
	if len(ifds) == 0 {
		return nil, fmt.Errorf("%w: no image directory", errNotGeoTIFF)
	}
	ifd := ifds[0]

	width, err := scalarField(ifd, tagImageWidth)
	if err != nil {
		return nil, fmt.Errorf("image width: %w", err)
	}
	height, err := scalarField(ifd, tagImageLength)
	if err != nil {
		return nil, fmt.Errorf("image length: %w", err)
	}
	scale, err := doubleField(ifd, tagPixelScale)
	if err != nil || len(scale) < 2 {
		return nil, fmt.Errorf("%w: missing ModelPixelScale", errNotGeoTIFF)
	}
	tie, err := doubleField(ifd, tagTiepoint)
	if err != nil || len(tie) < 6 {
		return nil, fmt.Errorf("%w: missing ModelTiepoint", errNotGeoTIFF)
	}
	keys, err := shortField(ifd, tagGeoKeyDir)
	if err != nil || len(keys) < 4 {
		return nil, fmt.Errorf("%w: missing GeoKeyDirectory", errNotGeoTIFF)
	}

	epsg, err := epsgFromGeoKeys(keys)
	if err != nil {
		return nil, err
	}
	proj, err := projectionFor(epsg)
	if err != nil {
		return nil, err
	}

	// tiepoint (i, j, k, x, y, z) anchors raster pixel (i, j)
	originX := tie[3] - tie[0]*scale[0]
	originY := tie[4] + tie[1]*scale[1]
	return metadataFromGrid(int(width), int(height), originX, scale[0], originY, -scale[1], proj)
}

// metadataFromGrid projects the four raster corners to WGS84.
func metadataFromGrid(width, height int, originX, pixelW, originY, pixelH float64, proj *projection) (*Metadata, error) {
	w, h := float64(width), float64(height)
	cornersX := []float64{originX, originX + w*pixelW, originX, originX + w*pixelW}
	cornersY := []float64{originY, originY, originY + h*pixelH, originY + h*pixelH}
	lngs := make([]float64, 4)
	lats := make([]float64, 4)
	for i := range cornersX {
		lng, lat, err := proj.toLngLat(cornersX[i], cornersY[i])
		if err != nil {
			return nil, fmt.Errorf("project corner %d: %w", i, err)
		}
		lngs[i], lats[i] = lng, lat
	}
	m := &Metadata{Width: width, Height: height, Bounds: boundsFromCorners(lngs, lats)}
	m.GroundResolution = math.Abs(pixelW) * proj.metersPerUnit(m.CenterLat())
	return m, nil
}

func epsgFromGeoKeys(keys []uint16) (int, error) {
	n := int(keys[3])
	values := map[uint16]uint16{}
	for i := 0; i < n && 4+i*4+3 < len(keys); i++ {
		k := keys[4+i*4:]
		// location 0 means the value is stored inline
		if k[1] == 0 {
			values[k[0]] = k[3]
		}
	}
	switch values[keyModelType] {
	case modelGeographic:
		if v := values[keyGeographicType]; v != 0 {
			return int(v), nil
		}
		return 4326, nil
	case modelProjected:
		if v := values[keyProjectedType]; v != 0 && v != 32767 {
			return int(v), nil
		}
		return 0, errors.New("user-defined projected coordinate system is not supported")
	}
	return 0, fmt.Errorf("%w: unknown model type %d", errNotGeoTIFF, values[keyModelType])
}

// fieldBytes returns the raw value of tag with its element size and byte order.
func fieldBytes(ifd tiff.IFD, tag uint16) ([]byte, int, binary.ByteOrder, error) {
	if !ifd.HasField(tag) {
		return nil, 0, nil, fmt.Errorf("tag %d missing", tag)
	}
	field := ifd.GetField(tag)
	size := int(field.Type().Size())
	raw := field.Value().Bytes()
	if size == 0 || len(raw) < int(field.Count())*size {
		return nil, 0, nil, fmt.Errorf("tag %d: short value", tag)
	}
	return raw[:int(field.Count())*size], size, field.Value().Order(), nil
}

func scalarField(ifd tiff.IFD, tag uint16) (uint32, error) {
	raw, size, bo, err := fieldBytes(ifd, tag)
	if err != nil {
		return 0, err
	}
	switch size {
	case 2:
		return uint32(bo.Uint16(raw)), nil
	case 4:
		return bo.Uint32(raw), nil
	}
	return 0, fmt.Errorf("tag %d: unexpected element size %d", tag, size)
}

func doubleField(ifd tiff.IFD, tag uint16) ([]float64, error) {
	raw, size, bo, err := fieldBytes(ifd, tag)
	if err != nil {
		return nil, err
	}
	if size != 8 {
		return nil, fmt.Errorf("tag %d: expected DOUBLE values", tag)
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(bo.Uint64(raw[i*8:]))
	}
	return out, nil
}

func shortField(ifd tiff.IFD, tag uint16) ([]uint16, error) {
	raw, size, bo, err := fieldBytes(ifd, tag)
	if err != nil {
		return nil, err
	}
	if size != 2 {
		return nil, fmt.Errorf("tag %d: expected SHORT values", tag)
	}
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = bo.Uint16(raw[i*2:])
	}
	return out, nil
}
