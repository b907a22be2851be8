// Package raster converts and inspects the engine's geo rasters. Conversion
// runs GDAL out of process.
package raster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// GDALConfig names the GDAL binaries and COG creation options.
type GDALConfig struct {
	TranslatePath string
	InfoPath      string
	BlockSize     int
	Compression   string
	Resampling    string
	Timeout       time.Duration
}

func (c GDALConfig) withDefaults() GDALConfig {
	if c.TranslatePath == "" {
		c.TranslatePath = "gdal_translate"
	}
	if c.InfoPath == "" {
		c.InfoPath = "gdalinfo"
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 256
	}
	if c.Compression == "" {
		c.Compression = "DEFLATE"
	}
	if c.Resampling == "" {
		c.Resampling = "NEAREST"
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Minute
	}
	return c
}

// GDAL runs gdal_translate and gdalinfo.
type GDAL struct {
	cfg GDALConfig
}

func NewGDAL(cfg GDALConfig) *GDAL {
	return &GDAL{cfg: cfg.withDefaults()}
}

// TranslateArgs are the gdal_translate arguments producing a tiled COG.
func (g *GDAL) TranslateArgs(src, dst string) []string {
	return []string{
		"-of", "COG",
		"-co", "BLOCKSIZE=" + strconv.Itoa(g.cfg.BlockSize),
		"-co", "COMPRESS=" + g.cfg.Compression,
		"-co", "RESAMPLING=" + g.cfg.Resampling,
		src, dst,
	}
}

// ToCOG converts src into a cloud-optimized GeoTIFF at dst.
func (g *GDAL) ToCOG(ctx context.Context, src, dst string) error {
	if _, err := g.run(ctx, "gdal_translate", g.cfg.TranslatePath, g.TranslateArgs(src, dst)...); err != nil {
		return err
	}
	return nil
}

// Inspect reads raster metadata with gdalinfo, falling back to the built-in
// GeoTIFF reader when GDAL is unavailable or its output is unusable.
func (g *GDAL) Inspect(ctx context.Context, path string) (*Metadata, error) {
	out, err := g.run(ctx, "gdalinfo", g.cfg.InfoPath, "-json", path)
	if err == nil {
		m, perr := ParseGDALInfo(out)
		if perr == nil {
			return m, nil
		}
		err = perr
	}
	log.WithError(err).WithField("path", path).Debug("gdalinfo unusable, reading GeoTIFF tags")

	m, ferr := ReadGeoTIFF(path)
	if ferr != nil {
		return nil, &ConversionError{Step: "inspect", Err: errors.Join(err, ferr)}
	}
	return m, nil
}

func (g *GDAL) run(ctx context.Context, step, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		return nil, &ConversionError{Step: step, Output: tail(stderr.String(), 400), Err: err}
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

type gdalInfo struct {
	Size             []int     `json:"size"`
	GeoTransform     []float64 `json:"geoTransform"`
	CoordinateSystem struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
	WGS84Extent *struct {
		Coordinates [][][]float64 `json:"coordinates"`
	} `json:"wgs84Extent"`
}

var epsgAuthority = regexp.MustCompile(`ID\["EPSG",\s*(\d+)\]\s*\]\s*$|AUTHORITY\["EPSG",\s*"(\d+)"\]\s*\]\s*$`)

// ParseGDALInfo extracts Metadata from `gdalinfo -json` output.
func ParseGDALInfo(data []byte) (*Metadata, error) {
	var info gdalInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse gdalinfo output: %w", err)
	}
	if len(info.Size) != 2 || len(info.GeoTransform) != 6 {
		return nil, errors.New("gdalinfo output has no size or geotransform")
	}
	width, height := info.Size[0], info.Size[1]
	gt := info.GeoTransform
	epsg := wktEPSG(info.CoordinateSystem.WKT)

	if info.WGS84Extent != nil && len(info.WGS84Extent.Coordinates) > 0 && len(info.WGS84Extent.Coordinates[0]) > 0 {
		ring := info.WGS84Extent.Coordinates[0]
		lngs := make([]float64, 0, len(ring))
		lats := make([]float64, 0, len(ring))
		for _, pt := range ring {
			if len(pt) < 2 {
				continue
			}
			lngs = append(lngs, pt[0])
			lats = append(lats, pt[1])
		}
		if len(lngs) > 0 {
			m := &Metadata{Width: width, Height: height, Bounds: boundsFromCorners(lngs, lats)}
			m.GroundResolution = groundResolution(gt[1], epsg, info.CoordinateSystem.WKT, m.CenterLat())
			return m, nil
		}
	}

	// no wgs84Extent: project the corners ourselves
	proj, err := projectionFor(epsg)
	if err != nil {
		return nil, err
	}
	return metadataFromGrid(width, height, gt[0], gt[1], gt[3], gt[5], proj)
}

// wktEPSG returns the top-level EPSG code of a WKT definition, or 0.
func wktEPSG(wkt string) int {
	m := epsgAuthority.FindStringSubmatch(strings.TrimSpace(wkt))
	if m == nil {
		return 0
	}
	for _, s := range m[1:] {
		if s != "" {
			n, _ := strconv.Atoi(s)
			return n
		}
	}
	return 0
}

func groundResolution(pixelW float64, epsg int, wkt string, lat float64) float64 {
	if proj, err := projectionFor(epsg); err == nil {
		return absf(pixelW) * proj.metersPerUnit(lat)
	}
	upper := strings.ToUpper(strings.TrimSpace(wkt))
	if strings.HasPrefix(upper, "GEOGCS") || strings.HasPrefix(upper, "GEOGCRS") {
		geo, _ := projectionFor(4326)
		return absf(pixelW) * geo.metersPerUnit(lat)
	}
	// other projected systems: assume meter units
	return absf(pixelW)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
