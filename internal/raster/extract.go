package raster

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNoPreview is returned when the archive holds no orthophoto preview.
var ErrNoPreview = errors.New("archive contains no orthophoto preview")

const (
	previewName   = "odm_orthophoto/odm_orthophoto.png"
	geoRasterName = "odm_orthophoto/odm_orthophoto.tif"
)

// Artifacts are the rasters pulled out of a result archive. GeoRasterPath is
// empty when the archive has no GeoTIFF.
type Artifacts struct {
	PreviewPath   string
	PreviewType   string
	GeoRasterPath string
}

// ExtractArtifacts copies the orthophoto preview and GeoTIFF from the zip at
// zipPath into dir.
func ExtractArtifacts(zipPath, dir string) (*Artifacts, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open result archive: %w", err)
	}
	defer zr.Close()

	preview := pick(zr.File, previewName, ".png", ".jpg", ".jpeg")
	if preview == nil {
		return nil, ErrNoPreview
	}
	out := &Artifacts{PreviewType: contentType(preview.Name)}
	if out.PreviewPath, err = extract(preview, dir); err != nil {
		return nil, err
	}
	if geo := pick(zr.File, geoRasterName, ".tif", ".tiff"); geo != nil {
		if out.GeoRasterPath, err = extract(geo, dir); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// pick prefers the exact name, then the first *orthophoto* entry with one of exts.
func pick(files []*zip.File, exact string, exts ...string) *zip.File {
	var fallback *zip.File
	for _, f := range files {
		name := strings.ToLower(f.Name)
		if name == exact {
			return f
		}
		if fallback != nil || f.FileInfo().IsDir() || !strings.Contains(path.Base(name), "orthophoto") {
			continue
		}
		for _, ext := range exts {
			if strings.HasSuffix(name, ext) {
				fallback = f
				break
			}
		}
	}
	return fallback
}

func extract(f *zip.File, dir string) (string, error) {
	dst := filepath.Join(dir, path.Base(f.Name))
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s in archive: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return "", fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return dst, out.Close()
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return "application/octet-stream"
}
