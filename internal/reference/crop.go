package reference

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register decoder for PNG sources
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// cropSource decodes the image at srcPath, crops it to area and writes the
// result as JPEG to dstPath (atomic write).
func cropSource(srcPath, dstPath string, area Area) error {
	if !area.Valid() {
		return fmt.Errorf("invalid crop area %+v", area)
	}

	f, err := os.Open(filepath.Clean(srcPath))
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer func() { _ = f.Close() }()

	src, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode source image: %w", err)
	}

	bounds := src.Bounds()
	rect := image.Rect(area.X, area.Y, area.X+area.W, area.Y+area.H).Intersect(bounds)
	if rect.Empty() {
		return fmt.Errorf("crop area %+v outside image bounds %v", area, bounds)
	}

	cropped := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			cropped.Set(x, y, src.At(rect.Min.X+x, rect.Min.Y+y))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, cropped, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("encode cropped image: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(dstPath, buf.Bytes(), 0o644)
}
