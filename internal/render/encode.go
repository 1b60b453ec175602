package render

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"creative-engine/internal/models"
)

// Encode serializes a pixel buffer as png or jpeg. Quality applies to jpeg
// only and must be in 1..100.
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	buf := &bytes.Buffer{}
	switch format {
	case models.FormatPNG:
		if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case models.FormatJPEG:
		if quality < 1 || quality > 100 {
			return nil, fmt.Errorf("jpeg quality %d out of range 1-100", quality)
		}
		if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return buf.Bytes(), nil
}

// ContentType returns the MIME type for an output format.
func ContentType(format string) string {
	if format == models.FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Extension returns the storage-key file extension for an output format.
func Extension(format string) string {
	if format == models.FormatPNG {
		return "png"
	}
	return "jpg"
}
