package gender

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gocv.io/x/gocv"
)

// SupportedImageFormats lists all supported image formats
var SupportedImageFormats = []string{
	".jpg", ".jpeg", // JPEG
	".png",          // PNG
	".bmp",          // Bitmap
	".tif", ".tiff", // TIFF
	".webp", // WebP
	".gif",  // GIF
}

// IsSupportedImageFormat checks if the file extension is supported
func IsSupportedImageFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, supportedExt := range SupportedImageFormats {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// IsRemoteImage reports whether ref is an http(s) URL
func IsRemoteImage(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// ResolvedImage is an image reference ready to be sent to the collaborator
type ResolvedImage struct {
	// Ref is the URL, or a base64 data URI for local files
	Ref string
	// Data holds the file contents for local images, nil for URLs
	Data []byte
}

// ResolveImage turns a path or URL into a ResolvedImage. URLs are passed through.
func ResolveImage(ref string) (ResolvedImage, error) {
	if ref == "" {
		return ResolvedImage{}, ErrEmptyImage
	}
	if IsRemoteImage(ref) {
		return ResolvedImage{Ref: ref}, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return ResolvedImage{}, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return ResolvedImage{}, fmt.Errorf("%w: %s", ErrEmptyImage, ref)
	}

	payload, err := collaboratorPayload(data)
	if err != nil {
		return ResolvedImage{}, fmt.Errorf("failed to prepare %s: %w", ref, err)
	}
	return ResolvedImage{Ref: EncodeDataURI(payload), Data: data}, nil
}

// collaboratorPayload returns data unchanged for JPEG and PNG, and re-encodes
// any other decodable format as PNG. The collaborator only reads those two.
func collaboratorPayload(data []byte) ([]byte, error) {
	switch http.DetectContentType(data) {
	case "image/jpeg", "image/png":
		return data, nil
	}

	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to re-encode image as PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDataURI encodes image bytes as a base64 data URI
func EncodeDataURI(data []byte) string {
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeImage decodes JPEG, PNG, GIF, BMP, TIFF or WebP bytes
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// LoadImage loads an image from file path
func LoadImage(filepath string) (gocv.Mat, error) {
	if !IsSupportedImageFormat(filepath) {
		return gocv.Mat{}, fmt.Errorf("unsupported image format: %s", filepath)
	}

	img := gocv.IMRead(filepath, gocv.IMReadColor)
	if img.Empty() {
		return gocv.Mat{}, fmt.Errorf("failed to load image: %s", filepath)
	}

	return img, nil
}

// SaveImage saves a Mat to file, replacing any existing file
func SaveImage(filepath string, img gocv.Mat) error {
	if !IsSupportedImageFormat(filepath) {
		return fmt.Errorf("unsupported image format: %s", filepath)
	}
	if img.Empty() {
		return fmt.Errorf("%w: nothing to save to %s", ErrEmptyImage, filepath)
	}

	if ok := gocv.IMWrite(filepath, img); !ok {
		return fmt.Errorf("failed to save image: %s", filepath)
	}

	return nil
}
