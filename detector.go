package gender

import (
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// PigoParams holds Pigo face detector parameters
type PigoParams struct {
	MinSize          int     // Minimum face size
	MaxSize          int     // Maximum face size
	ShiftFactor      float64 // Shift factor
	ScaleFactor      float64 // Scale factor
	QualityThreshold float32 // Detection quality threshold
	IoUThreshold     float64 // Overlap used to cluster detections
}

// DefaultPigoParams are tuned for webcam frames and portrait photos
var DefaultPigoParams = PigoParams{
	MinSize:          60,
	MaxSize:          1000,
	ShiftFactor:      0.1,
	ScaleFactor:      1.1,
	QualityThreshold: 5.0,
	IoUThreshold:     0.2,
}

// FaceLocator finds face regions in an image
type FaceLocator interface {
	DetectFaces(img image.Image) []image.Rectangle
}

// FaceDetector finds face regions locally with a pigo cascade.
// It only answers "is there a face and where"; classification stays with the Analyzer.
type FaceDetector struct {
	classifier *pigo.Pigo
	params     PigoParams
}

// DetectorOption configures a FaceDetector
type DetectorOption func(*FaceDetector)

// WithPigoParams sets custom Pigo detector parameters
func WithPigoParams(params PigoParams) DetectorOption {
	return func(d *FaceDetector) {
		d.params = params
	}
}

// WithMinFaceSize sets the minimum face size for detection
func WithMinFaceSize(size int) DetectorOption {
	return func(d *FaceDetector) {
		d.params.MinSize = size
	}
}

// WithMaxFaceSize sets the maximum face size for detection
func WithMaxFaceSize(size int) DetectorOption {
	return func(d *FaceDetector) {
		d.params.MaxSize = size
	}
}

// WithQualityThreshold sets the minimum detection score
func WithQualityThreshold(q float32) DetectorOption {
	return func(d *FaceDetector) {
		d.params.QualityThreshold = q
	}
}

// NewFaceDetector loads the pigo cascade at cascadeFile
func NewFaceDetector(cascadeFile string, opts ...DetectorOption) (*FaceDetector, error) {
	cascade, err := os.ReadFile(cascadeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read Pigo cascade file: %w", err)
	}
	return NewFaceDetectorFromBytes(cascade, opts...)
}

// NewFaceDetectorFromBytes unpacks an in-memory pigo cascade
func NewFaceDetectorFromBytes(cascade []byte, opts ...DetectorOption) (*FaceDetector, error) {
	d := &FaceDetector{params: DefaultPigoParams}
	for _, opt := range opts {
		opt(d)
	}

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack Pigo cascade: %w", err)
	}
	d.classifier = classifier
	return d, nil
}

// Params returns the active detector parameters
func (d *FaceDetector) Params() PigoParams {
	return d.params
}

// DetectFaces returns face rectangles sorted by pigo's clustering order
func (d *FaceDetector) DetectFaces(img image.Image) []image.Rectangle {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil
	}

	pixels := grayscale(img)

	cParams := pigo.CascadeParams{
		MinSize:     d.params.MinSize,
		MaxSize:     d.params.MaxSize,
		ShiftFactor: d.params.ShiftFactor,
		ScaleFactor: d.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   height,
			Cols:   width,
			Dim:    width,
		},
	}

	dets := d.classifier.RunCascade(cParams, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.params.IoUThreshold)

	faces := make([]image.Rectangle, 0, len(dets))
	for _, det := range dets {
		if det.Q > d.params.QualityThreshold {
			x := bounds.Min.X + det.Col - det.Scale/2
			y := bounds.Min.Y + det.Row - det.Scale/2
			faces = append(faces, image.Rect(x, y, x+det.Scale, y+det.Scale))
		}
	}

	return faces
}

// HasFace reports whether at least one face is found in img
func (d *FaceDetector) HasFace(img image.Image) bool {
	return hasFace(d, img)
}

func hasFace(l FaceLocator, img image.Image) bool {
	return len(l.DetectFaces(img)) > 0
}

// grayscale converts img to 8-bit luminance using the luminosity method
func grayscale(img image.Image) []uint8 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	pixels := make([]uint8, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			pixels[y*width+x] = uint8((r*299 + g*587 + b*114) / 1000 / 256)
		}
	}
	return pixels
}

var _ FaceLocator = (*FaceDetector)(nil)
