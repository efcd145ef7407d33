package gender

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoFace is returned when the collaborator finds no face in the image
	ErrNoFace = errors.New("no face detected")
	// ErrUnsupportedBackend is returned for an unknown detector backend name
	ErrUnsupportedBackend = errors.New("unsupported detector backend")
	// ErrEmptyImage is returned when an image reference resolves to no data
	ErrEmptyImage = errors.New("image is empty")
)

// DetectorBackend names a face detector inside the collaborator
type DetectorBackend string

const (
	BackendOpenCV     DetectorBackend = "opencv"
	BackendSSD        DetectorBackend = "ssd"
	BackendDlib       DetectorBackend = "dlib"
	BackendMTCNN      DetectorBackend = "mtcnn"
	BackendFastMTCNN  DetectorBackend = "fastmtcnn"
	BackendRetinaFace DetectorBackend = "retinaface"
	BackendMediaPipe  DetectorBackend = "mediapipe"
	BackendYOLOv8     DetectorBackend = "yolov8"
	BackendYOLOv11n   DetectorBackend = "yolov11n"
	BackendYOLOv11s   DetectorBackend = "yolov11s"
	BackendYOLOv11m   DetectorBackend = "yolov11m"
	BackendYuNet      DetectorBackend = "yunet"
	BackendCenterFace DetectorBackend = "centerface"
	// BackendSkip analyzes the whole image without detection
	BackendSkip DetectorBackend = "skip"
)

// SupportedBackends lists all detector backends accepted by the collaborator
var SupportedBackends = []DetectorBackend{
	BackendOpenCV, BackendSSD, BackendDlib, BackendMTCNN, BackendFastMTCNN,
	BackendRetinaFace, BackendMediaPipe, BackendYOLOv8, BackendYOLOv11n,
	BackendYOLOv11s, BackendYOLOv11m, BackendYuNet, BackendCenterFace, BackendSkip,
}

// ParseBackend validates a backend name. An empty name selects opencv.
func ParseBackend(name string) (DetectorBackend, error) {
	if name == "" {
		return BackendOpenCV, nil
	}
	for _, b := range SupportedBackends {
		if string(b) == name {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedBackend, name)
}

// Action is an attribute the collaborator can analyze
type Action string

// ActionGender is the only action this package requests
const ActionGender Action = "gender"

// AnalyzeRequest describes one call to the collaborator
type AnalyzeRequest struct {
	// Image is a URL or a base64 data URI
	Image            string
	Actions          []Action
	DetectorBackend  DetectorBackend
	EnforceDetection bool
	Align            bool
}

// Region is the face area reported by the collaborator
type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// FaceAttributes is the per-face record returned by the collaborator.
// Only Gender is used for labelling; the rest is logged.
type FaceAttributes struct {
	Gender         string
	GenderScores   map[string]float64
	Region         Region
	FaceConfidence float64
}

// Analyzer is the external face-analysis collaborator
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) ([]FaceAttributes, error)
}
