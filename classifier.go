package gender

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lib-x/gender/internal/logging"
)

// Classifier resolves an image, asks the Analyzer for its gender and reduces the
// answer to an Outcome. Only the first face is read.
type Classifier struct {
	analyzer         Analyzer
	backend          DetectorBackend
	enforceDetection bool
	precheck         FaceLocator
	logger           *zap.Logger
}

// ClassifierOption configures a Classifier
type ClassifierOption func(*Classifier)

// WithBackend selects the collaborator's detector backend
func WithBackend(backend DetectorBackend) ClassifierOption {
	return func(c *Classifier) {
		c.backend = backend
	}
}

// WithEnforceDetection makes the collaborator fail when it cannot locate a face
func WithEnforceDetection(enforce bool) ClassifierOption {
	return func(c *Classifier) {
		c.enforceDetection = enforce
	}
}

// WithPrecheck runs a local face detection before calling the collaborator.
// It only applies to local images when detection is enforced.
func WithPrecheck(locator FaceLocator) ClassifierOption {
	return func(c *Classifier) {
		c.precheck = locator
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClassifierOption {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClassifier creates a Classifier backed by analyzer
func NewClassifier(analyzer Analyzer, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		analyzer: analyzer,
		backend:  BackendOpenCV,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("classifier")
	return c
}

// Classify analyzes the image at ref (a path or URL). It never returns an error;
// failures are carried by the Outcome.
func (c *Classifier) Classify(ctx context.Context, ref string) Outcome {
	requestID := uuid.NewString()
	ctx = WithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(c.logger, "classifier.classify", requestID)

	face, err := c.classify(ctx, requestID, ref)
	outcome := NewOutcome(face.Gender, err)
	outcome.RequestID = requestID

	switch outcome.Kind {
	case OutcomeDetected:
		opLogger.Info("face classified",
			zap.String("gender", face.Gender),
			zap.String("label", string(outcome.Label)),
			zap.Any("gender_scores", face.GenderScores),
			zap.Int("region_x", face.Region.X),
			zap.Int("region_y", face.Region.Y),
			zap.Int("region_w", face.Region.W),
			zap.Int("region_h", face.Region.H),
			zap.Float64("face_confidence", face.FaceConfidence),
		)
	case OutcomeNoFace:
		opLogger.Warn("no face detected", zap.String("image", displayRef(ref)), zap.Error(err))
	default:
		opLogger.Warn("classification failed", zap.String("image", displayRef(ref)), zap.Error(err))
	}
	return outcome
}

func (c *Classifier) classify(ctx context.Context, requestID, ref string) (FaceAttributes, error) {
	img, err := ResolveImage(ref)
	if err != nil {
		return FaceAttributes{}, logging.NewOperationError("classifier.resolve_image", requestID, err)
	}

	if c.precheck != nil && c.enforceDetection && img.Data != nil {
		decoded, err := DecodeImage(img.Data)
		if err != nil {
			return FaceAttributes{}, logging.NewOperationError("classifier.precheck", requestID, err)
		}
		if !hasFace(c.precheck, decoded) {
			return FaceAttributes{}, logging.NewOperationError("classifier.precheck", requestID, ErrNoFace)
		}
	}

	faces, err := c.analyzer.Analyze(ctx, AnalyzeRequest{
		Image:            img.Ref,
		Actions:          []Action{ActionGender},
		DetectorBackend:  c.backend,
		EnforceDetection: c.enforceDetection,
		Align:            true,
	})
	if err != nil {
		return FaceAttributes{}, err
	}
	if len(faces) == 0 {
		return FaceAttributes{}, ErrNoFace
	}

	first := faces[0]
	if len(faces) > 1 {
		c.logger.Debug("multiple faces returned, using the first", zap.Int("faces", len(faces)))
	}
	return first, nil
}

// displayRef keeps data URIs and long refs out of logs
func displayRef(ref string) string {
	if len(ref) > 256 {
		return fmt.Sprintf("%s...(%d bytes)", ref[:64], len(ref))
	}
	return ref
}
