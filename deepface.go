package gender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lib-x/gender/internal/logging"
)

const (
	defaultDeepFaceURL = "http://localhost:5005"
	analyzeEndpoint    = "/analyze"

	// substring of the collaborator's error when detection is enforced and fails
	faceNotDetectedMessage = "face could not be detected"
)

// APIError is a non-2xx response from the DeepFace API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("deepface API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("deepface API error (status %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// DeepFaceClient calls a DeepFace REST API
type DeepFaceClient struct {
	baseURL        string
	client         *http.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// DeepFaceOption configures a DeepFaceClient
type DeepFaceOption func(*DeepFaceClient)

// WithHTTPClient sets the HTTP client, e.g. one built by NewHTTPClient with a proxy
func WithHTTPClient(client *http.Client) DeepFaceOption {
	return func(c *DeepFaceClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithRetry sets the number of attempts and the backoff bounds for transient failures
func WithRetry(attempts int, initialBackoff, maxBackoff time.Duration) DeepFaceOption {
	return func(c *DeepFaceClient) {
		c.retryAttempts = attempts
		c.initialBackoff = initialBackoff
		c.maxBackoff = maxBackoff
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *zap.Logger) DeepFaceOption {
	return func(c *DeepFaceClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewDeepFaceClient creates a client for the API at baseURL
func NewDeepFaceClient(baseURL string, opts ...DeepFaceOption) *DeepFaceClient {
	if baseURL == "" {
		baseURL = defaultDeepFaceURL
	}
	c := &DeepFaceClient{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		client:         &http.Client{Timeout: 30 * time.Second},
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("deepface")
	return c
}

type analyzeRequestBody struct {
	Img              string   `json:"img"`
	ImgPath          string   `json:"img_path"` // field name used by older API servers
	Actions          []Action `json:"actions"`
	DetectorBackend  string   `json:"detector_backend,omitempty"`
	EnforceDetection bool     `json:"enforce_detection"`
	Align            bool     `json:"align"`
}

type analyzeResult struct {
	DominantGender string          `json:"dominant_gender"`
	Gender         json.RawMessage `json:"gender"`
	Region         Region          `json:"region"`
	FaceConfidence float64         `json:"face_confidence"`
}

type analyzeResponseBody struct {
	Results []analyzeResult `json:"results"`
	Error   string          `json:"error"`
}

// Analyze sends req to the API and returns one record per detected face.
func (c *DeepFaceClient) Analyze(ctx context.Context, req AnalyzeRequest) ([]FaceAttributes, error) {
	requestID := RequestIDFromContext(ctx)
	if req.Image == "" {
		return nil, logging.NewOperationError("deepface.analyze", requestID, ErrEmptyImage)
	}

	actions := req.Actions
	if len(actions) == 0 {
		actions = []Action{ActionGender}
	}
	payload, err := json.Marshal(analyzeRequestBody{
		Img:              req.Image,
		ImgPath:          req.Image,
		Actions:          actions,
		DetectorBackend:  string(req.DetectorBackend),
		EnforceDetection: req.EnforceDetection,
		Align:            req.Align,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze request: %w", err)
	}

	var faces []FaceAttributes
	err = c.withRetry(ctx, requestID, "deepface.analyze", func() error {
		var callErr error
		faces, callErr = c.postAnalyze(ctx, payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return faces, nil
}

func (c *DeepFaceClient) postAnalyze(ctx context.Context, payload []byte) ([]FaceAttributes, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzeEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(body)
		if isFaceNotDetected(msg) {
			return nil, fmt.Errorf("%w: %s", ErrNoFace, msg)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	results, err := decodeResults(body)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoFace
	}

	faces := make([]FaceAttributes, 0, len(results))
	for _, r := range results {
		face, err := r.toAttributes()
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	return faces, nil
}

// decodeResults accepts {"results": [...]} as well as a bare array.
func decodeResults(body []byte) ([]analyzeResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var results []analyzeResult
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return results, nil
	}

	var parsed analyzeResponseBody
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != "" {
		if isFaceNotDetected(parsed.Error) {
			return nil, fmt.Errorf("%w: %s", ErrNoFace, parsed.Error)
		}
		return nil, errors.New(parsed.Error)
	}
	return parsed.Results, nil
}

// toAttributes handles both the string and the score-map shape of "gender".
func (r analyzeResult) toAttributes() (FaceAttributes, error) {
	face := FaceAttributes{
		Gender:         r.DominantGender,
		Region:         r.Region,
		FaceConfidence: r.FaceConfidence,
	}

	raw := bytes.TrimSpace(r.Gender)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return FaceAttributes{}, fmt.Errorf("failed to parse gender: %w", err)
		}
		if face.Gender == "" {
			face.Gender = s
		}
	default:
		var scores map[string]float64
		if err := json.Unmarshal(raw, &scores); err != nil {
			return FaceAttributes{}, fmt.Errorf("failed to parse gender scores: %w", err)
		}
		face.GenderScores = scores
		if face.Gender == "" {
			face.Gender = dominant(scores)
		}
	}
	return face, nil
}

func dominant(scores map[string]float64) string {
	var best string
	var bestScore float64
	for k, v := range scores {
		if best == "" || v > bestScore || (v == bestScore && k < best) {
			best, bestScore = k, v
		}
	}
	return best
}

func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(body))
}

func isFaceNotDetected(msg string) bool {
	return strings.Contains(strings.ToLower(msg), faceNotDetectedMessage)
}

func (c *DeepFaceClient) withRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var backoff time.Duration
	opLogger := logging.WithOperation(c.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff = c.nextBackoff(backoff)
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("deepface call succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient deepface error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// nextBackoff doubles the previous wait, starting from initialBackoff and
// capped at maxBackoff when one is set
func (c *DeepFaceClient) nextBackoff(prev time.Duration) time.Duration {
	next := c.initialBackoff
	if prev > 0 {
		next = prev * 2
	}
	if c.maxBackoff > 0 {
		next = min(next, c.maxBackoff)
	}
	return next
}

func isTransientError(err error) bool {
	if err == nil || errors.Is(err, ErrNoFace) || errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

type requestIDKey struct{}

// WithRequestID attaches a request id used in logs and wrapped errors.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
