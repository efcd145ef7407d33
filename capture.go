package gender

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	// ErrAborted is returned when the user cancels the preview with Escape
	ErrAborted = errors.New("capture aborted")
	// ErrCaptureTimeout is returned when no frame was captured in time
	ErrCaptureTimeout = errors.New("capture timed out")
	// ErrDeviceRead is returned after too many consecutive failed frame reads
	ErrDeviceRead = errors.New("failed to read frame from camera")
)

// Preview keys
const (
	KeyCapture = 'c'
	KeyEscape  = 27
)

// CaptureState is the state of the capture loop
type CaptureState int

const (
	StatePreviewing CaptureState = iota
	StateCaptured
	StateAborted
)

func (s CaptureState) String() string {
	switch s {
	case StatePreviewing:
		return "previewing"
	case StateCaptured:
		return "captured"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("CaptureState(%d)", int(s))
	}
}

// FrameSource produces camera frames
type FrameSource interface {
	// Read fills frame with the next image and reports success
	Read(frame *gocv.Mat) bool
	Close() error
}

// Preview renders frames and reports key presses
type Preview interface {
	Show(frame gocv.Mat) error
	// PollKey waits up to delay for a key and returns its code, or -1
	PollKey(delay time.Duration) int
	Close() error
}

// CaptureResult describes how the capture loop ended
type CaptureResult struct {
	State CaptureState
	// Path of the persisted frame when State is StateCaptured
	Path string
}

// Capturer runs the preview loop until a frame is captured or the user aborts.
// The source and preview are released when Capture returns. A Capturer is single use.
type Capturer struct {
	source          FrameSource
	preview         Preview
	sink            FrameSink
	path            string
	timeout         time.Duration
	pollDelay       time.Duration
	maxReadFailures int
	overlay         FaceLocator
	logger          *zap.Logger

	mu          sync.Mutex
	state       CaptureState
	used        bool
	releaseOnce sync.Once
}

// CaptureOption configures a Capturer
type CaptureOption func(*Capturer)

// WithCaptureTimeout bounds the preview loop; 0 waits until a key is pressed
func WithCaptureTimeout(timeout time.Duration) CaptureOption {
	return func(c *Capturer) {
		c.timeout = timeout
	}
}

// WithPollDelay sets how long each frame waits for a key
func WithPollDelay(delay time.Duration) CaptureOption {
	return func(c *Capturer) {
		c.pollDelay = delay
	}
}

// WithMaxReadFailures sets how many consecutive failed reads end the loop; 0 never gives up
func WithMaxReadFailures(n int) CaptureOption {
	return func(c *Capturer) {
		c.maxReadFailures = n
	}
}

// WithOverlay draws boxes around faces found by locator on the preview only
func WithOverlay(locator FaceLocator) CaptureOption {
	return func(c *Capturer) {
		c.overlay = locator
	}
}

// WithSink sets where the captured frame is written
func WithSink(sink FrameSink) CaptureOption {
	return func(c *Capturer) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithCaptureLogger sets the logger
func WithCaptureLogger(logger *zap.Logger) CaptureOption {
	return func(c *Capturer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCapturer creates a Capturer that saves the captured frame to path
func NewCapturer(source FrameSource, preview Preview, path string, opts ...CaptureOption) *Capturer {
	c := &Capturer{
		source:          source,
		preview:         preview,
		sink:            NewFileSink(),
		path:            path,
		pollDelay:       time.Millisecond,
		maxReadFailures: 30,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("capture")
	return c
}

// OpenWebcam opens the camera device and a preview window titled title
func OpenWebcam(device int, title, path string, opts ...CaptureOption) (*Capturer, error) {
	webcam, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("error opening video capture device %d: %w", device, err)
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return nil, fmt.Errorf("video capture device %d is not available", device)
	}

	window := gocv.NewWindow(title)
	return NewCapturer(&webcamSource{webcam: webcam}, &windowPreview{window: window}, path, opts...), nil
}

// State returns the current state of the loop
func (c *Capturer) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Capturer) setState(s CaptureState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Capture previews frames until KeyCapture persists the current frame, KeyEscape
// aborts, the timeout elapses or ctx is cancelled.
func (c *Capturer) Capture(ctx context.Context) (CaptureResult, error) {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return CaptureResult{State: c.State()}, errors.New("capturer already used")
	}
	c.used = true
	c.mu.Unlock()

	defer c.release()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	frame := gocv.NewMat()
	defer frame.Close()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return c.abort(err)
		}

		if ok := c.source.Read(&frame); !ok || frame.Empty() {
			failures++
			if c.maxReadFailures > 0 && failures >= c.maxReadFailures {
				c.setState(StateAborted)
				return CaptureResult{State: StateAborted}, fmt.Errorf("%w after %d attempts", ErrDeviceRead, failures)
			}
			select {
			case <-ctx.Done():
				return c.abort(ctx.Err())
			case <-time.After(c.pollDelay):
			}
			continue
		}
		failures = 0

		if err := c.show(frame); err != nil {
			c.logger.Debug("preview failed", zap.Error(err))
		}

		key := c.preview.PollKey(c.pollDelay)
		if key < 0 {
			continue
		}

		switch key & 0xFF {
		case KeyCapture:
			if err := c.sink.Save(c.path, frame); err != nil {
				return CaptureResult{State: StatePreviewing}, fmt.Errorf("failed to persist captured frame: %w", err)
			}
			c.setState(StateCaptured)
			c.logger.Info("frame captured", zap.String("path", c.path))
			return CaptureResult{State: StateCaptured, Path: c.path}, nil

		case KeyEscape:
			c.setState(StateAborted)
			return CaptureResult{State: StateAborted}, ErrAborted
		}
	}
}

func (c *Capturer) abort(err error) (CaptureResult, error) {
	c.setState(StateAborted)
	if errors.Is(err, context.DeadlineExceeded) {
		return CaptureResult{State: StateAborted}, fmt.Errorf("%w: %v", ErrCaptureTimeout, err)
	}
	return CaptureResult{State: StateAborted}, err
}

var overlayColor = color.RGBA{G: 255, A: 255}

// show renders frame, with face boxes drawn on a copy when an overlay is set
func (c *Capturer) show(frame gocv.Mat) error {
	if c.overlay == nil {
		return c.preview.Show(frame)
	}

	img, err := frame.ToImage()
	if err != nil {
		return c.preview.Show(frame)
	}

	display := frame.Clone()
	defer display.Close()
	for _, r := range c.overlay.DetectFaces(img) {
		gocv.Rectangle(&display, r, overlayColor, 2)
	}
	return c.preview.Show(display)
}

// release closes the source and preview exactly once
func (c *Capturer) release() {
	c.releaseOnce.Do(func() {
		if err := c.source.Close(); err != nil {
			c.logger.Warn("failed to release camera", zap.Error(err))
		}
		if err := c.preview.Close(); err != nil {
			c.logger.Warn("failed to close preview", zap.Error(err))
		}
	})
}

// CaptureAndClassify captures one frame and classifies the persisted file.
// The analyzer is only called after the frame has been written.
func CaptureAndClassify(ctx context.Context, capturer *Capturer, classifier *Classifier) (Outcome, CaptureResult, error) {
	result, err := capturer.Capture(ctx)
	if err != nil {
		return Outcome{}, result, err
	}
	return classifier.Classify(ctx, result.Path), result, nil
}

// webcamSource adapts gocv.VideoCapture
type webcamSource struct {
	webcam *gocv.VideoCapture
}

func (s *webcamSource) Read(frame *gocv.Mat) bool {
	return s.webcam.Read(frame)
}

func (s *webcamSource) Close() error {
	return s.webcam.Close()
}

// windowPreview adapts gocv.Window
type windowPreview struct {
	window *gocv.Window
}

func (p *windowPreview) Show(frame gocv.Mat) error {
	p.window.IMShow(frame)
	return nil
}

func (p *windowPreview) PollKey(delay time.Duration) int {
	ms := int(delay / time.Millisecond)
	if ms < 1 {
		// 0 would block until a key is pressed
		ms = 1
	}
	return p.window.WaitKey(ms)
}

func (p *windowPreview) Close() error {
	return p.window.Close()
}

// compile-time checks
var (
	_ FrameSource = (*webcamSource)(nil)
	_ Preview     = (*windowPreview)(nil)
)
