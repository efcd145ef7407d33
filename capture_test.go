package gender

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

// fakeSource serves copies of one frame, or fails every read
type fakeSource struct {
	frame gocv.Mat
	fail  bool

	mu     sync.Mutex
	reads  int
	closed int
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { frame.Close() })
	return &fakeSource{frame: frame}
}

func (s *fakeSource) Read(frame *gocv.Mat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.fail {
		return false
	}
	s.frame.CopyTo(frame)
	return true
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// fakePreview replays keys, one per poll, then reports no key
type fakePreview struct {
	keys []int

	mu     sync.Mutex
	shown  int
	polls  int
	closed int
}

func (p *fakePreview) Show(frame gocv.Mat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown++
	return nil
}

func (p *fakePreview) PollKey(delay time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if len(p.keys) == 0 {
		time.Sleep(delay)
		return -1
	}
	key := p.keys[0]
	p.keys = p.keys[1:]
	return key
}

func (p *fakePreview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// recordingPreview keeps a copy of every frame it is shown
type recordingPreview struct {
	*fakePreview
	shownFrames []gocv.Mat
}

func newRecordingPreview(t *testing.T, keys ...int) *recordingPreview {
	t.Helper()
	p := &recordingPreview{fakePreview: &fakePreview{keys: keys}}
	t.Cleanup(func() {
		for _, m := range p.shownFrames {
			m.Close()
		}
	})
	return p
}

func (p *recordingPreview) Show(frame gocv.Mat) error {
	p.shownFrames = append(p.shownFrames, frame.Clone())
	return p.fakePreview.Show(frame)
}

func (p *recordingPreview) last(t *testing.T) gocv.Mat {
	t.Helper()
	if len(p.shownFrames) == 0 {
		t.Fatal("Expected at least one shown frame")
	}
	return p.shownFrames[len(p.shownFrames)-1]
}

func assertReleasedOnce(t *testing.T, source *fakeSource, preview *fakePreview) {
	t.Helper()
	if source.closed != 1 {
		t.Errorf("Expected camera released once, got %d", source.closed)
	}
	if preview.closed != 1 {
		t.Errorf("Expected preview closed once, got %d", preview.closed)
	}
}

func TestCapturer_CaptureKey(t *testing.T) {
	source := newFakeSource(t)
	preview := &fakePreview{keys: []int{-1, 'x', KeyCapture}}
	sink := NewMemorySink()
	defer sink.Close()

	capturer := NewCapturer(source, preview, "captured.jpg", WithSink(sink))
	result, err := capturer.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if result.State != StateCaptured || result.Path != "captured.jpg" {
		t.Errorf("Unexpected result %+v", result)
	}
	if capturer.State() != StateCaptured {
		t.Errorf("Expected captured state, got %s", capturer.State())
	}
	if sink.Saves() != 1 {
		t.Errorf("Expected exactly one save, got %d", sink.Saves())
	}
	frame, ok := sink.Frame("captured.jpg")
	if !ok {
		t.Fatal("Expected frame in sink")
	}
	defer frame.Close()
	if frame.Rows() != 48 || frame.Cols() != 64 {
		t.Errorf("Unexpected frame size %dx%d", frame.Cols(), frame.Rows())
	}
	if preview.shown != 3 {
		t.Errorf("Expected 3 frames shown, got %d", preview.shown)
	}
	assertReleasedOnce(t, source, preview)
}

func TestCapturer_KeyCodeWithModifiers(t *testing.T) {
	source := newFakeSource(t)
	preview := &fakePreview{keys: []int{0x100000 | KeyCapture}}
	sink := NewMemorySink()
	defer sink.Close()

	result, err := NewCapturer(source, preview, "captured.jpg", WithSink(sink)).Capture(context.Background())
	if err != nil || result.State != StateCaptured {
		t.Fatalf("Expected capture with modifier bits, got %+v, %v", result, err)
	}
}

func TestCapturer_Escape(t *testing.T) {
	source := newFakeSource(t)
	preview := &fakePreview{keys: []int{KeyEscape}}
	sink := NewMemorySink()
	defer sink.Close()

	capturer := NewCapturer(source, preview, "captured.jpg", WithSink(sink))
	result, err := capturer.Capture(context.Background())

	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Expected ErrAborted, got %v", err)
	}
	if result.State != StateAborted || result.Path != "" {
		t.Errorf("Unexpected result %+v", result)
	}
	if sink.Saves() != 0 {
		t.Error("Nothing should be saved on abort")
	}
	assertReleasedOnce(t, source, preview)
}

func TestCapturer_Timeout(t *testing.T) {
	source := newFakeSource(t)
	preview := &fakePreview{}

	capturer := NewCapturer(source, preview, "captured.jpg",
		WithSink(NewMemorySink()),
		WithCaptureTimeout(30*time.Millisecond),
	)
	result, err := capturer.Capture(context.Background())

	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("Expected ErrCaptureTimeout, got %v", err)
	}
	if result.State != StateAborted {
		t.Errorf("Expected aborted state, got %s", result.State)
	}
	assertReleasedOnce(t, source, preview)
}

func TestCapturer_ContextCancelled(t *testing.T) {
	source := newFakeSource(t)
	preview := &fakePreview{}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewCapturer(source, preview, "captured.jpg", WithSink(NewMemorySink())).Capture(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrCaptureTimeout) {
		t.Error("Cancellation should not read as a timeout")
	}
	assertReleasedOnce(t, source, preview)
}

func TestCapturer_ReadFailures(t *testing.T) {
	source := newFakeSource(t)
	source.fail = true
	preview := &fakePreview{}

	capturer := NewCapturer(source, preview, "captured.jpg",
		WithMaxReadFailures(3),
		WithPollDelay(time.Millisecond),
	)
	_, err := capturer.Capture(context.Background())

	if !errors.Is(err, ErrDeviceRead) {
		t.Fatalf("Expected ErrDeviceRead, got %v", err)
	}
	if source.reads != 3 {
		t.Errorf("Expected 3 reads, got %d", source.reads)
	}
	if preview.shown != 0 {
		t.Error("Failed reads should not be shown")
	}
	assertReleasedOnce(t, source, preview)
}

func TestCapturer_SingleUse(t *testing.T) {
	source := newFakeSource(t)
	preview := &fakePreview{keys: []int{KeyEscape}}

	capturer := NewCapturer(source, preview, "captured.jpg", WithSink(NewMemorySink()))
	if _, err := capturer.Capture(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("Expected ErrAborted, got %v", err)
	}

	if _, err := capturer.Capture(context.Background()); err == nil {
		t.Error("Expected error on second Capture")
	}
	assertReleasedOnce(t, source, preview)
}

// failingSink always fails to save
type failingSink struct{}

func (failingSink) Save(string, gocv.Mat) error { return fmt.Errorf("disk full") }
func (failingSink) Close() error                { return nil }

func TestCapturer_SaveFailure(t *testing.T) {
	source := newFakeSource(t)
	preview := &fakePreview{keys: []int{KeyCapture}}

	capturer := NewCapturer(source, preview, "captured.jpg", WithSink(failingSink{}))
	_, err := capturer.Capture(context.Background())
	if err == nil {
		t.Fatal("Expected save error")
	}
	if capturer.State() == StateCaptured {
		t.Error("State must not be captured when the frame was not persisted")
	}
	assertReleasedOnce(t, source, preview)
}

func TestCaptureAndClassify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captured.jpg")

	tests := []struct {
		name      string
		analyzer  *stubAnalyzer
		formatter Formatter
		expected  string
	}{
		{
			name:      "raw gender",
			analyzer:  &stubAnalyzer{faces: []FaceAttributes{{Gender: "Woman"}}},
			formatter: RawFormatter,
			expected:  "Gender: Woman",
		},
		{
			name:      "raw no face",
			analyzer:  &stubAnalyzer{err: ErrNoFace},
			formatter: RawFormatter,
			expected:  RetryPrompt,
		},
		{
			name:      "normalized",
			analyzer:  &stubAnalyzer{faces: []FaceAttributes{{Gender: "Man"}}},
			formatter: StrictFormatter,
			expected:  "Man",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Remove(path)
			// the file must be on disk before the analyzer runs
			tt.analyzer.check = func(AnalyzeRequest) error {
				if _, err := os.Stat(path); err != nil {
					t.Errorf("Analyzer called before frame was persisted: %v", err)
				}
				return nil
			}

			source := newFakeSource(t)
			preview := &fakePreview{keys: []int{KeyCapture}}
			capturer := NewCapturer(source, preview, path)

			outcome, result, err := CaptureAndClassify(context.Background(), capturer, NewClassifier(tt.analyzer, WithEnforceDetection(true)))
			if err != nil {
				t.Fatalf("CaptureAndClassify failed: %v", err)
			}
			if result.Path != path {
				t.Errorf("Expected path %s, got %s", path, result.Path)
			}
			if line := tt.formatter.Line(outcome); line != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, line)
			}
			if calls := tt.analyzer.calls(); len(calls) != 1 || !calls[0].EnforceDetection {
				t.Errorf("Expected one enforced analyze call, got %+v", calls)
			}
			assertReleasedOnce(t, source, preview)
		})
	}
}

func TestCaptureAndClassify_AbortSkipsAnalyzer(t *testing.T) {
	analyzer := &stubAnalyzer{faces: []FaceAttributes{{Gender: "Man"}}}
	source := newFakeSource(t)
	preview := &fakePreview{keys: []int{KeyEscape}}
	path := filepath.Join(t.TempDir(), "captured.jpg")

	_, result, err := CaptureAndClassify(context.Background(), NewCapturer(source, preview, path), NewClassifier(analyzer))
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Expected ErrAborted, got %v", err)
	}
	if result.State != StateAborted {
		t.Errorf("Expected aborted state, got %s", result.State)
	}
	if len(analyzer.calls()) != 0 {
		t.Error("Analyzer must not be called after abort")
	}
	if fileExists(path) {
		t.Error("No file should be written after abort")
	}
}

func TestCaptureState_String(t *testing.T) {
	tests := map[CaptureState]string{
		StatePreviewing:  "previewing",
		StateCaptured:    "captured",
		StateAborted:     "aborted",
		CaptureState(42): "CaptureState(42)",
	}
	for state, expected := range tests {
		if state.String() != expected {
			t.Errorf("Expected %s, got %s", expected, state.String())
		}
	}
}

func TestCapturer_OverlayDrawsOnPreviewOnly(t *testing.T) {
	source := newFakeSource(t)
	preview := newRecordingPreview(t, KeyCapture)
	locator := &stubLocator{faces: []image.Rectangle{image.Rect(10, 10, 30, 30)}}
	sink := NewMemorySink()
	defer sink.Close()

	_, err := NewCapturer(source, preview, "captured.jpg", WithSink(sink), WithOverlay(locator)).
		Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if locator.calls != 1 {
		t.Errorf("Expected one detection per shown frame, got %d", locator.calls)
	}
	if locator.bounds.Dx() != 64 || locator.bounds.Dy() != 48 {
		t.Errorf("Expected detection on the 64x48 frame, got %v", locator.bounds)
	}

	// top edge of the box, BGR order: green is channel 1
	shown := preview.last(t)
	if got := shown.GetUCharAt(10, 20*3+1); got != 255 {
		t.Errorf("Expected green box on the preview, got %d", got)
	}
	if got := shown.GetUCharAt(20, 20*3+1); got != 0 {
		t.Errorf("Expected box interior untouched, got %d", got)
	}

	saved, ok := sink.Frame("captured.jpg")
	if !ok {
		t.Fatal("Expected saved frame")
	}
	defer saved.Close()
	if got := saved.GetUCharAt(10, 20*3+1); got != 0 {
		t.Errorf("Persisted frame must not carry the overlay, got %d", got)
	}
	assertReleasedOnce(t, source, preview.fakePreview)
}

func TestCapturer_OverlayWithCascade(t *testing.T) {
	skipIfCascadeNotAvailable(t)

	detector, err := NewFaceDetector(testCascade)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	source := newFakeSource(t)
	preview := newRecordingPreview(t, -1, KeyCapture)
	sink := NewMemorySink()
	defer sink.Close()

	result, err := NewCapturer(source, preview, "captured.jpg", WithSink(sink), WithOverlay(detector)).
		Capture(context.Background())
	if err != nil || result.State != StateCaptured {
		t.Fatalf("Expected capture, got %+v, %v", result, err)
	}
	if len(preview.shownFrames) != 2 {
		t.Errorf("Expected 2 shown frames, got %d", len(preview.shownFrames))
	}

	// a blank frame has no face, so nothing is drawn anywhere
	shown := preview.last(t)
	saved, ok := sink.Frame("captured.jpg")
	if !ok {
		t.Fatal("Expected saved frame")
	}
	defer saved.Close()
	for _, px := range [][2]int{{0, 0}, {10, 20}, {24, 32}, {47, 63}} {
		for ch := 0; ch < 3; ch++ {
			if shown.GetUCharAt(px[0], px[1]*3+ch) != 0 || saved.GetUCharAt(px[0], px[1]*3+ch) != 0 {
				t.Fatalf("Expected untouched pixel at %v", px)
			}
		}
	}
}
