package gender

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"
)

// FrameSink defines where a captured frame is persisted
type FrameSink interface {
	// Save stores frame under path, replacing anything already there
	Save(path string, frame gocv.Mat) error

	// Close releases resources held by the sink
	Close() error
}

// FileSink writes frames to disk, encoding by file extension
type FileSink struct {
	mu sync.Mutex
}

// NewFileSink creates a sink writing to the filesystem
func NewFileSink() *FileSink {
	return &FileSink{}
}

func (s *FileSink) Save(path string, frame gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create capture directory: %w", err)
		}
	}
	return SaveImage(path, frame)
}

func (s *FileSink) Close() error {
	return nil
}

// MemorySink keeps cloned frames in memory (tests, dry runs)
type MemorySink struct {
	frames map[string]gocv.Mat
	saves  int
	mu     sync.Mutex
}

// NewMemorySink creates a new in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		frames: make(map[string]gocv.Mat),
	}
}

func (s *MemorySink) Save(path string, frame gocv.Mat) error {
	if frame.Empty() {
		return fmt.Errorf("%w: nothing to save to %s", ErrEmptyImage, path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace and release the previous frame for this path
	if old, exists := s.frames[path]; exists {
		old.Close()
	}
	s.frames[path] = frame.Clone()
	s.saves++
	return nil
}

// Frame returns a copy of the frame saved under path
func (s *MemorySink) Frame(path string) (gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, exists := s.frames[path]
	if !exists {
		return gocv.Mat{}, false
	}
	return frame.Clone(), true
}

// Saves returns how many frames were saved
func (s *MemorySink) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, frame := range s.frames {
		frame.Close()
		delete(s.frames, path)
	}
	return nil
}
