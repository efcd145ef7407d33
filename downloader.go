package gender

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ModelInfo contains information about a downloadable model
type ModelInfo struct {
	Name        string
	URL         string
	Filename    string
	MD5         string // Optional checksum
	Size        int64  // Expected size in bytes
	Description string
}

// AvailableModels Available models for download
var AvailableModels = map[string]ModelInfo{
	"pigo-facefinder": {
		Name:        "Pigo Face Detector",
		URL:         "https://raw.githubusercontent.com/esimov/pigo/master/cascade/facefinder",
		Filename:    "facefinder",
		Size:        51764, // ~50KB
		Description: "Pigo cascade used for the local face pre-check and preview overlay",
	},
	"pigo-facefinder-mirror": {
		Name:        "Pigo Face Detector (jsDelivr mirror)",
		URL:         "https://cdn.jsdelivr.net/gh/esimov/pigo@master/cascade/facefinder",
		Filename:    "facefinder",
		Size:        51764,
		Description: "Pigo cascade from the jsDelivr CDN",
	},
}

// requiredModels maps each required model to its fallback mirrors
var requiredModels = []struct {
	key     string
	mirrors []string
}{
	{key: "pigo-facefinder", mirrors: []string{"pigo-facefinder-mirror"}},
}

// DownloadProgress represents download progress
type DownloadProgress struct {
	Total      int64
	Downloaded int64
	Percentage float64
	Speed      float64 // bytes per second
	Elapsed    time.Duration
}

// ProgressCallback is called during download to report progress
type ProgressCallback func(progress DownloadProgress)

// ModelDownloader handles model file downloads
type ModelDownloader struct {
	OutputDir string
	// OnProgress replaces the default progress bar when set
	OnProgress       ProgressCallback
	Timeout          time.Duration
	SkipVerification bool
	ProxyURL         string    // SOCKS5 or HTTP proxy URL (e.g., "socks5://127.0.0.1:10808")
	Out              io.Writer // status lines and progress bar
}

// NewModelDownloader creates a new model downloader
func NewModelDownloader(outputDir string) *ModelDownloader {
	return &ModelDownloader{
		OutputDir:        outputDir,
		Timeout:          10 * time.Minute,
		SkipVerification: false,
		Out:              os.Stdout,
	}
}

// Download downloads a model by its key
func (md *ModelDownloader) Download(ctx context.Context, modelKey string) error {
	model, exists := AvailableModels[modelKey]
	if !exists {
		return fmt.Errorf("model '%s' not found in available models", modelKey)
	}

	return md.DownloadModel(ctx, model)
}

// DownloadModel downloads a specific model
func (md *ModelDownloader) DownloadModel(ctx context.Context, model ModelInfo) error {
	if err := os.MkdirAll(md.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	outputPath := filepath.Join(md.OutputDir, model.Filename)

	if md.fileExists(outputPath) {
		md.printf("File already exists: %s\n", outputPath)

		if md.SkipVerification || model.MD5 == "" {
			return nil
		}
		md.printf("Verifying existing file...\n")
		if md.verifyMD5(outputPath, model.MD5) {
			md.printf("✓ File verification passed\n")
			return nil
		}
		md.printf("✗ File verification failed, re-downloading...\n")
		os.Remove(outputPath)
	}

	md.printf("Downloading %s...\n", model.Name)
	md.printf("URL: %s\n", model.URL)
	md.printf("Output: %s\n", outputPath)

	client, err := NewHTTPClient(md.ProxyURL, md.Timeout)
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, model.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	start := time.Now()
	downloaded, err := md.downloadWithProgress(outFile, resp.Body, resp.ContentLength, model.Name)
	closeErr := outFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("download failed: %w", err)
	}

	elapsed := time.Since(start)
	speed := 0.0
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed.Seconds()
	}
	md.printf("\n✓ Download completed: %s in %s (%s)\n", formatBytes(downloaded), formatDuration(elapsed), formatSpeed(speed))

	if !md.SkipVerification && model.MD5 != "" {
		md.printf("Verifying checksum...\n")
		if !md.verifyMD5(outputPath, model.MD5) {
			os.Remove(outputPath)
			return fmt.Errorf("checksum verification failed")
		}
		md.printf("✓ Checksum verified\n")
	}

	return nil
}

// downloadWithProgress copies src to dst, reporting through OnProgress or a progress bar
func (md *ModelDownloader) downloadWithProgress(dst io.Writer, src io.Reader, totalSize int64, name string) (int64, error) {
	if md.OnProgress == nil {
		bar := progressbar.NewOptions64(totalSize,
			progressbar.OptionSetWriter(md.writer()),
			progressbar.OptionSetDescription(name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		n, err := io.Copy(io.MultiWriter(dst, bar), src)
		if err == nil {
			_ = bar.Finish()
		}
		return n, err
	}

	startTime := time.Now()
	var downloaded int64

	buffer := make([]byte, 32*1024) // 32KB buffer
	lastUpdate := time.Now()

	for {
		n, err := src.Read(buffer)
		if n > 0 {
			if _, writeErr := dst.Write(buffer[:n]); writeErr != nil {
				return downloaded, writeErr
			}
			downloaded += int64(n)

			// Update progress every 100ms
			if time.Since(lastUpdate) > 100*time.Millisecond {
				md.report(startTime, downloaded, totalSize)
				lastUpdate = time.Now()
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return downloaded, err
		}
	}

	md.report(startTime, downloaded, totalSize)
	return downloaded, nil
}

func (md *ModelDownloader) report(startTime time.Time, downloaded, totalSize int64) {
	elapsed := time.Since(startTime)
	speed := 0.0
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed.Seconds()
	}
	percentage := 0.0
	if totalSize > 0 {
		percentage = float64(downloaded) / float64(totalSize) * 100
	}

	md.OnProgress(DownloadProgress{
		Total:      totalSize,
		Downloaded: downloaded,
		Percentage: percentage,
		Speed:      speed,
		Elapsed:    elapsed,
	})
}

// fileExists checks if a file exists
func (md *ModelDownloader) fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// verifyMD5 verifies the MD5 checksum of a file
func (md *ModelDownloader) verifyMD5(path, expectedMD5 string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return false
	}

	actualMD5 := hex.EncodeToString(hash.Sum(nil))
	return actualMD5 == expectedMD5
}

func (md *ModelDownloader) writer() io.Writer {
	if md.Out == nil {
		return io.Discard
	}
	return md.Out
}

func (md *ModelDownloader) printf(format string, args ...any) {
	fmt.Fprintf(md.writer(), format, args...)
}

// DownloadRequired downloads the models needed for the local pre-check, trying mirrors in order
func (md *ModelDownloader) DownloadRequired(ctx context.Context) error {
	md.printf("Downloading required models...\n\n")

	for _, required := range requiredModels {
		err := md.Download(ctx, required.key)
		for _, mirror := range required.mirrors {
			if err == nil {
				break
			}
			md.printf("✗ %s failed (%v), trying %s...\n", required.key, err, mirror)
			err = md.Download(ctx, mirror)
		}
		if err != nil {
			return fmt.Errorf("all mirrors failed for %s: %w", required.key, err)
		}
	}

	md.printf("\n✓ Required models downloaded successfully\n")
	return nil
}

// ListAvailableModels writes all available models to w, sorted by key
func ListAvailableModels(w io.Writer) {
	keys := make([]string, 0, len(AvailableModels))
	for key := range AvailableModels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "Available models:")
	fmt.Fprintln(w)

	for _, key := range keys {
		model := AvailableModels[key]
		fmt.Fprintf(w, "Key: %s\n", key)
		fmt.Fprintf(w, "  Name: %s\n", model.Name)
		fmt.Fprintf(w, "  Description: %s\n", model.Description)
		fmt.Fprintf(w, "  Size: %s\n", formatBytes(model.Size))
		fmt.Fprintf(w, "  URL: %s\n", model.URL)
		if model.MD5 != "" {
			fmt.Fprintf(w, "  MD5: %s\n", model.MD5)
		}
		fmt.Fprintln(w)
	}
}

// GetModelPath returns the expected path for a downloaded model
func GetModelPath(outputDir, modelKey string) (string, error) {
	model, exists := AvailableModels[modelKey]
	if !exists {
		return "", fmt.Errorf("model '%s' not found", modelKey)
	}

	return filepath.Join(outputDir, model.Filename), nil
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatSpeed formats download speed
func formatSpeed(bytesPerSecond float64) string {
	return fmt.Sprintf("%s/s", formatBytes(int64(bytesPerSecond)))
}

// formatDuration formats duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
