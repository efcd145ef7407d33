package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API      APIConfig      `yaml:"api"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Camera   CameraConfig   `yaml:"camera"`
	Models   ModelsConfig   `yaml:"models"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	URL      string        `yaml:"url"`      // DeepFace API base URL, defaults to http://localhost:5005
	Timeout  time.Duration `yaml:"timeout"`  // per request
	Retries  int           `yaml:"retries"`  // attempts for transient failures
	ProxyURL string        `yaml:"proxy_url"` // socks5:// or http(s)://, shared with the model downloader
}

type AnalysisConfig struct {
	DetectorBackend string `yaml:"detector_backend"`
	// EnforceDetection applies to static images. Webcam captures always enforce.
	EnforceDetection bool `yaml:"enforce_detection"`
}

type CameraConfig struct {
	Device      int           `yaml:"device"`
	CaptureFile string        `yaml:"capture_file"`
	Timeout     time.Duration `yaml:"timeout"` // 0 waits forever
	WindowTitle string        `yaml:"window_title"`
}

type ModelsConfig struct {
	Dir         string `yaml:"dir"`
	CascadeFile string `yaml:"cascade_file"` // defaults to <dir>/facefinder
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		API: APIConfig{
			URL:     "http://localhost:5005",
			Timeout: 30 * time.Second,
			Retries: 3,
		},
		Analysis: AnalysisConfig{
			DetectorBackend:  "opencv",
			EnforceDetection: false,
		},
		Camera: CameraConfig{
			Device:      0,
			CaptureFile: "captured.jpg",
			Timeout:     2 * time.Minute,
			WindowTitle: "Webcam - Press 'c' to capture",
		},
		Models: ModelsConfig{
			Dir: "models",
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}

// Load layers defaults, an optional YAML file and environment variables, in that order.
// The caller is expected to have loaded any .env file beforehand.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.API.URL = envString("GENDER_API_URL", c.API.URL)
	c.API.ProxyURL = envString("GENDER_PROXY_URL", c.API.ProxyURL)
	c.Analysis.DetectorBackend = envString("GENDER_DETECTOR_BACKEND", c.Analysis.DetectorBackend)
	c.Camera.CaptureFile = envString("GENDER_CAPTURE_FILE", c.Camera.CaptureFile)
	c.Models.Dir = envString("GENDER_MODELS_DIR", c.Models.Dir)
	c.Models.CascadeFile = envString("GENDER_CASCADE_FILE", c.Models.CascadeFile)
	c.Log.Level = envString("GENDER_LOG_LEVEL", c.Log.Level)
	c.API.Retries = envInt("GENDER_API_RETRIES", c.API.Retries)

	var err error
	if c.API.Timeout, err = envDuration("GENDER_API_TIMEOUT", c.API.Timeout); err != nil {
		return err
	}
	if c.Camera.Timeout, err = envDuration("GENDER_CAPTURE_TIMEOUT", c.Camera.Timeout); err != nil {
		return err
	}
	if c.Analysis.EnforceDetection, err = envBool("GENDER_ENFORCE_DETECTION", c.Analysis.EnforceDetection); err != nil {
		return err
	}

	// device 0 is valid, so envInt's positive-only rule does not apply here
	if s := os.Getenv("GENDER_CAMERA_DEVICE"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid GENDER_CAMERA_DEVICE %q", s)
		}
		c.Camera.Device = n
	}
	return nil
}

// CascadePath returns the pigo cascade location, falling back to the models dir.
func (c *Config) CascadePath() string {
	if c.Models.CascadeFile != "" {
		return c.Models.CascadeFile
	}
	return strings.TrimSuffix(c.Models.Dir, "/") + "/facefinder"
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}
