package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lib-x/gender"
	"github.com/lib-x/gender/internal/config"
	"github.com/lib-x/gender/internal/logging"
)

// exitError ends the process with code after the command already wrote its output
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// app carries state shared by all subcommands of one invocation
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	// openCapturer is swapped in tests, where no camera is available
	openCapturer func(device int, title, path string, opts ...gender.CaptureOption) (*gender.Capturer, error)
}

func newApp() *app {
	return &app{
		logger:       zap.NewNop(),
		openCapturer: gender.OpenWebcam,
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gender",
		Short: "Label the perceived gender of a face in an image or webcam capture",
		Long: `gender asks a DeepFace API for the perceived gender of the first face in an
image, or in a still captured from the webcam, and prints one line:
Man, Woman, Unknown, NoFace or an error.

Start a DeepFace API first, e.g.:
  docker run -p 5005:5000 serengil/deepface`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("api-url", "", "DeepFace API base URL (default http://localhost:5005)")
	flags.String("detector-backend", "", "DeepFace detector backend (default opencv)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (default warn)")
	flags.String("proxy", "", "SOCKS5 or HTTP proxy URL, e.g. socks5://127.0.0.1:10808")

	rootCmd.AddCommand(
		newImageCmd(a),
		newWebcamCmd(a),
		newModelsCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// init loads .env, the config file and environment, then applies flag overrides
func (a *app) init(cmd *cobra.Command) error {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()

	cfg, err := config.Load(mustGetString(cmd, "config"))
	if err != nil {
		return err
	}

	if v := mustGetString(cmd, "api-url"); v != "" {
		cfg.API.URL = v
	}
	if v := mustGetString(cmd, "detector-backend"); v != "" {
		cfg.Analysis.DetectorBackend = v
	}
	if v := mustGetString(cmd, "log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := mustGetString(cmd, "proxy"); v != "" {
		cfg.API.ProxyURL = v
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) backend() (gender.DetectorBackend, error) {
	return gender.ParseBackend(a.cfg.Analysis.DetectorBackend)
}

func (a *app) newDeepFaceClient() (*gender.DeepFaceClient, error) {
	httpClient, err := gender.NewHTTPClient(a.cfg.API.ProxyURL, a.cfg.API.Timeout)
	if err != nil {
		return nil, err
	}
	return gender.NewDeepFaceClient(a.cfg.API.URL,
		gender.WithHTTPClient(httpClient),
		gender.WithRetry(a.cfg.API.Retries, 200*time.Millisecond, 2*time.Second),
		gender.WithClientLogger(a.logger),
	), nil
}

// loadDetector loads the pigo cascade from the configured models location
func (a *app) loadDetector() (*gender.FaceDetector, error) {
	path := a.cfg.CascadePath()
	detector, err := gender.NewFaceDetector(path)
	if err != nil {
		return nil, fmt.Errorf("%w (run `gender models download --dir %s`)", err, a.cfg.Models.Dir)
	}
	return detector, nil
}

// execute runs the CLI and returns the process exit code
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(newApp())
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}
