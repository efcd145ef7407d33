package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lib-x/gender"
)

const captureHint = "Press 'c' to capture frame and detect gender"

func newWebcamCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webcam",
		Short: "Capture a webcam frame and classify it",
		Long: `Open the webcam preview. Press 'c' to capture the current frame, which is
saved to the capture file and then classified. Press Esc to quit without output.

Output is Man, Woman, Unknown or NoFace; with --raw it is "Gender: <value>"
or a retry prompt when no face was found.`,
		Args: cobra.NoArgs,
		RunE: a.runWebcam,
	}

	cmd.Flags().Bool("raw", false, "Print the API's gender value and a retry prompt when no face is found")
	cmd.Flags().Int("device", 0, "Camera device index")
	cmd.Flags().String("output", "", "Capture file (default captured.jpg)")
	cmd.Flags().Duration("timeout", 0, "Give up if nothing is captured in time, 0 waits forever (default 2m)")
	cmd.Flags().Bool("overlay", false, "Draw pigo face boxes on the preview")
	return cmd
}

func (a *app) runWebcam(cmd *cobra.Command, args []string) error {
	formatter := gender.StrictFormatter
	if mustGetBool(cmd, "raw") {
		formatter = gender.RawFormatter
	}

	device := a.cfg.Camera.Device
	if cmd.Flags().Changed("device") {
		device = mustGetInt(cmd, "device")
	}
	output := a.cfg.Camera.CaptureFile
	if v := mustGetString(cmd, "output"); v != "" {
		output = v
	}
	timeout := a.cfg.Camera.Timeout
	if cmd.Flags().Changed("timeout") {
		timeout = mustGetDuration(cmd, "timeout")
	}

	backend, err := a.backend()
	if err != nil {
		return err
	}
	client, err := a.newDeepFaceClient()
	if err != nil {
		return err
	}

	opts := []gender.CaptureOption{
		gender.WithCaptureTimeout(timeout),
		gender.WithCaptureLogger(a.logger),
	}
	if mustGetBool(cmd, "overlay") {
		detector, err := a.loadDetector()
		if err != nil {
			return err
		}
		opts = append(opts, gender.WithOverlay(detector))
	}

	fmt.Fprintln(cmd.ErrOrStderr(), captureHint)

	capturer, err := a.openCapturer(device, a.cfg.Camera.WindowTitle, output, opts...)
	if err != nil {
		return a.printFailure(cmd, formatter, err)
	}

	// webcam captures always enforce detection
	classifier := gender.NewClassifier(client,
		gender.WithBackend(backend),
		gender.WithEnforceDetection(true),
		gender.WithLogger(a.logger),
	)

	outcome, _, err := gender.CaptureAndClassify(cmd.Context(), capturer, classifier)
	switch {
	case errors.Is(err, gender.ErrAborted):
		return nil
	case errors.Is(err, context.Canceled):
		return &exitError{code: 130}
	case err != nil:
		return a.printFailure(cmd, formatter, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatter.Line(outcome))
	if outcome.Kind == gender.OutcomeFailed {
		return &exitError{code: 1}
	}
	return nil
}

// printFailure prints a capture-side failure as the result line
func (a *app) printFailure(cmd *cobra.Command, formatter gender.Formatter, err error) error {
	fmt.Fprintln(cmd.OutOrStdout(), formatter.Line(gender.NewOutcome("", err)))
	return &exitError{code: 1}
}
