package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lib-x/gender"
)

func newImageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image <path_or_url>",
		Short: "Classify the first face in an image file or URL",
		Long: `Classify the first face in an image file or URL.

Prints Man, Woman or Unknown. Any failure prints NoFace and exits 0,
unless --strict is set, in which case failures print "Error: <message>"
and exit 1.

--precheck rejects images without a local pigo detection before the API
is called. It turns on --enforce-detection.

Example:
  gender image portrait.jpg
  gender image https://example.com/portrait.jpg --detector-backend retinaface`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runImage(cmd, args[0])
		},
	}

	cmd.Flags().Bool("strict", false, "Report failures as errors instead of NoFace")
	cmd.Flags().Bool("precheck", false, "Run a local pigo face check before calling the API (implies --enforce-detection)")
	cmd.Flags().Bool("enforce-detection", false, "Ask the API to fail when no face is found")
	return cmd
}

func (a *app) runImage(cmd *cobra.Command, ref string) error {
	backend, err := a.backend()
	if err != nil {
		return err
	}
	client, err := a.newDeepFaceClient()
	if err != nil {
		return err
	}

	precheck := mustGetBool(cmd, "precheck")
	enforce := a.cfg.Analysis.EnforceDetection
	if cmd.Flags().Changed("enforce-detection") {
		enforce = mustGetBool(cmd, "enforce-detection")
	}
	if precheck {
		enforce = true
	}

	opts := []gender.ClassifierOption{
		gender.WithBackend(backend),
		gender.WithEnforceDetection(enforce),
		gender.WithLogger(a.logger),
	}
	if precheck {
		detector, err := a.loadDetector()
		if err != nil {
			return err
		}
		opts = append(opts, gender.WithPrecheck(detector))
	}

	outcome := gender.NewClassifier(client, opts...).Classify(cmd.Context(), ref)

	strict := mustGetBool(cmd, "strict")
	formatter := gender.ImageFormatter
	if strict {
		formatter = gender.StrictFormatter
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatter.Line(outcome))

	if strict && outcome.Kind == gender.OutcomeFailed {
		return &exitError{code: 1}
	}
	return nil
}
