package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lib-x/gender"
)

func newModelsCmd(a *app) *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the local face detection cascade",
	}

	downloadCmd := &cobra.Command{
		Use:   "download [key...]",
		Short: "Download models (the required cascade when no key is given)",
		Long: `Download the pigo face cascade used by --precheck and --overlay.

Example:
  gender models download
  gender models download pigo-facefinder-mirror --dir ./testdata`,
		RunE: a.runModelsDownload,
	}
	downloadCmd.Flags().String("dir", "", "Output directory (default models)")
	downloadCmd.Flags().Bool("skip-verify", false, "Skip checksum verification")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List downloadable models",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			gender.ListAvailableModels(cmd.OutOrStdout())
		},
	}

	modelsCmd.AddCommand(downloadCmd, listCmd)
	return modelsCmd
}

func (a *app) runModelsDownload(cmd *cobra.Command, args []string) error {
	dir := a.cfg.Models.Dir
	if v := mustGetString(cmd, "dir"); v != "" {
		dir = v
	}

	downloader := gender.NewModelDownloader(dir)
	downloader.ProxyURL = a.cfg.API.ProxyURL
	downloader.SkipVerification = mustGetBool(cmd, "skip-verify")
	downloader.Out = cmd.OutOrStdout()

	if len(args) == 0 {
		return downloader.DownloadRequired(cmd.Context())
	}
	for _, key := range args {
		if err := downloader.Download(cmd.Context(), key); err != nil {
			return fmt.Errorf("failed to download %s: %w", key, err)
		}
	}
	return nil
}
