package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/session"
	"github.com/loveretold/recording/internal/upload"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var sessionID, mimeType, layoutName string

	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a finished recording file as a single object",
		Long: `Upload a finished recording file for a session with the same retry policy
and session status updates the service uses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.cliLogger()

			id, err := session.Validate(sessionID, time.Now())
			if err != nil {
				return fmt.Errorf("%s: %w", session.UserMessage(err), err)
			}
			if layoutName == "" {
				layoutName = cfg.Recording.Layout
			}
			layout, err := upload.ParseLayout(layoutName)
			if err != nil {
				return err
			}

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read recording: %w", err)
			}
			if mimeType == "" {
				mimeType = codec.TypeForExtension(filepath.Ext(path))
			}
			if mimeType == "" {
				return fmt.Errorf("cannot infer media type of %s; pass --mime-type", filepath.Base(path))
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			comps, err := buildComponents(runCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Close()

			var onProgress upload.ProgressFunc
			stderr := cmd.ErrOrStderr()
			if shouldColorize(stderr) {
				bar := progressbar.NewOptions(100,
					progressbar.OptionSetWriter(stderr),
					progressbar.OptionSetDescription(filepath.Base(path)),
					progressbar.OptionSetWidth(30),
					progressbar.OptionClearOnFinish(),
				)
				defer func() { _ = bar.Finish() }()
				onProgress = func(pct int) { _ = bar.Set(pct) }
			}

			res, err := comps.uploads.Upload(runCtx,
				upload.Target{ID: id, Layout: layout, MimeType: mimeType},
				media.Blob{Data: data, MimeType: mimeType, Chunks: 1},
				onProgress)
			if err != nil {
				return fmt.Errorf("%s: %w", upload.UserMessage(err), err)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID the recording belongs to")
	cmd.Flags().StringVar(&mimeType, "mime-type", "", "Media type (inferred from the file extension by default)")
	cmd.Flags().StringVar(&layoutName, "layout", "", "Storage layout: user-scoped or legacy (default from config)")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}
