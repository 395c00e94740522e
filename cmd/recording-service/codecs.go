package main

import (
	"fmt"

	"github.com/loveretold/recording/internal/codec"
	"github.com/loveretold/recording/internal/media"
	"github.com/spf13/cobra"
)

func newCodecsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "codecs",
		Short: "Show which recording formats the capture pipeline would pick",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.cliLogger()
			probe := buildProbe(cmd.Context(), cfg.Capture, logger)

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			if probe == nil {
				fmt.Fprintln(out, renderStatusLine("Probe", statusWarn, "unavailable, using defaults", colorize))
			}

			var rows [][]string
			for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
				selected := codec.Select(kind, probe, logger)
				for _, mimeType := range codec.Preferences(kind) {
					supported := "no"
					if probe != nil && probe(mimeType) {
						supported = "yes"
					}
					marker := ""
					if mimeType == selected {
						marker = "*"
					}
					rows = append(rows, []string{kind.String(), mimeType, codec.Extension(mimeType), supported, marker})
				}
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Kind", "MIME type", "Ext", "Supported", "Selected"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
