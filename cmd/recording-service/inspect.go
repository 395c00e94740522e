package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loveretold/recording/internal/rtp"
	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "inspect FILE",
		Short:       "Summarize an RTP capture container",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			summary, err := rtp.Summarize(f)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			renderSummary(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}

func renderSummary(out io.Writer, s rtp.Summary) {
	ssrcs := make([]string, 0, len(s.SSRCs))
	for _, ssrc := range s.SSRCs {
		ssrcs = append(ssrcs, fmt.Sprintf("%#08x", ssrc))
	}

	types := s.PayloadTypes()
	keys := make([]uint8, 0, len(types))
	for pt := range types {
		keys = append(keys, pt)
	}
	slices.Sort(keys)
	payloads := make([]string, 0, len(keys))
	for _, pt := range keys {
		payloads = append(payloads, fmt.Sprintf("%d (%s)", pt, humanize.Comma(int64(types[pt]))))
	}

	rows := [][]string{
		{"Codec", s.Header.Codec},
		{"Payload type", strconv.Itoa(int(s.Header.PayloadType))},
		{"Started", s.Header.StartTime.UTC().Format(time.RFC3339)},
		{"Duration", s.Duration().Round(time.Millisecond).String()},
		{"Packets", humanize.Comma(int64(s.Packets))},
		{"Payload bytes", humanize.IBytes(uint64(s.Bytes))},
		{"Invalid packets", strconv.Itoa(s.Invalid)},
		{"SSRCs", strings.Join(ssrcs, ", ")},
		{"Payload types", strings.Join(payloads, ", ")},
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))

	colorize := shouldColorize(out)
	if s.Truncated {
		fmt.Fprintln(out, renderStatusLine("Container", statusWarn, "truncated final record", colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Container", statusOK, "complete", colorize))
	}
}
