package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loveretold/recording/internal/capture"
	"github.com/loveretold/recording/internal/media"
	"github.com/loveretold/recording/internal/recording"
	"github.com/loveretold/recording/internal/upload"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type recordOptions struct {
	sessionID   string
	kind        string
	progressive bool
	layout      string
	duration    time.Duration
}

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var opts recordOptions

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record from the local capture device and upload",
		Long: `Record one session from the configured capture device, then upload it.

Recording stops on Ctrl-C, after --duration, or at the configured maximum
duration. A second Ctrl-C aborts the upload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "Session ID to record")
	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "", "Media kind: audio or video (default from config)")
	cmd.Flags().BoolVar(&opts.progressive, "progressive", false, "Upload chunks while recording")
	cmd.Flags().StringVar(&opts.layout, "layout", "", "Storage layout: user-scoped or legacy (default from config)")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 records until Ctrl-C)")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func runRecord(cmd *cobra.Command, cc *commandContext, opts recordOptions) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	logger := cc.cliLogger()

	kindName := opts.kind
	if kindName == "" {
		kindName = cfg.Recording.Kind
	}
	kind, err := media.ParseKind(kindName)
	if err != nil {
		return err
	}
	layoutName := opts.layout
	if layoutName == "" {
		layoutName = cfg.Recording.Layout
	}
	layout, err := upload.ParseLayout(layoutName)
	if err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	comps, err := buildComponents(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	hotplug := startHotplug(cmd.Context(), cfg.Capture, logger)
	if hotplug != nil {
		defer hotplug.Stop()
	}
	manager, err := comps.newRecordingManager(cmd.Context(), hotplug)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
	}()

	rec, err := manager.Start(sigCtx, recording.StartRequest{
		SessionID:   opts.sessionID,
		Kind:        kind,
		Progressive: opts.progressive || cfg.Recording.Progressive,
		Layout:      layout,
	})
	if err != nil {
		return err
	}
	events, unsubscribe := rec.Subscribe()
	defer unsubscribe()

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "Recording %s to %s (Ctrl-C to stop)\n", kind, rec.Stats().MimeType)

	view := newRecordView(stderr, cfg.Recording.MaxDuration.Std())
	var timeout <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	// abortCtx ends on a second signal, once recording has been stopped
	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()

	stopping := false
	stopRecording := func() {
		if stopping {
			return
		}
		stopping = true
		stopSignals()
		go func() {
			again := make(chan os.Signal, 1)
			signal.Notify(again, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(again)
			select {
			case <-again:
				abort()
			case <-abortCtx.Done():
			}
		}()
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := manager.Stop(stopCtx, rec.SessionID()); err != nil {
			fmt.Fprintf(stderr, "Stop failed: %v\n", err)
		}
	}

	sigDone := sigCtx.Done()
loop:
	for {
		select {
		case e, ok := <-events:
			if !ok {
				break loop
			}
			view.handle(e)
		case <-sigDone:
			sigDone = nil
			stopRecording()
		case <-timeout:
			timeout = nil
			stopRecording()
		case <-abortCtx.Done():
			return context.Canceled
		}
	}
	view.finish()

	res, err := rec.Wait(abortCtx)
	if err != nil {
		return fmt.Errorf("%s: %w", userMessageOf(err), err)
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func userMessageOf(err error) string {
	var ce *capture.Error
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return upload.UserMessage(err)
}

func printResult(out io.Writer, res *upload.Result) {
	if res == nil {
		return
	}
	fmt.Fprintf(out, "Uploaded %s in %d chunk(s), %d attempt(s), %s\n",
		humanize.IBytes(uint64(res.Bytes)), res.Chunks, res.Attempts, res.Duration.Round(time.Millisecond))
	for _, path := range res.Paths {
		fmt.Fprintf(out, "  %s\n", path)
	}
	if res.URL != "" {
		fmt.Fprintf(out, "URL: %s\n", res.URL)
	}
}

// recordView renders recording and upload progress on a terminal, or plain
// milestone lines otherwise
type recordView struct {
	out         io.Writer
	interactive bool
	recording   *progressbar.ProgressBar
	uploading   *progressbar.ProgressBar
}

func newRecordView(out io.Writer, maxDuration time.Duration) *recordView {
	v := &recordView{out: out, interactive: shouldColorize(out)}
	if v.interactive {
		v.recording = progressbar.NewOptions(int(maxDuration.Seconds()),
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription("recording"),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetWidth(30),
		)
	}
	return v
}

func (v *recordView) handle(e recording.Event) {
	switch e.Type {
	case "progress":
		if v.recording != nil {
			if ms, ok := e.Data["elapsed_ms"].(int64); ok {
				_ = v.recording.Set(int(ms / 1000))
			}
		}
	case "warning":
		if ms, ok := e.Data["remaining_ms"].(int64); ok {
			v.println(fmt.Sprintf("%s remaining", time.Duration(ms)*time.Millisecond))
		}
	case "pause_state_changed":
		if paused, _ := e.Data["paused"].(bool); paused {
			v.println("paused")
		} else {
			v.println("resumed")
		}
	case recording.EventMemoryPressure:
		if msg, ok := e.Data["message"].(string); ok {
			v.println(msg)
		}
	case "complete":
		if v.recording != nil {
			_ = v.recording.Finish()
		}
		if ms, ok := e.Data["duration_ms"].(int64); ok {
			v.println(fmt.Sprintf("recorded %s", time.Duration(ms)*time.Millisecond))
		}
	case recording.EventUploadStarted:
		if v.interactive {
			v.uploading = progressbar.NewOptions(100,
				progressbar.OptionSetWriter(v.out),
				progressbar.OptionSetDescription("uploading"),
				progressbar.OptionSetWidth(30),
				progressbar.OptionClearOnFinish(),
			)
		} else {
			v.println("uploading")
		}
	case recording.EventUploadProgress:
		if pct, ok := e.Data["progress"].(int); ok {
			if v.uploading != nil {
				_ = v.uploading.Set(pct)
			} else if pct%25 == 0 {
				v.println(fmt.Sprintf("upload %d%%", pct))
			}
		}
	case recording.EventUploadFailed:
		if msg, ok := e.Data["message"].(string); ok {
			v.println("upload failed: " + msg)
		}
	}
}

func (v *recordView) println(msg string) {
	if v.interactive {
		fmt.Fprintln(v.out)
	}
	fmt.Fprintln(v.out, msg)
}

func (v *recordView) finish() {
	if v.uploading != nil {
		_ = v.uploading.Finish()
	}
}
