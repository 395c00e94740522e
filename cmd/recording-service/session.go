package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loveretold/recording/internal/session"
	"github.com/spf13/cobra"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Create and inspect recording sessions",
		Long: `Create and inspect recording sessions.

Commands:
  new      - Generate a session ID, optionally registering it in the store
  parse    - Show the components of a session ID
  status   - Resolve a session's effective status from the store`,
	}

	sessionCmd.AddCommand(newSessionNewCommand(ctx))
	sessionCmd.AddCommand(newSessionParseCommand())
	sessionCmd.AddCommand(newSessionStatusCommand(ctx))

	return sessionCmd
}

func newSessionNewCommand(ctx *commandContext) *cobra.Command {
	var promptID, userID, storytellerID, question string
	var register bool

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a session ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			id, err := session.New(promptID, userID, storytellerID, now)
			if err != nil {
				return err
			}
			if register {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				comps := &components{cfg: cfg, logger: ctx.cliLogger()}
				store, err := comps.buildSessions(cmd.Context())
				if err != nil {
					return err
				}
				defer comps.Close()

				ttl := cfg.Sessions.TTL.Std()
				rec := session.Record{
					SessionID:    id.String(),
					Status:       session.StatusActive,
					ExpiresAt:    now.Add(ttl),
					QuestionText: question,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				switch s := store.(type) {
				case *session.RedisStore:
					err = s.Put(cmd.Context(), rec, ttl)
				case *session.PostgresStore:
					err = s.Put(cmd.Context(), rec)
				case nil:
					err = errNoSessionStore
				default:
					err = fmt.Errorf("sessions backend %q cannot register sessions", cfg.Sessions.Backend)
				}
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&promptID, "prompt", "", "Prompt ID")
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	cmd.Flags().StringVar(&storytellerID, "storyteller", "", "Storyteller ID")
	cmd.Flags().StringVar(&question, "question", "", "Question text stored with the session")
	cmd.Flags().BoolVar(&register, "register", false, "Store the session as active for the configured TTL")
	_ = cmd.MarkFlagRequired("prompt")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("storyteller")

	return cmd
}

func newSessionParseCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "parse ID",
		Short:       "Show the components of a session ID",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := session.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", session.UserMessage(err), err)
			}
			renderSessionID(cmd.OutOrStdout(), id, time.Now())
			return nil
		},
	}
}

func renderSessionID(out io.Writer, id session.ID, now time.Time) {
	created := id.CreatedAt()
	rows := [][]string{
		{"Random prefix", id.RandomPrefix},
		{"Prompt", id.PromptID},
		{"User", id.UserID},
		{"Storyteller", id.StorytellerID},
		{"Created", fmt.Sprintf("%s (%s)", created.UTC().Format(time.RFC3339), humanize.RelTime(created, now, "ago", "from now"))},
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft}))

	colorize := shouldColorize(out)
	if id.InWindow(now) {
		fmt.Fprintln(out, renderStatusLine("Timestamp", statusOK, "inside accepted window", colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Timestamp", statusError, "outside accepted window", colorize))
	}
}

func newSessionStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Resolve a session's effective status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			comps := &components{cfg: cfg, logger: ctx.cliLogger()}
			store, err := comps.buildSessions(cmd.Context())
			if err != nil {
				return err
			}
			defer comps.Close()
			if store == nil {
				return errNoSessionStore
			}

			res, checkErr := session.NewValidator(store, nil, comps.logger).Check(cmd.Context(), args[0])
			if res.Record == nil && checkErr != nil {
				return fmt.Errorf("%s: %w", session.UserMessage(checkErr), checkErr)
			}
			renderResolution(cmd.OutOrStdout(), res, checkErr == nil)
			return nil
		},
	}
}

func renderResolution(out io.Writer, res session.Resolution, recordable bool) {
	rec := res.Record
	rows := [][]string{
		{"Session", rec.SessionID},
		{"Stored status", displayStatus(rec.Status)},
		{"Effective status", displayStatus(res.Status)},
		{"Expires", rec.ExpiresAt.UTC().Format(time.RFC3339)},
		{"Upload progress", strconv.Itoa(rec.RecordingData.UploadProgress) + "%"},
		{"Chunks uploaded", strconv.Itoa(rec.RecordingData.ChunksUploaded)},
	}
	if rec.QuestionText != "" {
		rows = append(rows, []string{"Question", rec.QuestionText})
	}
	if rec.RecordingData.FileSize > 0 {
		rows = append(rows, []string{"File size", humanize.IBytes(uint64(rec.RecordingData.FileSize))})
	}
	if rec.RecordingData.MimeType != "" {
		rows = append(rows, []string{"Media type", rec.RecordingData.MimeType})
	}
	if len(rec.StoragePaths) > 0 {
		rows = append(rows, []string{"Storage paths", strings.Join(rec.StoragePaths, "\n")})
	}
	if rec.Error != nil {
		rows = append(rows, []string{"Error", fmt.Sprintf("%s: %s (retryable: %t)", rec.Error.Code, rec.Error.Message, rec.Error.Retryable)})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft}))

	colorize := shouldColorize(out)
	fmt.Fprintln(out, renderStatusLine("Status", sessionStatusKind(res.Status), res.Message, colorize))
	if recordable {
		fmt.Fprintln(out, renderStatusLine("Recordable", statusOK, "yes", colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Recordable", statusWarn, "no", colorize))
	}
}
