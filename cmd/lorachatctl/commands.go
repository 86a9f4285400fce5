package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"lorachat/pkg/client"
	"lorachat/pkg/client/types"

	"github.com/spf13/cobra"
)

const maxCellWidth = 48

func formatTimestamp(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func describeQuality(q types.Quality) string {
	var b strings.Builder
	fmt.Fprintf(&b, "link=%s queue=%d busy=%t", q.LinkTier, q.QueueDepth, q.Busy)
	if q.RadioState != "" {
		fmt.Fprintf(&b, " radio=%s", q.RadioState)
	}
	if q.RSSI != nil {
		fmt.Fprintf(&b, " rssi=%.1f", *q.RSSI)
	}
	if q.SNR != nil {
		fmt.Fprintf(&b, " snr=%.1f", *q.SNR)
	}
	return b.String()
}

func qualityTable(q *types.Quality) func(io.Writer) {
	return func(w io.Writer) {
		fmt.Fprintf(w, "LINK:\t%s\n", q.LinkTier)
		fmt.Fprintf(w, "QUEUE:\t%d\n", q.QueueDepth)
		fmt.Fprintf(w, "BUSY:\t%t\n", q.Busy)
		if q.RadioState != "" {
			fmt.Fprintf(w, "RADIO:\t%s\n", q.RadioState)
		}
		if q.RSSI != nil {
			fmt.Fprintf(w, "RSSI:\t%.1f dBm\n", *q.RSSI)
		}
		if q.SNR != nil {
			fmt.Fprintf(w, "SNR:\t%.1f dB\n", *q.SNR)
		}
		if q.SampleAt != nil {
			fmt.Fprintf(w, "SAMPLED:\t%s\n", q.SampleAt.UTC().Format(time.RFC3339))
		}
	}
}

func messageRow(w io.Writer, m types.Message) {
	status := string(m.Status)
	if m.Reason != "" {
		status += " (" + m.Reason + ")"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.From, status, formatTimestamp(m.Timestamp), truncate(m.Message, maxCellWidth))
}

func newSendCmd(a *app) *cobra.Command {
	var (
		timestamp int64
		checksum  string
	)
	cmd := &cobra.Command{
		Use:   "send <message>...",
		Short: "Submit a message for delivery",
		Long: `Submit a message. Words are joined with single spaces. Sending the same text
with the same --timestamp twice returns the original receipt.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.SendRequest{
				Message:   strings.Join(args, " "),
				Timestamp: timestamp,
				Checksum:  checksum,
			}
			rc, err := a.client.Send(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
			return a.printer.print(cmd.OutOrStdout(), rc, func(w io.Writer) {
				fmt.Fprintf(w, "ID:\t%s\n", rc.ID)
				fmt.Fprintf(w, "STATUS:\t%s\n", rc.Status)
				fmt.Fprintf(w, "CHECKSUM:\t%s\n", rc.Checksum)
				if !rc.Created {
					fmt.Fprintln(w, "NOTE:\talready known to the relay")
				}
			})
		},
	}
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "logical timestamp in Unix milliseconds (default: assigned by the relay)")
	cmd.Flags().StringVar(&checksum, "checksum", "", "expected checksum; the relay rejects the message on mismatch")
	return cmd
}

func newMessagesCmd(a *app) *cobra.Command {
	var (
		cursor string
		limit  int
		all    bool
	)
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"ls"},
		Short:   "List messages in delivery order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			page := &types.MessagePage{Cursor: cursor}
			for {
				next, err := a.client.Messages(cmd.Context(), page.Cursor, limit)
				if err != nil {
					return fmt.Errorf("failed to list messages: %w", err)
				}
				page.Messages = append(page.Messages, next.Messages...)
				if next.Cursor != "" {
					page.Cursor = next.Cursor
				}
				if !all || len(next.Messages) < limit {
					break
				}
			}

			return a.printer.print(cmd.OutOrStdout(), page, func(w io.Writer) {
				if len(page.Messages) == 0 {
					fmt.Fprintln(w, "No messages.")
					return
				}
				fmt.Fprintln(w, "ID\tFROM\tSTATUS\tTIMESTAMP\tMESSAGE")
				for _, m := range page.Messages {
					messageRow(w, m)
				}
				if page.Cursor != "" {
					fmt.Fprintf(w, "\nNext cursor: %s\n", page.Cursor)
				}
			})
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this cursor")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().BoolVar(&all, "all", false, "follow cursors until the last page")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show link quality and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			return a.printer.print(cmd.OutOrStdout(), q, qualityTable(q))
		},
	}
}

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Requeue a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.client.Retry(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to retry %s: %w", args[0], err)
			}
			return a.printer.print(cmd.OutOrStdout(), m, func(w io.Writer) {
				fmt.Fprintln(w, "ID\tFROM\tSTATUS\tTIMESTAMP\tMESSAGE")
				messageRow(w, *m)
			})
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ask the relay to flush its queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.client.Sync(cmd.Context(), wait)
			if err != nil {
				return fmt.Errorf("failed to sync: %w", err)
			}
			return a.printer.print(cmd.OutOrStdout(), q, qualityTable(q))
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the flush completes")
	return cmd
}

// describeRender formats one reconciler update as a log line.
func describeRender(r client.Render) string {
	e := r.Entry
	switch r.Kind {
	case client.RenderAppend:
		dir := "<"
		if e.Mine {
			dir = ">"
		}
		return fmt.Sprintf("%s %s %s: %s [%s]", dir, formatTimestamp(e.Timestamp), e.From, e.Message, e.Status)
	case client.RenderUpdate:
		line := fmt.Sprintf("~ %s %s", e.ID, e.Status)
		if e.Reason != "" {
			line += " (" + e.Reason + ")"
		}
		return line
	case client.RenderQuality:
		if r.Quality == nil {
			return ""
		}
		return "# " + describeQuality(*r.Quality)
	case client.RenderResync:
		return "# missed events, resynchronising"
	default:
		return ""
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		useWS    bool
		pollOnly bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the conversation and link state live",
		Long: `Follow new messages, delivery updates and link changes. Uses the SSE stream by
default and falls back to polling while the stream is unavailable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			out := cmd.OutOrStdout()
			opts := []client.ReconcilerOption{
				client.WithPollInterval(interval),
				client.WithReconcilerLogger(a.logger),
				client.OnRender(func(r client.Render) {
					if line := describeRender(r); line != "" {
						fmt.Fprintln(out, line)
					}
				}),
			}
			switch {
			case pollOnly:
			case useWS:
				opts = append(opts, client.WithStream(a.client.StreamWebSocket))
			default:
				opts = append(opts, client.WithStream(a.client.Stream))
			}

			err := client.NewReconciler(a.cfg.Identity, a.client, opts...).Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&useWS, "ws", false, "use the WebSocket stream instead of SSE")
	cmd.Flags().BoolVar(&pollOnly, "poll", false, "poll only, never open a push stream")
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "poll interval while no stream is open")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lorachatctl %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		},
	}
}
