package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"beamhost/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	all       bool
	session   string
	source    string
	eventType string
}

// newLogsCmd creates the "beamhost logs" subcommand.
func newLogsCmd(configPath *string) *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the runtime event log",
		Long:  "Displays worker and surface lifecycle events from the event log.\nDefaults to the most recent session.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, paths, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			reader, err := eventlog.NewReader(paths.EventDB)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer reader.Close()

			opts, err := cfg.queryOpts(cmd.Context(), reader)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, opts, time.Second)
			}
			return printLogs(cmd.Context(), reader, w, opts)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().BoolVar(&cfg.all, "all", false, "show events from every session")
	cmd.Flags().StringVar(&cfg.session, "session", "", "show events from this session")
	cmd.Flags().StringVar(&cfg.source, "source", "", "filter by source (primary, monitor, registry, host)")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "filter by event type, e.g. worker_exit")

	return cmd
}

// queryOpts turns the flags into a query, resolving the latest session
// unless --all or --session is given.
func (c logsConfig) queryOpts(ctx context.Context, reader *eventlog.Reader) (eventlog.QueryOpts, error) {
	opts := eventlog.QueryOpts{
		Session:   c.session,
		Source:    c.source,
		EventType: c.eventType,
		Limit:     c.tail,
	}
	if opts.Session == "" && !c.all {
		session, err := reader.LatestSession(ctx)
		if err != nil {
			return opts, err
		}
		opts.Session = session
	}
	return opts, nil
}

// printLogs displays the last opts.Limit events in chronological order.
func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) error {
	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	st := newStyles(w, DefaultTheme())
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, st, &events[i])
	}
	return nil
}

// followLogs prints the initial batch, then polls for newer events until ctx
// is cancelled.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts, every time.Duration) error {
	st := newStyles(w, DefaultTheme())

	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	var lastID int64
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, st, &events[i])
		lastID = events[i].ID
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	poll := opts
	poll.Limit = 100
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll.AfterID = lastID
			newEvents, err := reader.Query(ctx, poll)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for i := len(newEvents) - 1; i >= 0; i-- {
				formatEvent(w, st, &newEvents[i])
				lastID = newEvents[i].ID
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, st styles, evt *eventlog.Event) {
	// Format: timestamp | source | event_type | subject | payload
	fmt.Fprintf(w, "%s | %-8s | %s | %-6s | %s\n",
		st.muted.Render(evt.CreatedAt.Format(time.DateTime)),
		evt.Source,
		st.eventStyle(evt.Type).Render(fmt.Sprintf("%-20s", evt.Type)),
		evt.Subject,
		evt.Payload)
}
