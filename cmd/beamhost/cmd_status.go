package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"beamhost/internal/config"
	"beamhost/pkg/eventlog"
	"beamhost/pkg/host"
	"beamhost/pkg/protocol"
	"beamhost/pkg/supervisor"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "beamhost status" subcommand.
func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker and session state",
		Long:  "Displays whether the workers recorded in the pid files are running,\nand a summary of the most recent session from the event log.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, paths, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			report, err := collectStatus(cmd.Context(), paths)
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

// workerStatus is what the pid file and event log say about one worker.
type workerStatus struct {
	name      string
	pid       int
	running   bool
	lastEvent string
	lastAt    time.Time
}

// statusReport summarises the latest session.
type statusReport struct {
	session   string
	started   time.Time
	ended     bool
	workers   []workerStatus
	surfaces  int
	closed    int
	destroyed int
}

// collectStatus reads the pid files and the latest session. A missing event
// log is not an error: the host has simply never run.
func collectStatus(ctx context.Context, paths config.Paths) (statusReport, error) {
	report := statusReport{
		workers: []workerStatus{
			workerFromPID(host.PrimaryName, paths.PrimaryPID),
			workerFromPID(host.MonitorName, paths.MonitorPID),
		},
	}

	if _, err := os.Stat(paths.EventDB); errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	reader, err := eventlog.NewReader(paths.EventDB)
	if err != nil {
		return report, fmt.Errorf("open event log: %w", err)
	}
	defer reader.Close()

	report.session, err = reader.LatestSession(ctx)
	if err != nil || report.session == "" {
		return report, err
	}
	events, err := reader.Query(ctx, eventlog.QueryOpts{Session: report.session})
	if err != nil {
		return report, err
	}

	// events are newest first
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		switch e.Type {
		case protocol.EvSessionStart:
			report.started = e.CreatedAt
		case protocol.EvSessionEnd:
			report.ended = true
		case protocol.EvSurfaceCreate:
			report.surfaces++
		case protocol.EvSurfaceClose:
			report.closed++
		case protocol.EvSurfaceDestroy:
			report.destroyed++
		}
		for j := range report.workers {
			w := &report.workers[j]
			if e.Source == w.name && e.Type != protocol.EvWorkerStderr {
				w.lastEvent, w.lastAt = e.Type, e.CreatedAt
			}
		}
	}
	return report, nil
}

func workerFromPID(name, pidPath string) workerStatus {
	ws := workerStatus{name: name}
	if pidPath == "" {
		return ws
	}
	pid, err := supervisor.ReadPIDFile(pidPath)
	if err != nil {
		return ws
	}
	ws.pid = pid
	ws.running = supervisor.IsProcessAlive(pid)
	return ws
}

// renderStatus writes the report.
func renderStatus(w io.Writer, r statusReport) {
	st := newStyles(w, DefaultTheme())

	fmt.Fprintln(w, st.heading.Render("workers"))
	for _, ws := range r.workers {
		state := st.muted.Render("not running")
		if ws.running {
			state = st.good.Render(fmt.Sprintf("running (pid %d)", ws.pid))
		} else if ws.pid != 0 {
			state = st.bad.Render(fmt.Sprintf("gone (pid %d)", ws.pid))
		}
		line := fmt.Sprintf("  %-8s %s", ws.name, state)
		if ws.lastEvent != "" {
			line += fmt.Sprintf("  last: %s at %s", st.eventStyle(ws.lastEvent).Render(ws.lastEvent), ws.lastAt.Format(time.DateTime))
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, st.heading.Render("session"))
	if r.session == "" {
		fmt.Fprintln(w, "  no sessions recorded")
		return
	}
	state := st.good.Render("running")
	if r.ended {
		state = st.muted.Render("ended")
	}
	fmt.Fprintf(w, "  %s %s\n", st.label.Render(r.session), state)
	if !r.started.IsZero() {
		fmt.Fprintf(w, "  started  %s\n", r.started.Format(time.DateTime))
	}
	fmt.Fprintf(w, "  surfaces %d opened, %d closed, %d lost\n", r.surfaces, r.closed, r.destroyed)
}
