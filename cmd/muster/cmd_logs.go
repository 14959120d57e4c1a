package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"muster/pkg/eventlog"
	"muster/pkg/protocol"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	taskID         string
	agentID        string
	conversationID string
	eventType      string
	since          time.Duration
	limit          int
	follow         bool
}

// newLogsCmd creates the "muster logs" subcommand.
func newLogsCmd(opts *globalOpts) *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the lifecycle event log",
		Long:  "Displays events recorded by the dispatcher, oldest first.\nFilter by task, agent, conversation or event type, and follow new events with -f.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer st.Close()

			p := newPrinter(cmd.OutOrStdout())
			q := eventlog.QueryOpts{
				TaskID:         cfg.taskID,
				AgentID:        cfg.agentID,
				ConversationID: cfg.conversationID,
				EventType:      cfg.eventType,
				Limit:          cfg.limit,
			}
			if cfg.since > 0 {
				after := st.Now().Add(-cfg.since)
				q.After = &after
			}
			r := eventlog.NewReader(st)
			if cfg.follow {
				return followLogs(cmd.Context(), r, p, q, time.Second)
			}
			last, err := printLogs(cmd.Context(), r, p, q)
			if err != nil {
				return err
			}
			if last.IsZero() {
				p.line("no events found")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.taskID, "task", "", "only events for this task")
	cmd.Flags().StringVar(&cfg.agentID, "agent", "", "only events for this agent")
	cmd.Flags().StringVar(&cfg.conversationID, "conversation", "", "only events for tasks of this conversation")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only events of this type (e.g. assign, requeued, escalated)")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&cfg.limit, "limit", 50, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every second")

	return cmd
}

// printLogs prints the matching events oldest first and returns the
// timestamp of the newest one.
func printLogs(ctx context.Context, r *eventlog.Reader, p *printer, q eventlog.QueryOpts) (time.Time, error) {
	events, err := r.Query(ctx, q)
	if err != nil {
		return time.Time{}, err
	}
	slices.Reverse(events)
	for _, e := range events {
		formatEvent(p, e)
	}
	if len(events) == 0 {
		return time.Time{}, nil
	}
	return events[len(events)-1].CreatedAt, nil
}

// followLogs prints the initial batch, then polls for newer events until
// ctx is cancelled.
func followLogs(ctx context.Context, r *eventlog.Reader, p *printer, q eventlog.QueryOpts, every time.Duration) error {
	last, err := printLogs(ctx, r, p, q)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next := q
			next.Limit = 0
			if !last.IsZero() {
				after := last.Add(time.Nanosecond)
				next.After = &after
			}
			newest, err := printLogs(ctx, r, p, next)
			if err != nil {
				return err
			}
			if !newest.IsZero() {
				last = newest
			}
		}
	}
}

// formatEvent writes one event as a single line.
func formatEvent(p *printer, e protocol.Event) {
	line := fmt.Sprintf("%s  %-17s %-10s", e.CreatedAt.Local().Format("2006-01-02 15:04:05.000"), e.Type, e.Source)
	if e.TaskID != "" {
		line += "  task=" + e.TaskID
	}
	if e.AgentID != "" {
		line += "  agent=" + e.AgentID
	}
	if e.Payload != "" {
		line += "  " + truncate(e.Payload, 120)
	}
	p.line(line)
}
