package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"muster/pkg/eventlog"
	"muster/pkg/protocol"
	"muster/pkg/store"
)

// trailView is everything known about one task.
type trailView struct {
	Task     protocol.Task          `json:"task"`
	Failures []protocol.Failure     `json:"failures"`
	Claims   []protocol.ClaimRecord `json:"claims"`
	Results  []protocol.TaskResult  `json:"results"`
	Events   []protocol.Event       `json:"events,omitempty"`
}

// newTrailCmd creates the "muster trail" subcommand.
func newTrailCmd(opts *globalOpts) *cobra.Command {
	var (
		asJSON bool
		events bool
		chunks bool
	)

	cmd := &cobra.Command{
		Use:   "trail <task-id>",
		Short: "Show a task's result trail, claims and failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			v, err := loadTrail(cmd.Context(), st, args[0], events)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}
			printTrail(newPrinter(cmd.OutOrStdout()), v, chunks)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.Flags().BoolVar(&events, "events", false, "include the lifecycle event timeline")
	cmd.Flags().BoolVar(&chunks, "chunks", false, "include streamed chunk entries")
	return cmd
}

func loadTrail(ctx context.Context, st *store.Store, taskID string, withEvents bool) (trailView, error) {
	var (
		v   trailView
		err error
	)
	if v.Task, err = st.GetTask(ctx, taskID); err != nil {
		return v, err
	}
	if v.Failures, err = st.ListFailures(ctx, taskID); err != nil {
		return v, err
	}
	if v.Claims, err = st.ListClaims(ctx, taskID); err != nil {
		return v, err
	}
	if v.Results, err = st.ListResults(ctx, taskID); err != nil {
		return v, err
	}
	if withEvents {
		if v.Events, err = eventlog.NewReader(st).Timeline(ctx, taskID); err != nil {
			return v, err
		}
	}
	return v, nil
}

func printTrail(p *printer, v trailView, chunks bool) {
	t := v.Task
	p.line(p.title("Task " + t.ID))
	p.line(fmt.Sprintf("  type %s  priority %d  status %s  attempt %d", t.TaskType, t.Priority, p.status(string(t.Status)), t.Attempt))
	if t.ConversationID != "" {
		p.line("  conversation " + t.ConversationID)
	}
	if t.AssignedAgentID != "" {
		p.line("  agent " + t.AssignedAgentID)
	}
	if t.Error != "" {
		p.line("  error " + t.Error)
	}
	if len(t.Result) > 0 {
		p.line("  result " + truncate(string(t.Result), 200))
	}

	if len(v.Claims) > 0 {
		p.line("")
		p.line(p.title("Claims"))
		rows := make([][]string, 0, len(v.Claims))
		for _, c := range v.Claims {
			rows = append(rows, []string{strconv.Itoa(c.Attempt), c.AgentID, p.status(orDash(string(c.Outcome))), truncate(orDash(c.Reason), 80)})
		}
		p.table([]string{"ATTEMPT", "AGENT", "OUTCOME", "REASON"}, rows)
	}

	if len(v.Failures) > 0 {
		p.line("")
		p.line(p.title("Failures"))
		rows := make([][]string, 0, len(v.Failures))
		for _, f := range v.Failures {
			rows = append(rows, []string{strconv.Itoa(f.Attempt), string(f.Kind), orDash(f.AgentID), truncate(f.Reason, 80)})
		}
		p.table([]string{"ATTEMPT", "KIND", "AGENT", "REASON"}, rows)
	}

	p.line("")
	p.line(p.title("Results"))
	shown := 0
	for _, r := range v.Results {
		if r.Kind == protocol.ResultChunk && !chunks {
			continue
		}
		shown++
		p.line(fmt.Sprintf("  #%d %-9s %s", r.Attempt, r.Kind, r.Content))
	}
	if shown == 0 {
		p.line("  none")
	}

	if len(v.Events) > 0 {
		p.line("")
		p.line(p.title("Events"))
		for _, e := range v.Events {
			formatEvent(p, e)
		}
	}
}
