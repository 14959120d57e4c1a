package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"muster/pkg/protocol"
	"muster/pkg/store"
)

// newStatusCmd creates the "muster status" subcommand.
func newStatusCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show dispatcher, agent and task state",
		Long:  "Displays whether the dispatcher is running, every agent with its status\nand current task, task counts by status and pending escalations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())

			state, pid, err := Daemon(pidPath(cfg))
			if err != nil {
				return err
			}
			switch state {
			case StateRunning:
				p.line(fmt.Sprintf("dispatcher: %s (pid %d)", p.status("running"), pid))
			case StateStale:
				p.line(fmt.Sprintf("dispatcher: stale (pid %d not running)", pid))
			default:
				p.line("dispatcher: stopped")
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return printStatus(cmd.Context(), st, p)
		},
	}
}

func printStatus(ctx context.Context, st *store.Store, p *printer) error {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return err
	}
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return err
	}
	pending, err := st.ListEscalations(ctx, protocol.EscalationPending, protocol.EscalationDelivered, protocol.EscalationUndelivered)
	if err != nil {
		return err
	}

	now := st.Now()
	p.line("")
	p.line(p.title(fmt.Sprintf("Agents (%d)", len(agents))))
	if len(agents) == 0 {
		p.line("no agents registered")
	} else {
		rows := make([][]string, 0, len(agents))
		for _, a := range agents {
			rows = append(rows, []string{
				a.ID, p.status(string(a.Status)), strings.Join(a.Capabilities, ","),
				orDash(a.CurrentTaskID), ago(now, a.LastHeartbeat),
			})
		}
		p.table([]string{"AGENT", "STATUS", "CAPABILITIES", "TASK", "HEARTBEAT"}, rows)
	}

	p.line("")
	p.line(p.title("Tasks"))
	statuses := []protocol.TaskStatus{protocol.TaskQueued, protocol.TaskAssigned, protocol.TaskRunning, protocol.TaskCompleted, protocol.TaskFailed}
	row := make([]string, 0, len(statuses))
	for _, s := range statuses {
		row = append(row, strconv.Itoa(counts[s]))
	}
	headers := make([]string, 0, len(statuses))
	for _, s := range statuses {
		headers = append(headers, strings.ToUpper(string(s)))
	}
	p.table(headers, [][]string{row})

	if len(pending) > 0 {
		p.line("")
		p.line(p.title(fmt.Sprintf("Escalations awaiting ack (%d)", len(pending))))
		for _, e := range pending {
			p.line(fmt.Sprintf("  %s  %s  %s", e.TaskID, p.status(string(e.Status)), truncate(e.Reason, 80)))
		}
	}
	return nil
}

// newTasksCmd creates the "muster tasks" subcommand.
func newTasksCmd(opts *globalOpts) *cobra.Command {
	var (
		statuses     []string
		taskType     string
		conversation string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.TaskFilter{TaskType: taskType, ConversationID: conversation, Limit: limit}
			for _, s := range statuses {
				ts := protocol.TaskStatus(s)
				if !slices.Contains([]protocol.TaskStatus{protocol.TaskQueued, protocol.TaskAssigned,
					protocol.TaskRunning, protocol.TaskCompleted, protocol.TaskFailed}, ts) {
					return &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
				}
				filter.Status = append(filter.Status, ts)
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if len(tasks) == 0 {
				p.line("no tasks found")
				return nil
			}
			now := st.Now()
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, []string{
					t.ID, t.TaskType, strconv.Itoa(t.Priority), p.status(string(t.Status)),
					strconv.Itoa(t.Attempt), orDash(t.AssignedAgentID), ago(now, t.CreatedAt), truncate(orDash(t.Error), 60),
				})
			}
			p.table([]string{"ID", "TYPE", "PRIORITY", "STATUS", "ATTEMPT", "AGENT", "CREATED", "ERROR"}, rows)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (queued, assigned, running, completed, failed)")
	cmd.Flags().StringVar(&taskType, "type", "", "filter by task type")
	cmd.Flags().StringVar(&conversation, "conversation", "", "filter by conversation id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum tasks to show (0 = all)")
	return cmd
}
