package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"muster/pkg/protocol"
)

// newEscalationsCmd creates the "muster escalations" subcommand.
func newEscalationsCmd(opts *globalOpts) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List tasks that exhausted their attempts",
		Long:  "Lists escalations not yet acknowledged by an operator. Use --all to include\nacknowledged ones and \"escalations ack <task-id>\" to acknowledge.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			statuses := []protocol.EscalationStatus{protocol.EscalationPending, protocol.EscalationDelivered, protocol.EscalationUndelivered}
			if all {
				statuses = nil
			}
			escs, err := st.ListEscalations(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			if len(escs) == 0 {
				p.line("no escalations")
				return nil
			}
			now := st.Now()
			rows := make([][]string, 0, len(escs))
			for _, e := range escs {
				rows = append(rows, []string{e.TaskID, orDash(e.TaskType), p.status(string(e.Status)), ago(now, e.CreatedAt), truncate(e.Reason, 80)})
			}
			p.table([]string{"TASK", "TYPE", "STATUS", "RAISED", "REASON"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include acknowledged escalations")
	cmd.AddCommand(newEscalationShowCmd(opts), newEscalationAckCmd(opts))
	return cmd
}

func newEscalationShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show an escalation with every attempt's failure",
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

			e, err := st.GetEscalation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			p.line(e.Summary())
			p.line(fmt.Sprintf("status %s, %d trail entries", p.status(string(e.Status)), len(e.Trail)))
			return nil
		},
	}
}

func newEscalationAckCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <task-id>",
		Short: "Acknowledge an escalation",
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

			if err := st.AckEscalation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", args[0])
			return nil
		},
	}
}
