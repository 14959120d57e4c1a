package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"muster/pkg/agent"
	"muster/pkg/bus"
	"muster/pkg/protocol"
	"muster/pkg/runner"
)

type agentOpts struct {
	id           string
	capabilities []string
	socket       string
	dir          string
	heartbeat    time.Duration
	grace        time.Duration
}

// newAgentCmd creates the "muster agent" subcommand.
func newAgentCmd(opts *globalOpts) *cobra.Command {
	var a agentOpts

	cmd := &cobra.Command{
		Use:   "agent --capability TYPE [flags] -- COMMAND [ARGS...]",
		Short: "Run an agent that executes tasks with an external command",
		Long: "Connects to the dispatcher socket, registers the given capabilities and runs\n" +
			"COMMAND once per assigned task. The task payload is written to its stdin and\n" +
			"each stdout line is streamed to the task's result trail; the last line is\n" +
			"the completion summary. MUSTER_TASK_ID, MUSTER_TASK_TYPE, MUSTER_ATTEMPT and\n" +
			"MUSTER_CONVERSATION_ID are set in its environment.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.capabilities) == 0 {
				return &protocol.ValidationError{Field: "capability", Reason: "at least one required"}
			}
			if a.id == "" {
				host, _ := os.Hostname()
				a.id = fmt.Sprintf("%s-%s", orDefault(host, "agent"), uuid.NewString()[:8])
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if a.socket == "" {
				a.socket = cfg.SocketPath
			}
			if a.heartbeat <= 0 {
				a.heartbeat = cfg.Dispatch.HeartbeatInterval.Duration
			}
			logger, err := cfg.Log.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger = logger.With("component", "agent")

			exec := &agent.CommandExecutor{
				Name:  args[0],
				Args:  args[1:],
				Dir:   a.dir,
				Grace: a.grace,
				Git:   runner.Exec{},
			}
			w := agent.New(a.id, a.capabilities, exec,
				agent.WithLogger(logger),
				agent.WithHeartbeatInterval(a.heartbeat),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			conn, err := bus.Dial(ctx, a.socket,
				bus.WithHello(w.Hello),
				bus.WithClientLogger(logger.With("component", "bus")),
			)
			if err != nil {
				return err
			}
			defer conn.Close()
			return w.Run(ctx, conn)
		},
	}

	cmd.Flags().StringVar(&a.id, "id", "", "agent id (default: hostname plus a random suffix)")
	cmd.Flags().StringSliceVar(&a.capabilities, "capability", nil, "task type this agent can execute (repeatable)")
	cmd.Flags().StringVar(&a.socket, "socket", "", "dispatcher socket (default from config)")
	cmd.Flags().StringVar(&a.dir, "dir", "", "working directory for COMMAND (default: current directory)")
	cmd.Flags().DurationVar(&a.heartbeat, "heartbeat", 0, "heartbeat interval (default from config)")
	cmd.Flags().DurationVar(&a.grace, "grace", 10*time.Second, "time COMMAND has to exit after an interrupt")

	return cmd
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
