package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"muster/pkg/protocol"
	"muster/pkg/store"
)

// newTopCmd creates the "muster top" subcommand.
func newTopCmd(opts *globalOpts) *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live view of agents, queue depth and escalations",
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

			m := newTopModel(storeSnapshot(st), refresh)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 2*time.Second, "refresh interval")
	return cmd
}

// snapshot is one refresh of the top view.
type snapshot struct {
	Agents      []protocol.Agent
	Tasks       map[protocol.TaskStatus]int
	Queued      map[string]int
	Escalations int
	At          time.Time
}

type fetchFunc func(ctx context.Context) (snapshot, error)

func storeSnapshot(st *store.Store) fetchFunc {
	return func(ctx context.Context) (snapshot, error) {
		var (
			s   snapshot
			err error
		)
		if s.Agents, err = st.ListAgents(ctx); err != nil {
			return s, err
		}
		if s.Tasks, err = st.CountByStatus(ctx); err != nil {
			return s, err
		}
		if s.Queued, err = st.QueuedByType(ctx); err != nil {
			return s, err
		}
		escs, err := st.ListEscalations(ctx, protocol.EscalationPending, protocol.EscalationDelivered, protocol.EscalationUndelivered)
		if err != nil {
			return s, err
		}
		s.Escalations = len(escs)
		s.At = st.Now()
		return s, nil
	}
}

// tickMsg triggers a refresh.
type tickMsg time.Time

// snapshotMsg carries a finished refresh.
type snapshotMsg struct {
	snap snapshot
	err  error
}

// topModel is the Bubble Tea model behind "muster top".
type topModel struct {
	fetch   fetchFunc
	refresh time.Duration
	theme   Theme
	agents  table.Model
	snap    snapshot
	err     error
	loaded  bool
}

func newTopModel(fetch fetchFunc, refresh time.Duration) topModel {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "AGENT", Width: 20},
			{Title: "STATUS", Width: 8},
			{Title: "CAPABILITIES", Width: 20},
			{Title: "TASK", Width: 36},
			{Title: "HEARTBEAT", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	t.SetStyles(styles)
	return topModel{fetch: fetch, refresh: refresh, theme: DefaultTheme(), agents: t}
}

func (m topModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := m.fetch(ctx)
		return snapshotMsg{snap: s, err: err}
	}
}

func (m topModel) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

// Update implements tea.Model.
func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tea.WindowSizeMsg:
		m.agents.SetHeight(max(3, msg.Height-9))
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap, m.loaded = msg.snap, true
			m.agents.SetRows(agentRows(msg.snap))
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.agents, cmd = m.agents.Update(msg)
	return m, cmd
}

func agentRows(s snapshot) []table.Row {
	rows := make([]table.Row, 0, len(s.Agents))
	for _, a := range s.Agents {
		rows = append(rows, table.Row{
			a.ID, string(a.Status), strings.Join(a.Capabilities, ","), orDash(a.CurrentTaskID), ago(s.At, a.LastHeartbeat),
		})
	}
	return rows
}

// View implements tea.Model.
func (m topModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)

	var b strings.Builder
	b.WriteString(title.Render("muster top"))
	if m.loaded {
		b.WriteString(muted.Render("  " + m.snap.At.Local().Format("15:04:05")))
	}
	b.WriteString("\n\n")

	if !m.loaded {
		if m.err != nil {
			b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Error).Render("error: " + m.err.Error()))
		} else {
			b.WriteString("loading…")
		}
		b.WriteString("\n")
		return b.String()
	}

	t := m.snap.Tasks
	fmt.Fprintf(&b, "tasks  queued %d  assigned %d  running %d  completed %d  failed %d\n",
		t[protocol.TaskQueued], t[protocol.TaskAssigned], t[protocol.TaskRunning], t[protocol.TaskCompleted], t[protocol.TaskFailed])
	if len(m.snap.Queued) > 0 {
		types := make([]string, 0, len(m.snap.Queued))
		for typ := range m.snap.Queued {
			types = append(types, typ)
		}
		slices.Sort(types)
		parts := make([]string, 0, len(types))
		for _, typ := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", typ, m.snap.Queued[typ]))
		}
		b.WriteString("queue  " + strings.Join(parts, "  ") + "\n")
	}
	if m.snap.Escalations > 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Warning).
			Render(fmt.Sprintf("%d escalation(s) awaiting ack", m.snap.Escalations)) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(m.agents.View())
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Error).Render("refresh failed: "+m.err.Error()) + "\n")
	}
	b.WriteString(muted.Render("↑/↓ select • r refresh • q quit"))
	return b.String()
}
