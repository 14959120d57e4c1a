package main

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Theme holds the CLI's colours.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default CLI theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// printer renders tables and status words, styled only on a terminal.
type printer struct {
	w      io.Writer
	styled bool
	theme  Theme
}

func newPrinter(w io.Writer) *printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	if os.Getenv("NO_COLOR") != "" {
		styled = false
	}
	return &printer{w: w, styled: styled, theme: DefaultTheme()}
}

// status colours a task, agent or escalation status.
func (p *printer) status(s string) string {
	if !p.styled {
		return s
	}
	var c lipgloss.Color
	switch s {
	case "completed", "idle", "delivered", "acked", "confirmed":
		c = p.theme.Success
	case "assigned", "running", "busy", "pending", "inconclusive":
		c = p.theme.Warning
	case "failed", "offline", "undelivered", "contradicted":
		c = p.theme.Error
	default:
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

func (p *printer) title(s string) string {
	if !p.styled {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Foreground(p.theme.Primary).Render(s)
}

// table writes rows under headers. Plain output has no border so it stays
// easy to grep.
func (p *printer) table(headers []string, rows [][]string) {
	t := table.New().Headers(headers...).Rows(rows...)
	if p.styled {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(p.theme.Muted)).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return lipgloss.NewStyle().Bold(true).Padding(0, 1)
				}
				return lipgloss.NewStyle().Padding(0, 1)
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).BorderBottom(false).BorderLeft(false).BorderRight(false).
			StyleFunc(func(int, int) lipgloss.Style { return lipgloss.NewStyle().PaddingRight(2) })
	}
	_, _ = io.WriteString(p.w, t.String()+"\n")
}

func (p *printer) line(s string) {
	_, _ = io.WriteString(p.w, s+"\n")
}

// ago renders t relative to now, "-" for the zero time.
func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String() + " ago"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
