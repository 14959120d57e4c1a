package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"muster/pkg/protocol"
)

func fixedSnapshot() snapshot {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return snapshot{
		Agents: []protocol.Agent{
			{ID: "a1", Status: protocol.AgentBusy, Capabilities: []string{"code"}, CurrentTaskID: "t1", LastHeartbeat: now.Add(-3 * time.Second)},
			{ID: "a2", Status: protocol.AgentIdle, Capabilities: []string{"code", "review"}, LastHeartbeat: now},
		},
		Tasks:       map[protocol.TaskStatus]int{protocol.TaskQueued: 4, protocol.TaskRunning: 1},
		Queued:      map[string]int{"code": 3, "review": 1},
		Escalations: 2,
		At:          now,
	}
}

func TestTopModel_RendersSnapshot(t *testing.T) {
	m := newTopModel(func(context.Context) (snapshot, error) { return fixedSnapshot(), nil }, time.Second)

	if v := m.View(); !strings.Contains(v, "loading") {
		t.Fatalf("initial view = %q", v)
	}

	msg := m.fetchCmd()()
	next, _ := m.Update(msg)
	v := next.View()
	for _, want := range []string{"a1", "a2", "t1", "queued 4", "running 1", "code=3", "review=1", "2 escalation(s)"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q:\n%s", want, v)
		}
	}
}

func TestTopModel_KeepsLastSnapshotOnError(t *testing.T) {
	m := newTopModel(nil, time.Second)
	next, _ := m.Update(snapshotMsg{snap: fixedSnapshot()})
	next, _ = next.Update(snapshotMsg{err: errors.New("database is locked")})

	v := next.View()
	if !strings.Contains(v, "a1") || !strings.Contains(v, "refresh failed: database is locked") {
		t.Fatalf("view:\n%s", v)
	}
}

func TestTopModel_Keys(t *testing.T) {
	m := newTopModel(func(context.Context) (snapshot, error) { return fixedSnapshot(), nil }, time.Second)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not quit")
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if _, ok := cmd().(snapshotMsg); !ok {
		t.Fatal("r did not refresh")
	}
}
