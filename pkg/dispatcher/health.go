package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"muster/pkg/protocol"
)

// Health is a point-in-time snapshot of the coordination layer.
type Health struct {
	PID           int                          `json:"pid"`
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Agents        map[protocol.AgentStatus]int `json:"agents"`
	Tasks         map[protocol.TaskStatus]int  `json:"tasks"`
	QueuedByType  map[string]int               `json:"queued_by_type"`
	PendingStops  int                          `json:"pending_stops"`
}

// Running returns the number of tasks held by agents.
func (h Health) Running() int {
	return h.Tasks[protocol.TaskAssigned] + h.Tasks[protocol.TaskRunning]
}

// Health builds a snapshot from the store.
func (d *Dispatcher) Health(ctx context.Context) (Health, error) {
	agents, err := d.registry.List(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	tasks, err := d.store.CountByStatus(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	queued, err := d.store.QueuedByType(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}

	h := Health{
		PID:           os.Getpid(),
		UptimeSeconds: d.now().Sub(d.started).Seconds(),
		Agents:        map[protocol.AgentStatus]int{},
		Tasks:         tasks,
		QueuedByType:  queued,
	}
	for _, a := range agents {
		h.Agents[a.Status]++
	}
	d.mu.Lock()
	h.PendingStops = len(d.stops)
	d.mu.Unlock()
	return h, nil
}

// HealthHandler serves Health as JSON. A store failure answers 503.
func (d *Dispatcher) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		h, err := d.Health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}
