package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"muster/pkg/protocol"
	"muster/pkg/queue"
	"muster/pkg/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueue_Validation(t *testing.T) {
	s := newStore(t)
	q := queue.New(s)
	ctx := context.Background()

	tests := []struct {
		name string
		task protocol.Task
	}{
		{"missing type", protocol.Task{Priority: 1, Payload: json.RawMessage(`{}`)}},
		{"missing payload", protocol.Task{TaskType: "code", Priority: 1}},
		{"bad payload", protocol.Task{TaskType: "code", Priority: 1, Payload: json.RawMessage(`{`)}},
		{"zero priority", protocol.Task{TaskType: "code", Payload: json.RawMessage(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.task)
			var ve *protocol.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if n, _ := q.Depth(ctx); n != 0 {
		t.Fatalf("invalid tasks were persisted: depth %d", n)
	}
}

func TestSubmit_NotifiesAndQueues(t *testing.T) {
	s := newStore(t)
	var woke atomic.Int32
	q := queue.New(s, queue.WithNotify(func() { woke.Add(1) }))
	ctx := context.Background()

	id, err := q.Submit(ctx, "conv-1", "code", 3, json.RawMessage(`{"prompt":"x"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatal("expected task id")
	}
	if woke.Load() != 1 {
		t.Fatalf("notify called %d times", woke.Load())
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != protocol.TaskQueued || task.ConversationID != "conv-1" || task.Attempt != 0 {
		t.Fatalf("task = %+v", task)
	}
	types, _ := q.TaskTypes(ctx)
	if len(types) != 1 || types[0] != "code" {
		t.Fatalf("TaskTypes = %v", types)
	}
}

func TestClaimNext_OrderAndRelease(t *testing.T) {
	s := newStore(t)
	q := queue.New(s)
	ctx := context.Background()

	low, _ := q.Submit(ctx, "", "code", 5, json.RawMessage(`{}`))
	high, _ := q.Submit(ctx, "", "code", 1, json.RawMessage(`{}`))

	task, ok, err := q.ClaimNext(ctx, "a1", []string{"code"})
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if task.ID != high {
		t.Fatalf("claimed %s, want priority-1 task %s", task.ID, high)
	}

	if err := q.Release(ctx, task, "agent vanished"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, ok, _ := q.ClaimNext(ctx, "a2", []string{"code"})
	if !ok || again.ID != high || again.Attempt != 1 {
		t.Fatalf("released task not reclaimable first: %+v", again)
	}
	next, ok, _ := q.ClaimNext(ctx, "a3", []string{"code"})
	if !ok || next.ID != low {
		t.Fatalf("expected %s, got %+v", low, next)
	}
	if _, ok, err := q.ClaimNext(ctx, "a4", []string{"code"}); ok || err != nil {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}
}

func TestClaimNext_ConcurrentExactlyOnce(t *testing.T) {
	s := newStore(t)
	q := queue.New(s)
	ctx := context.Background()

	const tasks = 20
	for range tasks {
		if _, err := q.Submit(ctx, "", "code", 1, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	for w := range 5 {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				task, ok, err := q.ClaimNext(ctx, "agent", []string{"code"})
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				if !ok {
					if n, _ := q.Depth(ctx); n == 0 {
						return
					}
					continue
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claimed) != tasks {
		t.Fatalf("claimed %d distinct tasks, want %d", len(claimed), tasks)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("task %s claimed %d times", id, n)
		}
	}
}
