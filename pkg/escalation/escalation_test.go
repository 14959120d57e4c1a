package escalation_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muster/pkg/config"
	"muster/pkg/escalation"
	"muster/pkg/protocol"
	"muster/pkg/runner"
)

func sampleEscalation() protocol.Escalation {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return protocol.Escalation{
		ID:       "esc-1",
		TaskID:   "task-1",
		TaskType: "code",
		Reason:   "contradicted: tests fail",
		Status:   protocol.EscalationPending,
		Attempts: []protocol.Failure{
			{TaskID: "task-1", Attempt: 1, Kind: protocol.FailureVerification, Reason: "no commits", CreatedAt: at},
			{TaskID: "task-1", Attempt: 2, Kind: protocol.FailureAgentOffline, Reason: "heartbeat timeout", CreatedAt: at},
			{TaskID: "task-1", Attempt: 3, Kind: protocol.FailureVerification, Reason: "tests fail\nline two", CreatedAt: at},
		},
		Trail: []protocol.TaskResult{{ID: "r1", TaskID: "task-1", Attempt: 3, Kind: protocol.ResultComplete, Content: "done"}},
	}
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []runner.Command
	fail  map[string]error // keyed by tmux subcommand
}

func (r *recordingRunner) Run(_ context.Context, c runner.Command) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	if len(c.Args) > 0 {
		return nil, r.fail[c.Args[0]]
	}
	return nil, nil
}

func TestTmuxSink_Escalate(t *testing.T) {
	r := &recordingRunner{}
	sink := escalation.NewTmuxSink("ops:0.1", r)

	require.NoError(t, sink.Escalate(context.Background(), sampleEscalation()))
	require.Len(t, r.calls, 4)

	assert.Equal(t, []string{"has-session", "-t", "ops"}, r.calls[0].Args)
	assert.Equal(t, "set-buffer", r.calls[1].Args[0])
	msg := r.calls[1].Args[len(r.calls[1].Args)-1]
	assert.True(t, strings.HasPrefix(msg, "[MUSTER] EXHAUSTED: task-1"), msg)
	assert.NotContains(t, msg, "\n")
	assert.Contains(t, msg, "#2 agent_offline: heartbeat timeout")
	assert.Equal(t, []string{"paste-buffer", "-b", "muster-escalate", "-t", "ops:0.1", "-d"}, r.calls[2].Args)
	assert.Equal(t, []string{"send-keys", "-t", "ops:0.1", "Enter"}, r.calls[3].Args)
	for _, c := range r.calls {
		assert.Equal(t, "tmux", c.Name)
	}
}

func TestTmuxSink_MissingSession(t *testing.T) {
	r := &recordingRunner{fail: map[string]error{"has-session": errors.New("no server running")}}
	err := escalation.NewTmuxSink("ops:0.1", r).Escalate(context.Background(), sampleEscalation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tmux session ops not found")
	assert.Len(t, r.calls, 1, "nothing is pasted into a dead session")
}

type fakeObjectStore struct {
	exists  bool
	made    []string
	objects map[string][]byte
	putErr  error
}

func (f *fakeObjectStore) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeObjectStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	f.exists = true
	return nil
}

func (f *fakeObjectStore) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(data)) != size || opts.ContentType != "application/json" {
		return minio.UploadInfo{}, errors.New("bad upload parameters")
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestArchiveSink_UploadsBundle(t *testing.T) {
	store := &fakeObjectStore{}
	sink := escalation.NewArchiveSinkWithClient(store, "escalations", "/prod/")
	esc := sampleEscalation()

	require.NoError(t, sink.Escalate(context.Background(), esc))
	assert.Equal(t, []string{"escalations"}, store.made)
	assert.Equal(t, "prod/task-1/esc-1.json", sink.ObjectName(esc))

	data, ok := store.objects["escalations/prod/task-1/esc-1.json"]
	require.True(t, ok, "objects: %v", store.objects)
	var got protocol.Escalation
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Len(t, got.Attempts, 3)
	assert.Len(t, got.Trail, 1)

	// Second upload reuses the bucket.
	require.NoError(t, sink.Escalate(context.Background(), esc))
	assert.Len(t, store.made, 1)
}

func TestArchiveSink_UploadError(t *testing.T) {
	store := &fakeObjectStore{exists: true, putErr: errors.New("access denied")}
	err := escalation.NewArchiveSinkWithClient(store, "", "").Escalate(context.Background(), sampleEscalation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewArchiveSink_RequiresEndpoint(t *testing.T) {
	_, err := escalation.NewArchiveSink(config.ArchiveConfig{})
	var ve *protocol.ValidationError
	require.ErrorAs(t, err, &ve)
}

type stubSink struct {
	name string
	err  error
	got  []protocol.Escalation
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Escalate(_ context.Context, e protocol.Escalation) error {
	s.got = append(s.got, e)
	return s.err
}

func TestMulti(t *testing.T) {
	ok := &stubSink{name: "ok"}
	bad := &stubSink{name: "bad", err: errors.New("down")}

	require.NoError(t, escalation.NewMulti(nil, bad, ok).Escalate(context.Background(), sampleEscalation()))
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1, "every sink is attempted")

	err := escalation.NewMulti(nil, bad, &stubSink{name: "bad2", err: errors.New("gone")}).Escalate(context.Background(), sampleEscalation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Contains(t, err.Error(), "bad2: gone")

	require.Error(t, escalation.NewMulti(nil).Escalate(context.Background(), sampleEscalation()))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := escalation.NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, sink.Escalate(context.Background(), sampleEscalation()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "task-1", line["task_id"])
	assert.Contains(t, line["msg"], "[MUSTER] EXHAUSTED")
}

func TestFromConfig(t *testing.T) {
	sink, err := escalation.FromConfig(config.EscalationConfig{}, &recordingRunner{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "log", sink.Name(), "falls back to logging")

	sink, err = escalation.FromConfig(config.EscalationConfig{Tmux: config.TmuxConfig{Target: "ops:0"}}, &recordingRunner{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tmux", sink.Name())

	sink, err = escalation.FromConfig(config.EscalationConfig{
		Log:     true,
		Tmux:    config.TmuxConfig{Target: "ops:0"},
		Archive: config.ArchiveConfig{Endpoint: "localhost:9000", Bucket: "esc"},
	}, &recordingRunner{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "multi", sink.Name())
}
