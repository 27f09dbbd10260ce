package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meeting-pipeline-go/internal/transcription"
	"meeting-pipeline-go/internal/types"
)

// memSaver records every persisted snapshot.
type memSaver struct {
	mu    sync.Mutex
	saves []types.Task
}

func (s *memSaver) SaveTask(t types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, t)
	return nil
}

func (s *memSaver) all() []types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Task(nil), s.saves...)
}

// scriptRunner answers stage attempts with an injected function and
// records the order of calls.
type scriptRunner struct {
	mu    sync.Mutex
	calls []Stage
	fn    func(ctx context.Context, st Stage, t types.Task) Outcome
}

func (r *scriptRunner) Run(ctx context.Context, st Stage, t types.Task) Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, st)
	r.mu.Unlock()
	if r.fn == nil {
		return succeed(st)
	}
	return r.fn(ctx, st, t)
}

func (r *scriptRunner) called() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.calls...)
}

// succeed produces a plausible successful update for st.
func succeed(st Stage) Outcome {
	return done(func(t *types.Task) {
		ref := t.Track(st.Speaker)
		switch st.Kind {
		case Transcode:
			*ref.AudioPath = "/audio/" + st.Speaker.Slot() + "_48k.m4a"
		case Upload:
			*ref.ObjectURL = "https://bucket/" + st.Speaker.Slot() + ".m4a"
		case CreateRemoteTask:
			*ref.RemoteTaskID = "remote-" + st.Speaker.Slot()
		case Poll:
			*ref.Transcript = "text from " + st.Speaker.Slot()
		}
	})
}

// fakeTranscoder copies input to output.
type fakeTranscoder struct {
	err   error
	calls int
}

func (f *fakeTranscoder) Convert(ctx context.Context, in, out string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	src, err := os.Open(in)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(out)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

type fakeObjects struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeObjects) Upload(ctx context.Context, localPath, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.err != nil {
		return "", f.err
	}
	return "https://bucket.example/" + key, nil
}

// fakeRemote serves scripted status lookups; the last one repeats.
type fakeRemote struct {
	mu        sync.Mutex
	createID  string
	createErr error
	statuses  []transcription.TaskInfo
	statusErr error
	artifacts map[string]any
	fetchErrs map[string]error
	polls     int
	created   []string
}

func (f *fakeRemote) CreateTask(ctx context.Context, fileURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, fileURL)
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.createID, nil
}

func (f *fakeRemote) GetStatus(ctx context.Context, taskID string) (transcription.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return transcription.TaskInfo{}, f.statusErr
	}
	if len(f.statuses) == 0 {
		return transcription.TaskInfo{State: transcription.StateRunning}, nil
	}
	i := f.polls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeRemote) FetchJSON(ctx context.Context, url string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErrs[url]; err != nil {
		return nil, err
	}
	v, ok := f.artifacts[url]
	if !ok {
		return nil, errors.New("not found: " + url)
	}
	return v, nil
}

func (f *fakeRemote) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func running() transcription.TaskInfo {
	return transcription.TaskInfo{State: transcription.StateRunning, Data: map[string]any{"TaskStatus": "ONGOING"}}
}

func succeeded(result map[string]any) transcription.TaskInfo {
	return transcription.TaskInfo{State: transcription.StateSuccess, Data: map[string]any{
		"TaskStatus": "COMPLETED",
		"TaskKey":    "key-1",
		"Result":     result,
	}}
}

func mixedTask(path string) types.Task {
	t := types.NewTask("task-1", "rec-1", types.ModeMixed, path)
	t.CreatedAt = time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	return t
}

func separatedTask(p1, p2 string) types.Task {
	t := types.NewTask("task-2", "rec-2", types.ModeSeparated, p1, p2)
	t.CreatedAt = time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	return t
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func stageNames(stages []Stage) []string {
	out := make([]string, 0, len(stages))
	for _, st := range stages {
		out = append(out, st.String())
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkFailedStepConsistent asserts failedStep is set iff status is failed
// in every scope of every snapshot.
func checkFailedStepConsistent(t *testing.T, saves []types.Task) {
	t.Helper()
	for i, s := range saves {
		scopes := []struct {
			name   string
			status types.Status
			step   types.Status
		}{
			{"task", s.Status, s.FailedStep},
			{"speaker1", s.Speaker1.Status, s.Speaker1.FailedStep},
			{"speaker2", s.Speaker2.Status, s.Speaker2.FailedStep},
		}
		for _, sc := range scopes {
			if (sc.status == types.StatusFailed) != (sc.step != "") {
				t.Fatalf("snapshot %d %s: status=%q failedStep=%q", i, sc.name, sc.status, sc.step)
			}
		}
	}
}
