package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/pipeline"
	"meeting-pipeline-go/internal/store"
	"meeting-pipeline-go/internal/types"
)

// stubRunner completes every stage unless fn overrides it.
type stubRunner struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, st pipeline.Stage) (pipeline.Outcome, bool)
}

func (r *stubRunner) Run(ctx context.Context, st pipeline.Stage, task types.Task) pipeline.Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, st.String())
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		if out, ok := fn(ctx, st); ok {
			return out
		}
	}
	return pipeline.Outcome{Kind: pipeline.Done, Apply: func(t *types.Task) {
		if st.Kind == pipeline.Poll {
			*t.Track(st.Speaker).Transcript = "hello from " + st.Speaker.Slot()
		}
	}}
}

func (r *stubRunner) setFn(fn func(ctx context.Context, st pipeline.Stage) (pipeline.Outcome, bool)) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

type harness struct {
	svc    *Service
	store  *store.JSONStore
	runner *stubRunner
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	log := logger.Discard()
	p := store.NewPersister(st, log)
	t.Cleanup(p.Close)
	r := &stubRunner{}
	svc := New(st, p, r, 2, log, pipeline.WithPollInterval(time.Millisecond), pipeline.WithPollAttempts(3))
	return &harness{svc: svc, store: st, runner: r, dir: dir}
}

func (h *harness) audio(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	if err := os.WriteFile(p, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestImportValidates(t *testing.T) {
	h := newHarness(t)
	a := h.audio(t, "a.m4a")

	cases := []struct {
		name  string
		mode  types.Mode
		paths []string
	}{
		{"unknown mode", types.Mode("stereo"), []string{a}},
		{"mixed needs one", types.ModeMixed, []string{a, a}},
		{"separated needs two", types.ModeSeparated, []string{a}},
		{"missing file", types.ModeMixed, []string{filepath.Join(h.dir, "nope.m4a")}},
		{"directory", types.ModeMixed, []string{h.dir}},
	}
	for _, tc := range cases {
		if _, err := h.svc.Import("x", tc.mode, tc.paths...); !errors.Is(err, ErrInvalidImport) {
			t.Fatalf("%s: err = %v, want ErrInvalidImport", tc.name, err)
		}
	}
}

func TestImportDefaultsTitle(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("  ", types.ModeSeparated, h.audio(t, "1.m4a"), h.audio(t, "2.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if task.ID == "" || task.RecordingID == "" || task.ID == task.RecordingID {
		t.Fatalf("ids not assigned: %+v", task)
	}
	if task.Title == "" {
		t.Fatal("expected a default title")
	}
	if task.Speaker1.Status != types.StatusRecorded || task.Speaker2.Status != types.StatusRecorded {
		t.Fatalf("tracks not recorded: %+v", task)
	}
}

func TestRunCompletesAndPersists(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("standup", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := h.svc.Run(context.Background(), Job{TaskID: task.ID, Action: ActionStart}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := h.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusCompleted || got.Transcript != "hello from mixed" {
		t.Fatalf("stored task = %+v", got)
	}
	if h.svc.Running(task.ID) {
		t.Fatal("task still marked running")
	}
}

// TestRetryLoadsLatestSnapshot checks that a retry right after a failed run
// resumes from the failed step rather than from a stale record.
func TestRetryLoadsLatestSnapshot(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	h.runner.setFn(func(ctx context.Context, st pipeline.Stage) (pipeline.Outcome, bool) {
		if st.Kind == pipeline.Upload {
			return pipeline.Outcome{Kind: pipeline.Failed, Failure: &pipeline.Failure{
				Domain: pipeline.DomainPipeline, Code: pipeline.CodeTransport, Message: "bucket down",
			}}, true
		}
		return pipeline.Outcome{}, false
	})
	if err := h.svc.Run(context.Background(), Job{TaskID: task.ID}); err == nil {
		t.Fatal("expected upload failure")
	}
	got, _ := h.store.GetTask(task.ID)
	if got.Status != types.StatusFailed || got.FailedStep != types.StatusUploading {
		t.Fatalf("after failure: status=%q failedStep=%q", got.Status, got.FailedStep)
	}

	h.runner.setFn(nil)
	h.runner.mu.Lock()
	h.runner.calls = nil
	h.runner.mu.Unlock()
	if err := h.svc.Run(context.Background(), Job{TaskID: task.ID, Action: ActionRetry}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	h.runner.mu.Lock()
	first := h.runner.calls[0]
	h.runner.mu.Unlock()
	if first != "upload[mixed]" {
		t.Fatalf("retry started at %s, want upload[mixed]", first)
	}
	got, _ = h.store.GetTask(task.ID)
	if got.Status != types.StatusCompleted || got.LastError != "" {
		t.Fatalf("after retry: %+v", got)
	}
}

func TestCancelRecordsFailure(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	entered := make(chan struct{})
	h.runner.setFn(func(ctx context.Context, st pipeline.Stage) (pipeline.Outcome, bool) {
		if st.Kind == pipeline.Transcode {
			close(entered)
			<-ctx.Done()
			return pipeline.Outcome{Kind: pipeline.Failed, Failure: &pipeline.Failure{Message: ctx.Err().Error()}}, true
		}
		return pipeline.Outcome{}, false
	})

	errc := make(chan error, 1)
	go func() { errc <- h.svc.Run(context.Background(), Job{TaskID: task.ID}) }()
	<-entered
	if err := h.svc.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := <-errc; !errors.Is(err, pipeline.ErrCancelled) {
		t.Fatalf("run err = %v, want ErrCancelled", err)
	}
	got, _ := h.store.GetTask(task.ID)
	if got.Status != types.StatusFailed || got.FailedStep != types.StatusTranscoding {
		t.Fatalf("after cancel: status=%q failedStep=%q", got.Status, got.FailedStep)
	}
	if err := h.svc.Cancel(task.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestRunRejectsConcurrentInvocation(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	h.runner.setFn(func(ctx context.Context, st pipeline.Stage) (pipeline.Outcome, bool) {
		if st.Kind == pipeline.Transcode {
			close(entered)
			<-release
		}
		return pipeline.Outcome{}, false
	})
	errc := make(chan error, 1)
	go func() { errc <- h.svc.Run(context.Background(), Job{TaskID: task.ID}) }()
	<-entered

	if err := h.svc.Run(context.Background(), Job{TaskID: task.ID}); !errors.Is(err, pipeline.ErrAlreadyRunning) {
		t.Fatalf("second run err = %v", err)
	}
	if err := h.svc.Delete(task.ID); !errors.Is(err, ErrTaskBusy) {
		t.Fatalf("delete while running err = %v", err)
	}
	renamed, err := h.svc.Rename(task.ID, "renamed live")
	if err != nil || renamed.Title != "renamed live" {
		t.Fatalf("rename while running: %+v %v", renamed, err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first run: %v", err)
	}
	got, _ := h.store.GetTask(task.ID)
	if got.Title != "renamed live" || got.Status != types.StatusCompleted {
		t.Fatalf("final = %+v", got)
	}
}

func TestRenameAndDelete(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("old", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := h.svc.Rename(task.ID, " new ")
	if err != nil || got.Title != "new" {
		t.Fatalf("rename = %+v, %v", got, err)
	}
	if err := h.svc.Delete(task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.svc.Get(task.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}

func TestInterrupted(t *testing.T) {
	mixed := types.NewTask("a", "r", types.ModeMixed, "x")
	if Interrupted(mixed) {
		t.Fatal("recorded task is not interrupted")
	}
	mixed.Status = types.StatusPolling
	if !Interrupted(mixed) {
		t.Fatal("polling task is interrupted")
	}
	mixed.Status = types.StatusFailed
	if Interrupted(mixed) {
		t.Fatal("failed task waits for a retry")
	}

	sep := types.NewTask("b", "r", types.ModeSeparated, "x", "y")
	sep.Status = types.StatusFailed
	sep.Speaker1.Status = types.StatusCompleted
	sep.Speaker2.Status = types.StatusUploading
	if !Interrupted(sep) {
		t.Fatal("separated task with an uploading track is interrupted")
	}
}

func TestResumePendingRunsOnWorkers(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	task.Status = types.StatusUploaded
	task.AudioPath = "/audio/mixed_48k.m4a"
	task.ObjectURL = "https://bucket/mixed.m4a"
	if err := h.store.SaveTask(task); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := h.svc.Import("", types.ModeMixed, h.audio(t, "b.m4a")); err != nil {
		t.Fatalf("import: %v", err)
	}

	n, err := h.svc.ResumePending()
	if err != nil || n != 1 {
		t.Fatalf("ResumePending = %d, %v", n, err)
	}
	h.svc.Start()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := h.svc.Get(task.ID)
		if got.Status == types.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.svc.Enqueue(Job{TaskID: task.ID}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after shutdown err = %v", err)
	}

	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	for _, c := range h.runner.calls {
		if c == "transcode[mixed]" || c == "upload[mixed]" {
			t.Fatalf("resumed task re-ran %s", c)
		}
	}
}

// TestShutdownLeavesTaskResumable interrupts a running stage and expects
// the track to stay in its running position.
func TestShutdownLeavesTaskResumable(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	entered := make(chan struct{})
	h.runner.setFn(func(ctx context.Context, st pipeline.Stage) (pipeline.Outcome, bool) {
		if st.Kind == pipeline.Transcode {
			close(entered)
			<-ctx.Done()
			return pipeline.Outcome{Kind: pipeline.Failed, Failure: &pipeline.Failure{Message: "interrupted"}}, true
		}
		return pipeline.Outcome{}, false
	})
	h.svc.Start()
	if err := h.svc.Enqueue(Job{TaskID: task.ID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got, _ := h.store.GetTask(task.ID)
	if got.Status != types.StatusTranscoding || got.FailedStep != "" {
		t.Fatalf("after shutdown: status=%q failedStep=%q", got.Status, got.FailedStep)
	}
	if !Interrupted(got) {
		t.Fatal("expected task to be picked up by ResumePending")
	}
}

// TestNilSaverUsesPersister keeps store writes off the orchestrator lock.
func TestNilSaverUsesPersister(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	svc := New(st, nil, &stubRunner{}, 1, logger.Discard())
	if _, ok := svc.saver.(*store.Persister); !ok {
		t.Fatalf("saver = %T, want *store.Persister", svc.saver)
	}

	audio := filepath.Join(dir, "a.m4a")
	if err := os.WriteFile(audio, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	task, err := svc.Import("", types.ModeMixed, audio)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := svc.Run(context.Background(), Job{TaskID: task.ID}); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := st.GetTask(task.ID)
	if got.Status != types.StatusCompleted {
		t.Fatalf("stored status = %q, want completed", got.Status)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

// TestEnqueueRejectsQueuedTask refuses a second job while the first waits.
func TestEnqueueRejectsQueuedTask(t *testing.T) {
	h := newHarness(t)
	task, err := h.svc.Import("", types.ModeMixed, h.audio(t, "a.m4a"))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := h.svc.Enqueue(Job{TaskID: task.ID}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := h.svc.Enqueue(Job{TaskID: task.ID, Action: ActionRestart}); !errors.Is(err, pipeline.ErrAlreadyRunning) {
		t.Fatalf("second enqueue err = %v, want ErrAlreadyRunning", err)
	}

	h.svc.Start()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := h.svc.Get(task.ID)
		if got.Status == types.StatusCompleted && !h.svc.Running(task.ID) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := h.svc.Enqueue(Job{TaskID: task.ID, Action: ActionCheck}); err != nil {
		t.Fatalf("enqueue after run: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	h.runner.mu.Lock()
	defer h.runner.mu.Unlock()
	for _, c := range h.runner.calls {
		if c == "transcode[mixed]" {
			return
		}
	}
	t.Fatalf("queued start never ran: %v", h.runner.calls)
}
