// Package processor manages meeting tasks for the outer surfaces: import,
// background pipeline runs, cancellation and resume after restart.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/pipeline"
	"meeting-pipeline-go/internal/store"
	"meeting-pipeline-go/internal/types"
)

var (
	ErrInvalidImport = errors.New("invalid import")
	ErrNotRunning    = errors.New("task is not running")
	ErrTaskBusy      = errors.New("task is running")
	ErrStopped       = errors.New("processor stopped")
)

// Store is the task persistence the service reads from.
type Store interface {
	SaveTask(t types.Task) error
	GetTask(id string) (types.Task, error)
	LoadTasks() ([]types.Task, error)
	DeleteTask(id string) error
	UpdateTitle(id, title string) error
}

type Action string

const (
	ActionStart   Action = "start"
	ActionRetry   Action = "retry"
	ActionRestart Action = "restart"
	ActionCheck   Action = "check"
	ActionRunFrom Action = "run_from"
)

// Job asks for one pipeline invocation on a task.
type Job struct {
	TaskID  string
	Action  Action
	Speaker types.Speaker
	Step    types.Status
}

type run struct {
	orch   *pipeline.Orchestrator
	cancel context.CancelCauseFunc
}

// Service owns the worker pool and the orchestrators of running tasks.
type Service struct {
	store  Store
	saver  pipeline.TaskSaver
	runner pipeline.StageRunner
	opts   []pipeline.Option
	log    *logger.Logger

	workers int
	queue   chan Job
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*run
	queued  map[string]bool
	stopped bool

	ctx     context.Context
	cancel  context.CancelFunc
	closers []func()
}

// New builds a service. saver receives every snapshot the pipeline produces;
// if it has a Flush method it is flushed when a run ends so the store is
// current before the next run loads the task. A nil saver gets a
// store.Persister over st, closed by Shutdown.
func New(st Store, saver pipeline.TaskSaver, runner pipeline.StageRunner, workers int, log *logger.Logger, opts ...pipeline.Option) *Service {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logger.Discard()
	}
	var closers []func()
	if saver == nil {
		p := store.NewPersister(st, log)
		saver = p
		closers = append(closers, p.Close)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:   st,
		saver:   saver,
		runner:  runner,
		opts:    append([]pipeline.Option{pipeline.WithLogger(log)}, opts...),
		log:     log,
		workers: workers,
		queue:   make(chan Job, 100),
		active:  make(map[string]*run),
		queued:  make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
		closers: closers,
	}
}

// Start launches the worker pool.
func (s *Service) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.WithField("workers", s.workers).Info("processor started")
}

// Shutdown interrupts running pipelines, leaving them resumable, and waits
// for the workers to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, c := range s.closers {
		c()
	}
	s.log.Info("processor stopped")
	return nil
}

func (s *Service) worker(n int) {
	defer s.wg.Done()
	for job := range s.queue {
		entry := s.log.WithField("worker", n).WithField("task_id", job.TaskID).WithField("action", job.Action)
		entry.Info("job picked up")
		if err := s.Run(s.ctx, job); err != nil {
			entry.WithError(err).Warn("job finished with error")
			continue
		}
		entry.Info("job finished")
	}
}

// Import records a new task from local audio files. Mixed mode takes one
// file, separated mode two (local speaker first).
func (s *Service) Import(title string, mode types.Mode, paths ...string) (types.Task, error) {
	want := 1
	switch mode {
	case types.ModeMixed:
	case types.ModeSeparated:
		want = 2
	default:
		return types.Task{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidImport, mode)
	}
	if len(paths) != want {
		return types.Task{}, fmt.Errorf("%w: %s mode needs %d file(s), got %d", ErrInvalidImport, mode, want, len(paths))
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return types.Task{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
		}
		if info.IsDir() {
			return types.Task{}, fmt.Errorf("%w: %s is a directory", ErrInvalidImport, p)
		}
	}

	t := types.NewTask(uuid.NewString(), uuid.NewString(), mode, paths...)
	t.Title = strings.TrimSpace(title)
	if t.Title == "" {
		t.Title = "Meeting " + t.CreatedAt.Local().Format("2006-01-02 15:04")
	}
	if err := s.store.SaveTask(t); err != nil {
		return types.Task{}, err
	}
	s.log.WithTask(t).Info("task imported")
	return s.store.GetTask(t.ID)
}

// Get returns the live state of a running task, else the stored one.
func (s *Service) Get(id string) (types.Task, error) {
	s.mu.Lock()
	r, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return r.orch.Task(), nil
	}
	return s.store.GetTask(id)
}

// List returns all tasks, newest first, with running tasks overlaid.
func (s *Service) List() ([]types.Task, error) {
	tasks, err := s.store.LoadTasks()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range tasks {
		if r, ok := s.active[t.ID]; ok {
			tasks[i] = r.orch.Task()
		}
	}
	return tasks, nil
}

// Running reports whether the task has a pipeline in flight.
func (s *Service) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Enqueue schedules a job on the worker pool.
func (s *Service) Enqueue(job Job) error {
	if _, err := s.store.GetTask(job.TaskID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, busy := s.active[job.TaskID]; busy || s.queued[job.TaskID] {
		return pipeline.ErrAlreadyRunning
	}
	select {
	case s.queue <- job:
		s.queued[job.TaskID] = true
		return nil
	default:
		return fmt.Errorf("queue full, try again later")
	}
}

// Run executes one job synchronously.
func (s *Service) Run(ctx context.Context, job Job) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	delete(s.queued, job.TaskID)
	if _, busy := s.active[job.TaskID]; busy {
		s.mu.Unlock()
		return pipeline.ErrAlreadyRunning
	}
	task, err := s.store.GetTask(job.TaskID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	orch := pipeline.New(task, s.runner, s.saver, s.opts...)
	s.active[job.TaskID] = &run{orch: orch, cancel: cancel}
	s.mu.Unlock()

	defer func() {
		s.flush()
		s.mu.Lock()
		delete(s.active, job.TaskID)
		s.mu.Unlock()
	}()

	start := time.Now()
	err = dispatch(ctx, orch, job)
	final := orch.Task()
	s.log.WithTask(final).
		WithField("action", job.Action).
		WithField("status", final.Status).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Info("pipeline run ended")
	return err
}

func dispatch(ctx context.Context, orch *pipeline.Orchestrator, job Job) error {
	switch job.Action {
	case ActionStart, "":
		return orch.Start(ctx)
	case ActionRetry:
		return orch.Retry(ctx, job.Speaker)
	case ActionRestart:
		return orch.Restart(ctx)
	case ActionCheck:
		return orch.CheckAgain(ctx)
	case ActionRunFrom:
		return orch.RunFrom(ctx, job.Step)
	default:
		return fmt.Errorf("unknown action %q", job.Action)
	}
}

func (s *Service) flush() {
	if f, ok := s.saver.(interface{ Flush() }); ok {
		f.Flush()
	}
}

// Cancel stops a running task. The current stage is recorded as failed so
// the task can be retried from there.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	r, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.cancel(pipeline.ErrCancelled)
	return nil
}

// Rename changes the title, going through the orchestrator when the task
// is running so the pipeline's next save keeps it.
func (s *Service) Rename(id, title string) (types.Task, error) {
	title = strings.TrimSpace(title)
	s.mu.Lock()
	r, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return r.orch.SetTitle(title), nil
	}
	if err := s.store.UpdateTitle(id, title); err != nil {
		return types.Task{}, err
	}
	return s.store.GetTask(id)
}

// Delete removes a task record. Running tasks must be cancelled first.
func (s *Service) Delete(id string) error {
	if s.Running(id) {
		return ErrTaskBusy
	}
	return s.store.DeleteTask(id)
}

// ResumePending queues every task that was interrupted mid-stage.
func (s *Service) ResumePending() (int, error) {
	tasks, err := s.store.LoadTasks()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if !Interrupted(t) {
			continue
		}
		if err := s.Enqueue(Job{TaskID: t.ID, Action: ActionStart}); err != nil {
			s.log.WithTask(t).WithError(err).Warn("resume skipped")
			continue
		}
		n++
	}
	if n > 0 {
		s.log.WithField("count", n).Info("resumed interrupted tasks")
	}
	return n, nil
}

// Interrupted reports whether any track of t stopped inside a stage.
func Interrupted(t types.Task) bool {
	for _, sp := range t.Speakers() {
		st := *t.Track(sp).Status
		if r := st.Rank(); r > types.StatusRecorded.Rank() && r < types.StatusCompleted.Rank() {
			return true
		}
	}
	return false
}

var _ Store = (*store.JSONStore)(nil)
