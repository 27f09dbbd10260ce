// Package pipeline drives a meeting task through transcode, upload, remote
// task creation and polling, resuming from wherever the task left off.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/transcript"
	"meeting-pipeline-go/internal/types"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollAttempts = 60
)

var errPending = errors.New("remote task still running")

// TaskSaver persists task snapshots. Orchestrators call it with their lock
// held, so it must not block on I/O; store.Persister is the usual choice.
type TaskSaver interface {
	SaveTask(t types.Task) error
}

type Option func(*Orchestrator)

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.pollInterval = d
		}
	}
}

// WithPollAttempts sets how many pending results a stage may return before
// it times out.
func WithPollAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pollAttempts = n
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// Orchestrator owns one task while it moves through the pipeline. Every
// change to the task goes through mutate, which is the only writer.
type Orchestrator struct {
	runner StageRunner
	saver  TaskSaver
	log    *logger.Logger

	pollInterval time.Duration
	pollAttempts int

	mu      sync.Mutex
	task    types.Task
	running atomic.Bool
}

func New(task types.Task, runner StageRunner, saver TaskSaver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:       runner,
		saver:        saver,
		log:          logger.Discard(),
		pollInterval: DefaultPollInterval,
		pollAttempts: DefaultPollAttempts,
		task:         task,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Task returns a snapshot of the current task state.
func (o *Orchestrator) Task() types.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.task
}

// Running reports whether an invocation is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// SetTitle renames the task without disturbing a running pipeline.
func (o *Orchestrator) SetTitle(title string) types.Task {
	return o.mutate(func(t *types.Task) { t.Title = title })
}

// Start runs every track of the task from where it left off.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.Retry(ctx, types.Mixed)
}

// Retry resumes from the recorded failed step. In separated mode speaker
// selects one track; types.Mixed retries both. Fusion runs afterwards either
// way.
func (o *Orchestrator) Retry(ctx context.Context, speaker types.Speaker) error {
	return o.invoke(func() error { return o.resume(ctx, speaker) })
}

func (o *Orchestrator) resume(ctx context.Context, speaker types.Speaker) error {
	snap := o.Task()
	if snap.Mode != types.ModeSeparated {
		if speaker != types.Mixed {
			return ErrBadSpeaker
		}
		return o.runTrack(ctx, types.Mixed, ResumePoint(snap.Status, snap.FailedStep))
	}
	var speakers []types.Speaker
	switch speaker {
	case types.Mixed:
		speakers = snap.Speakers()
	case types.Speaker1, types.Speaker2:
		speakers = []types.Speaker{speaker}
	default:
		return ErrBadSpeaker
	}
	from := make(map[types.Speaker]types.Status, len(speakers))
	for _, sp := range speakers {
		ref := snap.Track(sp)
		from[sp] = ResumePoint(*ref.Status, *ref.FailedStep)
	}
	return o.runSeparated(ctx, from)
}

// RunFrom runs every track from step, regardless of recorded progress.
// Completed tracks are still skipped unless step is polling.
func (o *Orchestrator) RunFrom(ctx context.Context, step types.Status) error {
	if step.Rank() < 0 {
		return fmt.Errorf("cannot run from status %q", step)
	}
	return o.invoke(func() error {
		snap := o.Task()
		if snap.Mode != types.ModeSeparated {
			return o.runTrack(ctx, types.Mixed, step)
		}
		from := make(map[types.Speaker]types.Status, 2)
		for _, sp := range snap.Speakers() {
			from[sp] = step
		}
		return o.runSeparated(ctx, from)
	})
}

// CheckAgain re-polls the remote task even when the track already completed.
func (o *Orchestrator) CheckAgain(ctx context.Context) error {
	return o.RunFrom(ctx, types.StatusPolling)
}

// Restart clears everything the pipeline produced and runs from the start.
func (o *Orchestrator) Restart(ctx context.Context) error {
	return o.invoke(func() error {
		snap := o.mutate(func(t *types.Task) { t.Reset() })
		o.log.WithTask(snap).Info("task reset")
		return o.resume(ctx, types.Mixed)
	})
}

func (o *Orchestrator) invoke(fn func() error) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)
	return fn()
}

func (o *Orchestrator) mutate(fn func(*types.Task)) types.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.task)
	snap := o.task
	if o.saver != nil {
		if err := o.saver.SaveTask(snap); err != nil {
			o.log.WithTask(snap).WithError(err).Error("persist task")
		}
	}
	return snap
}

func (o *Orchestrator) runSeparated(ctx context.Context, from map[types.Speaker]types.Status) error {
	var wg sync.WaitGroup
	errs := make([]error, len(from))
	i := 0
	for sp, step := range from {
		wg.Add(1)
		go func(i int, sp types.Speaker, step types.Status) {
			defer wg.Done()
			errs[i] = o.runTrack(ctx, sp, step)
		}(i, sp, step)
		i++
	}
	wg.Wait()
	o.fuse()
	return errors.Join(errs...)
}

// fuse derives the overall status and transcript of a separated task from
// its two tracks. Any produced text completes the task, even when the other
// track failed.
func (o *Orchestrator) fuse() {
	snap := o.mutate(func(t *types.Task) {
		fused := transcript.Fuse(t.Speaker1.Transcript, t.Speaker2.Transcript)
		s1, s2 := t.Speaker1.Status, t.Speaker2.Status
		switch {
		case fused != "":
			t.Transcript = fused
			t.Status = types.StatusCompleted
			t.FailedStep = ""
		case s1 == types.StatusFailed || s2 == types.StatusFailed:
			t.Status = types.StatusFailed
			t.FailedStep = earliestFailedStep(t.Speaker1, t.Speaker2)
		case s1 == types.StatusCompleted && s2 == types.StatusCompleted:
			t.Transcript = ""
			t.Status = types.StatusCompleted
			t.FailedStep = ""
		}
		if s1 != types.StatusFailed && s2 != types.StatusFailed {
			t.LastError = ""
		}
	})
	o.log.WithTask(snap).WithField("status", snap.Status).Info("fusion finished")
}

func earliestFailedStep(tracks ...types.Track) types.Status {
	var step types.Status
	for _, tr := range tracks {
		if tr.Status != types.StatusFailed || tr.FailedStep == "" {
			continue
		}
		if step == "" || tr.FailedStep.Rank() < step.Rank() {
			step = tr.FailedStep
		}
	}
	if step == "" {
		step = types.StatusRecorded
	}
	return step
}

func (o *Orchestrator) runTrack(ctx context.Context, sp types.Speaker, from types.Status) error {
	snap := o.Task()
	entry := o.log.WithTask(snap).WithField("speaker", sp.Slot())
	if *snap.Track(sp).Status == types.StatusCompleted && from != types.StatusPolling {
		entry.Debug("track already completed, skipping")
		return nil
	}
	for _, st := range Sequence(from, sp) {
		if err := o.runStage(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, st Stage) error {
	pos := st.Kind.Position()
	snap := o.mutate(func(t *types.Task) {
		ref := t.Track(st.Speaker)
		*ref.Status = pos
		*ref.FailedStep = ""
		if st.Speaker == types.Mixed {
			t.LastError = ""
		}
	})
	entry := o.log.WithTask(snap).WithField("stage", st.String())
	entry.Info("stage started")

	var out Outcome
	attempts := 0
	op := func() error {
		attempts++
		out = o.runner.Run(ctx, st, o.Task())
		if out.Kind == Pending {
			return errPending
		}
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.pollInterval), uint64(o.pollAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, bo, func(_ error, wait time.Duration) {
		entry.WithField("attempt", attempts).WithField("wait", wait).Debug("remote task running")
	})

	switch {
	case ctx.Err() != nil && (err != nil || out.Kind == Failed):
		return o.interrupted(ctx, st)
	case errors.Is(err, errPending):
		return o.fail(st, &Failure{
			Domain:  DomainPipeline,
			Code:    CodeTimeout,
			Stage:   pos,
			Message: fmt.Sprintf("polling timeout after %d attempts", attempts),
		})
	case err != nil:
		return o.fail(st, clientFailure(pos, err))
	case out.Kind == Failed:
		return o.fail(st, out.Failure)
	}

	o.mutate(func(t *types.Task) {
		if out.Apply != nil {
			out.Apply(t)
		}
		*t.Track(st.Speaker).Status = st.Kind.Completion()
	})
	entry.WithField("attempts", attempts).Info("stage finished")
	return nil
}

// interrupted handles a cancelled context. A user cancel is recorded as a
// failure of the current stage; any other cancellation leaves the track in
// its running position so it resumes there.
func (o *Orchestrator) interrupted(ctx context.Context, st Stage) error {
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		o.fail(st, &Failure{
			Domain:  DomainPipeline,
			Code:    CodeCancelled,
			Stage:   st.Kind.Position(),
			Message: ErrCancelled.Error(),
			Err:     ErrCancelled,
		})
		return ErrCancelled
	}
	o.log.WithField("stage", st.String()).Warn("stage interrupted")
	return ctx.Err()
}

func (o *Orchestrator) fail(st Stage, f *Failure) error {
	if f == nil {
		f = &Failure{Domain: DomainPipeline, Stage: st.Kind.Position(), Message: "stage failed"}
	}
	if f.Stage == "" {
		f.Stage = st.Kind.Position()
	}
	snap := o.mutate(func(t *types.Task) {
		ref := t.Track(st.Speaker)
		*ref.Status = types.StatusFailed
		*ref.FailedStep = st.Kind.Position()
		if st.Speaker == types.Mixed {
			t.LastError = f.Error()
			if f.Domain == DomainRemote {
				t.TaskKey = f.TaskKey
				t.APIStatus = f.APIStatus
				t.StatusText = f.StatusText
			}
		} else {
			t.LastError = trackErrors(t, st.Speaker, st.Speaker.Slot()+": "+f.Error())
		}
	})
	o.log.WithTask(snap).
		WithField("stage", st.String()).
		WithField("domain", f.Domain).
		WithField("code", f.Code).
		WithError(f).
		Error("stage failed")
	return f
}

// trackErrors keeps one "<slot>: <message>" line per failed speaker track,
// replacing the line of sp with msg.
func trackErrors(t *types.Task, sp types.Speaker, msg string) string {
	var lines []string
	for _, other := range []types.Speaker{types.Speaker1, types.Speaker2} {
		if other == sp {
			lines = append(lines, msg)
			continue
		}
		if *t.Track(other).Status != types.StatusFailed {
			continue
		}
		prefix := other.Slot() + ": "
		for _, line := range strings.Split(t.LastError, "\n") {
			if strings.HasPrefix(line, prefix) {
				lines = append(lines, line)
			}
		}
	}
	return strings.Join(lines, "\n")
}
