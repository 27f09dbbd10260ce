package store

import (
	"sync"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/types"
)

// TaskWriter is the durable side of a Persister.
type TaskWriter interface {
	SaveTask(t types.Task) error
}

// Persister writes task snapshots in the background. Saves for the same
// task that arrive before the writer catches up collapse into the latest
// one, so callers never block on disk.
type Persister struct {
	w   TaskWriter
	log *logger.Logger

	mu      sync.Mutex
	pending map[string]types.Task
	order   []string
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	// flushMu serializes drains so Flush and the loop do not interleave writes.
	flushMu sync.Mutex
}

func NewPersister(w TaskWriter, log *logger.Logger) *Persister {
	if log == nil {
		log = logger.Discard()
	}
	p := &Persister{
		w:       w,
		log:     log,
		pending: make(map[string]types.Task),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// Save queues t. It never blocks on I/O. Saves after Close are written
// synchronously.
func (p *Persister) Save(t types.Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := p.w.SaveTask(t); err != nil {
			p.log.WithError(err).WithField("task_id", t.ID).Error("persist task")
		}
		return
	}
	if _, ok := p.pending[t.ID]; !ok {
		p.order = append(p.order, t.ID)
	}
	p.pending[t.ID] = t
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SaveTask queues t and reports no error; write failures are logged.
func (p *Persister) SaveTask(t types.Task) error {
	p.Save(t)
	return nil
}

// Flush writes everything queued so far before returning.
func (p *Persister) Flush() {
	p.drain()
}

// Close stops the background writer after a final flush.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
	<-p.done
	p.drain()
}

func (p *Persister) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.stop:
			return
		}
	}
}

func (p *Persister) drain() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := make([]types.Task, 0, len(p.order))
	for _, id := range p.order {
		batch = append(batch, p.pending[id])
	}
	p.pending = make(map[string]types.Task)
	p.order = nil
	p.mu.Unlock()

	for _, t := range batch {
		if err := p.w.SaveTask(t); err != nil {
			p.log.WithError(err).WithField("task_id", t.ID).Error("persist task")
		}
	}
}
