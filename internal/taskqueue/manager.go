package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"chainline/internal/config"
	"chainline/internal/domain"
)

// queue pairs a bounded semaphore with an unbounded fifo. FIFO admission is
// preserved at pop time; completion order is not once more than one item is in
// flight.
type queue struct {
	name     string
	config   QueueConfig
	items    *fifo
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	started  bool
}

// SubmitOptions select how the caller observes a task's outcome.
type SubmitOptions struct {
	Queue         string
	FireAndForget bool
	ReturnFuture  bool
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	Submitted int64                 `json:"submitted"`
	Completed int64                 `json:"completed"`
	Failed    int64                 `json:"failed"`
	TimedOut  int64                 `json:"timed_out"`
	Retries   int64                 `json:"retries"`
	Queues    map[string]QueueStats `json:"queues"`
}

// QueueStats describes one queue's current load.
type QueueStats struct {
	Depth         int   `json:"depth"`
	InFlight      int64 `json:"in_flight"`
	MaxConcurrent int64 `json:"max_concurrent"`
}

// Manager owns the named bounded-concurrency queues. All dispatches flow
// through it so concurrency, timeout and retry policy are enforced in one
// place. Registration of queues happens once at construction; the maps are
// read-only afterwards, but counters and processor state take the mutex
// because submissions race with execution on real OS threads.
type Manager struct {
	mu              sync.Mutex
	queues          map[string]*queue
	defaultQueue    string
	shutdownTimeout time.Duration
	log             *slog.Logger
	wg              sync.WaitGroup
	stopped         bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	retries   atomic.Int64
}

// New builds the manager from configuration and starts every queue processor.
func New(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		queues:          make(map[string]*queue),
		defaultQueue:    cfg.Queues.Default,
		shutdownTimeout: secondsToDuration(cfg.Queues.ShutdownTimeout),
		log:             logger,
	}
	for name, qc := range queueConfigsFromConfig(cfg) {
		m.queues[name] = &queue{
			name:   name,
			config: qc,
			items:  newFIFO(),
			sem:    semaphore.NewWeighted(qc.MaxConcurrent),
		}
	}
	m.startAll()
	return m
}

// Queues returns the configured queue names.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// QueueConfig returns the configuration of a queue, if it exists.
func (m *Manager) QueueConfig(name string) (QueueConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return QueueConfig{}, false
	}
	return q.config, true
}

// Submit places work on a queue. Behavior by options:
//   - ReturnFuture: the Completion is returned immediately; the envelope is
//     zero and must be ignored.
//   - FireAndForget: a success envelope is returned at enqueue time, not at
//     completion; the Completion is nil.
//   - neither: Submit blocks until the task resolves and returns its envelope.
//
// An unknown queue falls back to the default queue with a logged warning.
func (m *Manager) Submit(ctx context.Context, taskID string, work WorkFunc, opts SubmitOptions) (domain.Envelope, *Completion) {
	q, err := m.resolveQueue(opts.Queue)
	if err != nil {
		env := domain.ErrEnvelope(domain.CodeInternalError, err.Error())
		if opts.ReturnFuture {
			return domain.Envelope{}, Resolved(env)
		}
		return env, nil
	}

	var completion *Completion
	if opts.ReturnFuture || !opts.FireAndForget {
		completion = newCompletion()
	}
	item := &taskItem{
		id:         taskID,
		work:       work,
		config:     q.config,
		createdAt:  time.Now(),
		completion: completion,
	}
	if !q.items.push(item) {
		env := domain.ErrEnvelope(domain.CodeInternalError, fmt.Sprintf("queue %s is shut down", q.name))
		completion.resolve(env)
		if opts.ReturnFuture {
			return domain.Envelope{}, completion
		}
		return env, nil
	}
	m.submitted.Add(1)

	if opts.ReturnFuture {
		return domain.Envelope{}, completion
	}
	if opts.FireAndForget {
		return domain.OK(), nil
	}
	env, werr := completion.Wait(ctx)
	if werr != nil {
		return domain.ErrEnvelope(domain.CodeInternalError, fmt.Sprintf("wait for task %s: %v", taskID, werr)), nil
	}
	return env, nil
}

func (m *Manager) resolveQueue(name string) (*queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, fmt.Errorf("task manager is shut down")
	}
	if name != "" {
		if q, ok := m.queues[name]; ok {
			m.ensureProcessorLocked(q)
			return q, nil
		}
		m.log.Warn("unknown queue, using default", "queue", name, "default", m.defaultQueue)
	}
	q, ok := m.queues[m.defaultQueue]
	if !ok {
		return nil, fmt.Errorf("default queue %s not configured", m.defaultQueue)
	}
	m.ensureProcessorLocked(q)
	return q, nil
}

func (m *Manager) startAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		m.ensureProcessorLocked(q)
	}
	m.log.Info("queue processors started", "queues", len(m.queues))
}

func (m *Manager) ensureProcessorLocked(q *queue) {
	if q.started {
		return
	}
	q.started = true
	m.wg.Add(1)
	go m.runProcessor(q)
}

// runProcessor pops items in submission order and spawns their execution
// without waiting for prior items: the queue drains instantly while the
// semaphore throttles real parallelism.
func (m *Manager) runProcessor(q *queue) {
	defer m.wg.Done()
	m.log.Info("queue processor started", "queue", q.name)
	for {
		item, ok := q.items.pop()
		if !ok {
			m.log.Info("queue processor stopped", "queue", q.name)
			return
		}
		go m.execute(q, item)
	}
}

func (m *Manager) execute(q *queue, item *taskItem) {
	if err := q.sem.Acquire(context.Background(), 1); err != nil {
		item.completion.resolve(domain.ErrEnvelope(domain.CodeInternalError, err.Error()))
		return
	}
	defer q.sem.Release(1)
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), item.config.Timeout)
	defer cancel()

	type outcome struct {
		env domain.Envelope
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("task panic: %v", r)}
			}
		}()
		env, err := item.work(ctx)
		resultCh <- outcome{env: env, err: err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			m.failed.Add(1)
			m.log.Error("task execution failed", "task", item.id, "queue", q.name, "error", out.err)
			item.completion.resolve(domain.ErrEnvelope(domain.CodeInternalError, out.err.Error()))
			m.maybeRetry(q, item)
			return
		}
		m.completed.Add(1)
		item.completion.resolve(out.env)
	case <-ctx.Done():
		// The attempt's deadline expired. The work goroutine is abandoned with
		// its context canceled; it is never forcibly killed.
		m.timedOut.Add(1)
		m.log.Warn("task exceeded timeout", "task", item.id, "queue", q.name, "timeout", item.config.Timeout)
		item.completion.resolve(domain.TimeoutEnvelope(
			fmt.Sprintf("task %s exceeded timeout %s", item.id, item.config.Timeout)))
	}
}

// maybeRetry re-enqueues the same item after retry_delay while attempts
// remain. The original completion has already been resolved with the failure,
// so a later success is invisible to the caller that submitted the task.
func (m *Manager) maybeRetry(q *queue, item *taskItem) {
	if item.retryCount >= item.config.RetryCount {
		return
	}
	item.retryCount++
	m.retries.Add(1)
	m.log.Info("retrying task", "task", item.id, "queue", q.name,
		"attempt", item.retryCount, "max", item.config.RetryCount)
	time.Sleep(item.config.RetryDelay)
	q.items.push(item)
}

// Stats returns a snapshot of manager counters and queue load.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Submitted: m.submitted.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		TimedOut:  m.timedOut.Load(),
		Retries:   m.retries.Load(),
		Queues:    make(map[string]QueueStats, len(m.queues)),
	}
	for name, q := range m.queues {
		s.Queues[name] = QueueStats{
			Depth:         q.items.len(),
			InFlight:      q.inFlight.Load(),
			MaxConcurrent: q.config.MaxConcurrent,
		}
	}
	return s
}

// Shutdown stops the queue processors and waits for them up to the configured
// shutdown timeout or until ctx ends. In-flight work is left to finish on its
// own attempt deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, q := range m.queues {
		q.items.close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("task manager stopped")
	case <-time.After(m.shutdownTimeout):
		m.log.Warn("timeout waiting for queue processors to stop", "timeout", m.shutdownTimeout)
	case <-ctx.Done():
		m.log.Warn("shutdown context ended before processors stopped")
	}
}
