package taskqueue

import (
	"context"
	"sync"
	"time"

	"chainline/internal/config"
	"chainline/internal/domain"
)

// WorkFunc is the deferred unit of work a queue executes. A returned error is
// the only thing that makes an attempt eligible for retry; envelopes are
// terminal values, whatever their result.
type WorkFunc func(ctx context.Context) (domain.Envelope, error)

// QueueConfig bounds one named execution lane.
type QueueConfig struct {
	Name          string
	MaxConcurrent int64
	Timeout       time.Duration
	RetryCount    int
	RetryDelay    time.Duration
}

func queueConfigsFromConfig(cfg *config.Config) map[string]QueueConfig {
	out := make(map[string]QueueConfig, len(cfg.Queues.Definitions))
	for name, q := range cfg.Queues.Definitions {
		out[name] = QueueConfig{
			Name:          name,
			MaxConcurrent: int64(q.MaxConcurrent),
			Timeout:       secondsToDuration(q.Timeout),
			RetryCount:    q.RetryCount,
			RetryDelay:    secondsToDuration(q.RetryDelay),
		}
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// taskItem is one queue entry; it survives across retries of the same work.
type taskItem struct {
	id         string
	work       WorkFunc
	config     QueueConfig
	createdAt  time.Time
	retryCount int
	completion *Completion
}

// Completion is the caller-held handle to a task's eventual resolution.
// Abandoning the handle detaches the caller; it never cancels the work.
type Completion struct {
	once sync.Once
	done chan struct{}
	env  domain.Envelope
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolved returns a handle already carrying env; used when a rejection
// happens before anything is enqueued.
func Resolved(env domain.Envelope) *Completion {
	c := newCompletion()
	c.resolve(env)
	return c
}

// resolve is idempotent: a retried task's later outcome never overwrites what
// the original caller already observed.
func (c *Completion) resolve(env domain.Envelope) {
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.env = env
		close(c.done)
	})
}

// Done is closed once the task resolves.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the envelope and whether the task has resolved yet.
func (c *Completion) Result() (domain.Envelope, bool) {
	select {
	case <-c.done:
		return c.env, true
	default:
		return domain.Envelope{}, false
	}
}

// Wait blocks until the task resolves or ctx ends. Ending the context only
// detaches the caller from resolution; the work itself keeps running.
func (c *Completion) Wait(ctx context.Context) (domain.Envelope, error) {
	select {
	case <-c.done:
		return c.env, nil
	case <-ctx.Done():
		return domain.Envelope{}, ctx.Err()
	}
}

// fifo is an unbounded queue: admission never blocks submitters, execution is
// throttled later by the queue semaphore.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*taskItem
	closed bool
}

func newFIFO() *fifo {
	f := &fifo{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fifo) push(item *taskItem) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.items = append(f.items, item)
	f.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed.
func (f *fifo) pop() (*taskItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.items) == 0 {
		return nil, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

func (f *fifo) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
