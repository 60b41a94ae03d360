package gosubs

import (
	"context"
	"sync"
	"time"
)

// Dispatcher applies accepted notifications on background workers so the webhook response
// never waits on processing.
type Dispatcher struct {
	queue    chan *Notification
	shutdown chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	mu       sync.RWMutex
	closed   bool

	workers int
	handle  func(ctx context.Context, n *Notification)
	timeout time.Duration
}

// NewDispatcher creates a dispatcher with a bounded queue.
func NewDispatcher(workers, queueSize int, timeout time.Duration,
	handle func(ctx context.Context, n *Notification)) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Dispatcher{
		queue:    make(chan *Notification, queueSize),
		shutdown: make(chan struct{}),
		workers:  workers,
		handle:   handle,
		timeout:  timeout,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.run(n)
		case <-d.shutdown:
			// Drain queue on shutdown
			for {
				select {
				case n := <-d.queue:
					d.run(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(n *Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.handle(ctx, n)
}

// Submit enqueues n without blocking. Returns ErrQueueFull when the buffer is full.
func (d *Dispatcher) Submit(n *Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrEngineClosed
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting work, drains the queue and waits for the workers.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.shutdown)
		d.wg.Wait()
	})
}
