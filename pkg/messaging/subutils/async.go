package subutils

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/stageconnect/messaging/pkg/messaging"
	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

var (
	ErrQueueFull     = errors.New("handler queue is full")
	ErrHandlerClosed = errors.New("handler is closed")
)

type delivery struct {
	destination string
	envelope    envelope.Envelope
}

// AsyncHandler wraps a subscription handler and runs it on a background
// goroutine fed by a bounded queue, so slow handlers do not stall the
// client's read loop.
type AsyncHandler struct {
	wrapped   messaging.Handler
	queue     chan delivery
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewAsyncHandler creates an AsyncHandler with the given queue size. Call
// Start before use and Close when done.
//
//	async := subutils.NewAsyncHandler(render, 100).Start()
//	defer async.Close()
//	c.Subscribe("/topic/user/3", async.Handle)
func NewAsyncHandler(wrapped messaging.Handler, queueSize int) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = 100
	}

	return &AsyncHandler{
		wrapped: wrapped,
		queue:   make(chan delivery, queueSize),
		done:    make(chan struct{}),
	}
}

// Start begins processing queued deliveries.
func (a *AsyncHandler) Start() *AsyncHandler {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncHandler) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case d := <-a.queue:
			a.wrapped(d.destination, d.envelope)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *AsyncHandler) drainQueue() {
	for {
		select {
		case d := <-a.queue:
			a.wrapped(d.destination, d.envelope)
		default:
			return
		}
	}
}

// Enqueue queues a delivery and returns immediately.
func (a *AsyncHandler) Enqueue(destination string, env envelope.Envelope) error {
	if a.IsClosed() {
		return ErrHandlerClosed
	}

	select {
	case a.queue <- delivery{destination: destination, envelope: env}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Handle is a messaging.Handler. Deliveries that cannot be queued are
// counted and dropped.
func (a *AsyncHandler) Handle(destination string, env envelope.Envelope) {
	if err := a.Enqueue(destination, env); err != nil {
		a.dropped.Add(1)
	}
}

// Close stops the background goroutine after processing what is queued.
func (a *AsyncHandler) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// Dropped returns the number of deliveries dropped by Handle.
func (a *AsyncHandler) Dropped() uint64 {
	return a.dropped.Load()
}

// QueueSize returns the current number of queued deliveries.
func (a *AsyncHandler) QueueSize() int {
	return len(a.queue)
}

// QueueCapacity returns the maximum capacity of the queue.
func (a *AsyncHandler) QueueCapacity() int {
	return cap(a.queue)
}

// IsClosed returns true if the handler has been closed.
func (a *AsyncHandler) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
