package session

import (
	"context"
	"sync"
	"time"

	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/logger"
	"golang.org/x/time/rate"
)

// signalQueue hands typing signals from the signaler, which must not block,
// to the goroutine that sends them, in order.
type signalQueue struct {
	mu      sync.Mutex
	pending []bool
	closed  bool
	wake    chan struct{}
}

func newSignalQueue() *signalQueue {
	return &signalQueue{wake: make(chan struct{}, 1)}
}

func (q *signalQueue) push(isTyping bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, isTyping)
	q.mu.Unlock()
	q.notify()
}

func (q *signalQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *signalQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// wait blocks until there is something to send or the queue is closed.
// open is false once closed; the returned values must still be sent.
func (q *signalQueue) wait() (values []bool, open bool) {
	for {
		q.mu.Lock()
		values, q.pending = q.pending, nil
		closed := q.closed
		q.mu.Unlock()
		if len(values) > 0 || closed {
			return values, !closed
		}
		<-q.wake
	}
}

// readCoalescer implements reconciler.ReadMarker. At most one request is
// queued; requests go out no more often than once per interval.
type readCoalescer struct {
	api     API
	limiter *rate.Limiter
	timeout time.Duration
	queued  chan struct{}
}

func newReadCoalescer(a API, interval, timeout time.Duration) *readCoalescer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &readCoalescer{
		api:     a,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		queued:  make(chan struct{}, 1),
	}
}

func (c *readCoalescer) MarkRead(domain.ConversationId) {
	select {
	case c.queued <- struct{}{}:
	default:
	}
}

func (c *readCoalescer) run(ctx context.Context, conversationId domain.ConversationId, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queued:
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.api.MarkRead(reqCtx, conversationId)
		cancel()
		if err != nil {
			logger.Log.Warn("mark read failed", "conversation", conversationId, "error", err)
		}
	}
}
