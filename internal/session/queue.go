// Package session implements the agent side of the client protocol: session
// lifecycle, the prompt turn pipeline that drives the backend, and ordered
// delivery of translated updates back to the client.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edlsh/amp-acp/internal/common/appctx"
	"github.com/edlsh/amp-acp/internal/common/logger"
	"github.com/edlsh/amp-acp/internal/translate"
)

// queueSize bounds undelivered notifications per session. Producers block
// once the consumer falls this far behind, which keeps translation in step
// with the transport instead of buffering a whole turn.
const queueSize = 256

// deliverTimeout bounds a single transport send. A wedged connection fails
// the notification instead of freezing the consumer, and Close does not
// have to wait out an in-flight send.
const deliverTimeout = 30 * time.Second

// deliverFunc hands one notification to the transport.
type deliverFunc func(ctx context.Context, n *translate.Notification) error

// queueItem is a notification or, when barrier is set, a drain marker.
type queueItem struct {
	n        *translate.Notification
	critical bool
	barrier  chan struct{}
}

// notifyQueue serializes update delivery for one session. A single consumer
// goroutine drains the channel, so updates reach the client in exactly the
// order they were enqueued no matter which goroutine produced them.
type notifyQueue struct {
	logger  *logger.Logger
	deliver deliverFunc

	// onCriticalLoss fires at most once, when a notification marked
	// critical fails to deliver.
	onCriticalLoss func(err error)
	lossOnce       sync.Once

	items     chan queueItem
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newNotifyQueue(deliver deliverFunc, onCriticalLoss func(error), log *logger.Logger) *notifyQueue {
	q := &notifyQueue{
		logger:         log,
		deliver:        deliver,
		onCriticalLoss: onCriticalLoss,
		items:          make(chan queueItem, queueSize),
		closed:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	go q.run()
	return q
}

// Publish enqueues one notification. Delivery failures of critical
// notifications escalate through onCriticalLoss; everything else is
// best-effort. Returns false once the queue is closed.
func (q *notifyQueue) Publish(n *translate.Notification, critical bool) bool {
	select {
	case q.items <- queueItem{n: n, critical: critical}:
		return true
	case <-q.closed:
		return false
	}
}

// Barrier blocks until every notification enqueued before it has been
// handed to the transport. Prompt turns drain through this before
// reporting their outcome.
func (q *notifyQueue) Barrier(ctx context.Context) error {
	marker := make(chan struct{})
	select {
	case q.items <- queueItem{barrier: marker}:
	case <-q.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker:
		return nil
	case <-q.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the consumer and waits for it to exit. Undelivered
// notifications are dropped; callers that need them flushed use Barrier
// first.
func (q *notifyQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
	<-q.done
}

func (q *notifyQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.closed:
			return
		case item := <-q.items:
			if item.barrier != nil {
				close(item.barrier)
				continue
			}
			// Delivery runs detached from any turn context. Updates
			// produced by a cancelled turn still have to reach the
			// client; only queue closure or the send timeout stop one.
			ctx, cancel := appctx.Detached(q.closed, deliverTimeout)
			err := q.deliver(ctx, item.n)
			cancel()
			if err != nil {
				q.logger.Warn("failed to deliver session update",
					zap.String("kind", item.n.Kind),
					zap.Bool("critical", item.critical),
					zap.Error(err))
				if item.critical {
					q.lossOnce.Do(func() {
						if q.onCriticalLoss != nil {
							q.onCriticalLoss(err)
						}
					})
				}
			}
		}
	}
}
