// Package appctx builds contexts for work that outlives the context it was
// requested under. A prompt turn's context dies with the turn, but some of
// the work it triggers must still finish afterwards: flushing queued
// updates to the client, releasing client-side terminals, recording final
// state. Those run on a detached context that answers only to a timeout
// and the owning component's stop channel.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context independent of any request context. It is
// cancelled when stop closes or the timeout expires, whichever comes
// first. The caller must call cancel to release the watcher goroutine.
func Detached(stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
