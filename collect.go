package libchronicle

import (
	"context"
	"time"
)

// Collected is a single record pulled off a Tailer by Collect, together
// with enough context to know where it came from.
type Collected struct {
	Index   uint64
	Message interface{}
}

// Release is a no-op placeholder for API symmetry with the original's
// collected_t/chronicle_return pairing, kept so callers that free a
// collected message explicitly (as they would in a non-GC'd caller) have
// somewhere to do it; Go's collector makes it unnecessary here.
func (c *Collected) Release() {}

// Collect blocks until the tailer's next record is available, decodes it,
// and returns it, backing off with longer sleeps the longer it waits
// (mirroring the original's delaycount>>20-driven usleep escalation)
// unless ctx is cancelled first.
func (t *Tailer) Collect(ctx context.Context) (*Collected, error) {
	var result *Collected
	prevDispatcher := t.dispatcher
	t.dispatcher = func(index uint64, msg interface{}) bool {
		result = &Collected{Index: index, Message: msg}
		return true
	}
	defer func() { t.dispatcher = prevDispatcher }()

	var delay time.Duration
	const maxDelay = 50 * time.Millisecond
	for {
		if err := t.Peek(); err != nil {
			return nil, err
		}
		if t.state == StateCollected {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if delay == 0 {
			delay = time.Microsecond
		} else if delay < maxDelay {
			delay *= 2
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
