package browser

import (
	"context"
	"time"

	"github.com/ternarybob/registrar/internal/interfaces"
)

// Poll evaluates predicate every interval until it reports true, fails, or
// timeout elapses. The predicate is always evaluated at least once.
func Poll(ctx context.Context, predicate interfaces.WaitPredicate, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := predicate(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return interfaces.ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
