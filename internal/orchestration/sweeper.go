package orchestration

import (
	"context"
	"log"
	"time"
)

// RunEvery calls fn every interval until ctx is cancelled. Errors are logged
// under name and do not stop the loop. A positive count is logged too.
func RunEvery(ctx context.Context, interval time.Duration, name string, fn func(context.Context) (int, error)) {
	if interval <= 0 {
		log.Printf("orchestration: %s: interval %s is not positive, not running", name, interval)
		return
	}
	for {
		sleepWithContext(ctx, interval)
		if ctx.Err() != nil {
			return
		}
		n, err := fn(ctx)
		if err != nil {
			log.Printf("orchestration: %s: %v", name, err)
			continue
		}
		if n > 0 {
			log.Printf("orchestration: %s: %d settled", name, n)
		}
	}
}

// sleepWithContext sleeps for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
