package reconcile

import (
	"context"
	"errors"
	"log"
	"time"
)

// DefaultInterval is how often Start runs a cleanup pass.
const DefaultInterval = time.Hour

// Start runs cleanup passes every interval until ctx is cancelled. A pass
// that finds another one running is skipped.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[reconcile] cleanup loop started (every %s)", interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[reconcile] cleanup loop stopped")
			return
		case <-ticker.C:
			rep, err := r.RunCleanup(ctx, r.now())
			switch {
			case errors.Is(err, ErrCleanupInProgress):
				r.infof("scheduled cleanup skipped, another pass is running")
			case err != nil:
				log.Printf("[reconcile] scheduled cleanup: %v", err)
			case rep.Processed > 0:
				log.Printf("[reconcile] scheduled cleanup processed %d mutes", rep.Processed)
			}
		}
	}
}
