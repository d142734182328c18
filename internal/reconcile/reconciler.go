// Package reconcile reverses mutes: it removes the muted user from the muted
// usergroup and deletes the flagged content if no moderator approved it. The
// same unmute procedure serves manual unmutes and the periodic cleanup of
// expired mutes. Cleanup passes are mutually exclusive within the process
// and, when a lease manager is configured, across processes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/llm-moderator/internal/lease"
	"github.com/whisper/llm-moderator/internal/messaging"
	"github.com/whisper/llm-moderator/internal/metrics"
	"github.com/whisper/llm-moderator/internal/mute"
)

// ErrCleanupInProgress is returned by RunCleanup when another pass is
// running.
var ErrCleanupInProgress = errors.New("reconcile: cleanup already in progress")

// LeaseName is the lease guarding cleanup passes.
const LeaseName = "moderator:cleanup"

// DefaultLeaseTTL bounds how long a crashed pass can hold the lease.
const DefaultLeaseTTL = 5 * time.Minute

// MuteStore is the part of the mute store the reconciler uses.
type MuteStore interface {
	Get(ctx context.Context, userID int64) (*mute.Record, error)
	Delete(ctx context.Context, userID int64) error
	ListExpired(ctx context.Context, now time.Time) ([]mute.Record, error)
	DeleteExpired(ctx context.Context, ids []int64, cutoff time.Time) (int64, error)
	CountExpired(ctx context.Context, now time.Time) (int, error)
}

// Forum is the part of the forum the unmute procedure touches.
type Forum interface {
	FindGroup(ctx context.Context, name string) (int64, bool, error)
	InSecondaryGroup(ctx context.Context, userID, groupID int64) (bool, error)
	RemoveSecondaryGroup(ctx context.Context, userID, groupID int64) error
	DeleteUnapprovedPost(ctx context.Context, postID int64) (bool, error)
	DeleteUnapprovedTopic(ctx context.Context, topicID int64) (bool, error)
}

// Events receives unmute events.
type Events interface {
	PublishUnmuted(e messaging.UnmuteEvent) error
}

// Options configure a Reconciler.
type Options struct {
	MutedGroup  string
	LeaseTTL    time.Duration
	InfoLogging bool
}

// Report summarizes one cleanup pass.
type Report struct {
	Processed    int `json:"processed"`
	StillExpired int `json:"still_expired"`
}

// Message renders the report the way administrators see it.
func (r Report) Message() string {
	return fmt.Sprintf("Cleanup completed successfully. %d users currently expired.", r.StillExpired)
}

// Reconciler runs unmutes and cleanup passes.
type Reconciler struct {
	mutes  MuteStore
	forum  Forum
	events Events
	leases *lease.Manager
	opts   Options
	now    func() time.Time

	mu sync.Mutex // held for the duration of a cleanup pass
}

// New creates a Reconciler. leases and events may be nil.
func New(mutes MuteStore, fs Forum, leases *lease.Manager, events Events, opts Options) *Reconciler {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Reconciler{
		mutes:  mutes,
		forum:  fs,
		events: events,
		leases: leases,
		opts:   opts,
		now:    time.Now,
	}
}

func (r *Reconciler) infof(format string, args ...interface{}) {
	if r.opts.InfoLogging {
		log.Printf("[reconcile] "+format, args...)
	}
}

// Unmute reverses userID's mute and deletes its record. Returns false, with
// no error, when the user has no mute record.
func (r *Reconciler) Unmute(ctx context.Context, userID int64) (bool, error) {
	rec, err := r.mutes.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("reconcile: unmute %d: %w", userID, err)
	}
	if rec == nil {
		r.infof("user %d has no mute record", userID)
		return false, nil
	}

	ev := r.unmuteRecord(ctx, rec, true)

	if err := r.mutes.Delete(ctx, userID); err != nil {
		return false, fmt.Errorf("reconcile: unmute %d: %w", userID, err)
	}
	r.publish(ev)
	r.infof("unmuted user %d", userID)
	return true, nil
}

// unmuteRecord runs the unmute procedure for rec without touching the mute
// record itself. Every destructive step re-checks the forum first, so
// running it twice for the same record deletes nothing the second time.
// Forum failures are logged and the remaining steps still run.
func (r *Reconciler) unmuteRecord(ctx context.Context, rec *mute.Record, manual bool) messaging.UnmuteEvent {
	trigger := "cleanup"
	if manual {
		trigger = "manual"
	}
	metrics.UnmutesTotal.WithLabelValues(trigger).Inc()

	ev := messaging.UnmuteEvent{UserID: rec.UserID, Manual: manual}

	groupID, ok, err := r.forum.FindGroup(ctx, r.opts.MutedGroup)
	switch {
	case err != nil:
		log.Printf("[reconcile] find group %q: %v", r.opts.MutedGroup, err)
	case !ok:
		r.infof("no %q usergroup for user %d", r.opts.MutedGroup, rec.UserID)
	default:
		in, err := r.forum.InSecondaryGroup(ctx, rec.UserID, groupID)
		if err != nil {
			log.Printf("[reconcile] membership of user %d: %v", rec.UserID, err)
		} else if !in {
			r.infof("user %d is not in group %d, skipping removal", rec.UserID, groupID)
		} else if err := r.forum.RemoveSecondaryGroup(ctx, rec.UserID, groupID); err != nil {
			log.Printf("[reconcile] remove user %d from group %d: %v", rec.UserID, groupID, err)
		} else {
			ev.RemovedFromGroup = true
			r.infof("%s unmute removed user %d from group %d", trigger, rec.UserID, groupID)
		}
	}

	if rec.PostID != 0 {
		deleted, err := r.forum.DeleteUnapprovedPost(ctx, rec.PostID)
		if err != nil {
			log.Printf("[reconcile] delete post %d: %v", rec.PostID, err)
		} else if deleted {
			ev.PostDeleted = true
			metrics.ContentDeletedTotal.WithLabelValues("post").Inc()
			r.infof("deleted unapproved post %d of user %d", rec.PostID, rec.UserID)
		} else {
			r.infof("post %d of user %d approved or gone, kept", rec.PostID, rec.UserID)
		}
	}

	if rec.IsTopic && rec.TopicID != 0 {
		deleted, err := r.forum.DeleteUnapprovedTopic(ctx, rec.TopicID)
		if err != nil {
			log.Printf("[reconcile] delete topic %d: %v", rec.TopicID, err)
		} else if deleted {
			ev.TopicDeleted = true
			metrics.ContentDeletedTotal.WithLabelValues("topic").Inc()
			r.infof("deleted unapproved topic %d of user %d", rec.TopicID, rec.UserID)
		} else {
			r.infof("topic %d of user %d approved or gone, kept", rec.TopicID, rec.UserID)
		}
	}

	return ev
}

func (r *Reconciler) publish(ev messaging.UnmuteEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishUnmuted(ev); err != nil {
		log.Printf("[reconcile] unmute event for user %d: %v", ev.UserID, err)
	}
}

// RunCleanup unmutes every user whose mute expired at or before now, then
// deletes their records in one batch. Returns ErrCleanupInProgress if
// another pass holds the guard.
func (r *Reconciler) RunCleanup(ctx context.Context, now time.Time) (Report, error) {
	if !r.mu.TryLock() {
		metrics.CleanupRunsTotal.WithLabelValues("busy").Inc()
		return Report{}, ErrCleanupInProgress
	}
	defer r.mu.Unlock()

	if r.leases != nil {
		l, err := r.leases.Acquire(ctx, LeaseName, r.opts.LeaseTTL)
		if errors.Is(err, lease.ErrHeld) {
			metrics.CleanupRunsTotal.WithLabelValues("busy").Inc()
			return Report{}, ErrCleanupInProgress
		}
		if err != nil {
			metrics.CleanupRunsTotal.WithLabelValues("error").Inc()
			return Report{}, fmt.Errorf("reconcile: cleanup: %w", err)
		}
		defer func() {
			if err := l.Release(context.Background()); err != nil {
				log.Printf("[reconcile] %v", err)
			}
		}()
	}

	start := time.Now()
	rep, err := r.cleanup(ctx, now)
	metrics.CleanupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CleanupRunsTotal.WithLabelValues("error").Inc()
		return rep, err
	}
	metrics.CleanupRunsTotal.WithLabelValues("ok").Inc()
	return rep, nil
}

func (r *Reconciler) cleanup(ctx context.Context, now time.Time) (Report, error) {
	expired, err := r.mutes.ListExpired(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: cleanup: %w", err)
	}
	r.infof("found %d expired mutes", len(expired))

	var rep Report
	if len(expired) > 0 {
		ids := make([]int64, 0, len(expired))
		events := make([]messaging.UnmuteEvent, 0, len(expired))
		for i := range expired {
			events = append(events, r.unmuteRecord(ctx, &expired[i], false))
			ids = append(ids, expired[i].ID)
		}

		n, err := r.mutes.DeleteExpired(ctx, ids, now)
		if err != nil {
			return Report{}, fmt.Errorf("reconcile: cleanup: %w", err)
		}
		for _, ev := range events {
			r.publish(ev)
		}
		rep.Processed = len(expired)
		log.Printf("[reconcile] cleanup removed %d of %d expired mutes", n, len(expired))
	}

	still, err := r.mutes.CountExpired(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("reconcile: cleanup: %w", err)
	}
	rep.StillExpired = still
	return rep, nil
}
