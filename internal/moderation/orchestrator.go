// Package moderation runs the per-submission moderation state machine. Each
// submission passes through three phases, invoked by the forum adapter at the
// matching points of the forum's own pipeline:
//
//	gate     before anything is stored; refuses actively muted users
//	classify before the authoritative write; asks the classifier and may
//	         append the rule's message to the body
//	commit   after the write; mutes the author of flagged content
//
// State between phases lives in a caller-held Request, never in the
// Orchestrator. Infrastructure failures never block or remove content.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/llm-moderator/internal/classifier"
	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/messaging"
	"github.com/whisper/llm-moderator/internal/metrics"
	"github.com/whisper/llm-moderator/internal/mute"
	"github.com/whisper/llm-moderator/internal/policy"
)

// MuteStore is the part of the mute store the orchestrator uses.
type MuteStore interface {
	IsActivelyMuted(ctx context.Context, userID int64) (bool, error)
	ActiveExpiration(ctx context.Context, userID int64) (time.Time, bool, error)
	Upsert(ctx context.Context, userID int64, mc mute.Context) (*mute.Record, error)
}

// Classifier labels content.
type Classifier interface {
	Classify(ctx context.Context, prompt, model, apiKey string) (*classifier.Verdict, error)
}

// Forum is the part of the forum the orchestrator touches at commit.
type Forum interface {
	FindGroup(ctx context.Context, name string) (int64, bool, error)
	FirstPostID(ctx context.Context, topicID int64) (int64, bool, error)
	AddSecondaryGroup(ctx context.Context, userID, groupID int64) error
	SetPostStatus(ctx context.Context, postID int64, status forum.Status) error
	SetTopicStatus(ctx context.Context, topicID int64, status forum.Status) error
}

// Events receives user notices and mute events.
type Events interface {
	PublishNotice(userID int64, n messaging.Notice) error
	PublishMuted(e messaging.MuteEvent) error
}

// Settings are the configuration values the orchestrator reads on every
// submission.
type Settings struct {
	APIKey      string
	Model       string
	Prompt      string // custom prompt; blank selects classifier.DefaultPrompt
	MutedGroup  string // usergroup name matched by substring
	InfoLogging bool
	Location    *time.Location // for expiration times shown to users
}

// Outcome is the result of a commit phase.
type Outcome struct {
	Muted     bool
	ExpiresAt time.Time
	Notice    string
}

// Orchestrator composes policy, classifier, mute store and forum.
type Orchestrator struct {
	policy     *policy.Table
	classifier Classifier
	mutes      MuteStore
	forum      Forum
	events     Events
	settings   Settings
}

// NewOrchestrator wires an orchestrator. events may be nil.
func NewOrchestrator(table *policy.Table, cls Classifier, mutes MuteStore, fs Forum, events Events, settings Settings) *Orchestrator {
	return &Orchestrator{
		policy:     table,
		classifier: cls,
		mutes:      mutes,
		forum:      fs,
		events:     events,
		settings:   settings,
	}
}

func (o *Orchestrator) infof(format string, args ...interface{}) {
	if o.settings.InfoLogging {
		log.Printf("[moderation] "+format, args...)
	}
}

// Begin starts moderation of one submission.
func (o *Orchestrator) Begin(kind forum.Kind, actor forum.Actor) *Request {
	return &Request{Kind: kind, Actor: actor}
}

// OnGate refuses the submission with a *MutedError if the actor is actively
// muted. Administrators always pass. A failed mute lookup lets the
// submission through.
func (o *Orchestrator) OnGate(ctx context.Context, req *Request) error {
	kind := string(req.Kind)
	if req.Actor.IsAdministrator() {
		metrics.GateTotal.WithLabelValues(kind, "bypass").Inc()
		return nil
	}

	userID := req.Actor.UserID
	muted, err := o.mutes.IsActivelyMuted(ctx, userID)
	if err != nil {
		log.Printf("[moderation] gate: mute lookup for user %d failed, allowing: %v", userID, err)
		metrics.GateTotal.WithLabelValues(kind, "error").Inc()
		return nil
	}
	if !muted {
		metrics.GateTotal.WithLabelValues(kind, "allowed").Inc()
		return nil
	}

	exp, known, err := o.mutes.ActiveExpiration(ctx, userID)
	if err != nil {
		log.Printf("[moderation] gate: expiration lookup for user %d failed: %v", userID, err)
		known = false
	}

	req.Blocked = true
	metrics.GateTotal.WithLabelValues(kind, "blocked").Inc()
	o.infof("gate: refused %s from muted user %d", req.Kind, userID)

	merr := &MutedError{UserID: userID, Message: GateMessage(req.Kind, exp, known, o.settings.Location)}
	if known {
		merr.ExpiresAt = exp
	}
	return merr
}

// OnClassify sends the content to the classifier and, for a verdict matching
// an enabled rule, appends the rule's message to content.Body and records the
// verdict on req. The content is always usable afterwards; a returned error
// (ErrConfigMissing or a classifier.ErrClassifier) only says why moderation
// was skipped.
func (o *Orchestrator) OnClassify(ctx context.Context, req *Request, content *forum.Content) error {
	kind := string(req.Kind)
	if req.Actor.IsAdministrator() {
		o.infof("classify: skipping administrator %d", req.Actor.UserID)
		metrics.ClassificationsTotal.WithLabelValues(kind, "skipped").Inc()
		return nil
	}
	if req.Blocked {
		metrics.ClassificationsTotal.WithLabelValues(kind, "skipped").Inc()
		return nil
	}
	if o.settings.APIKey == "" {
		metrics.ClassificationsTotal.WithLabelValues(kind, "skipped").Inc()
		return ErrConfigMissing
	}

	text := ClassifiableText(req.Kind, content)
	prompt := classifier.BuildPrompt(o.settings.Prompt, text)

	start := time.Now()
	verdict, err := o.classifier.Classify(ctx, prompt, o.settings.Model, o.settings.APIKey)
	metrics.ClassifierLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("[moderation] classify: %s by user %d not moderated: %v", req.Kind, req.Actor.UserID, err)
		metrics.ClassificationsTotal.WithLabelValues(kind, "error").Inc()
		return err
	}

	if !o.policy.ShouldCheck(verdict.Type) {
		o.infof("classify: verdict %q for user %d needs no action", verdict.Type, req.Actor.UserID)
		metrics.ClassificationsTotal.WithLabelValues(kind, "ignored").Inc()
		return nil
	}

	if msg := o.policy.AppendMessage(verdict.Type, verdict.Reason); msg != "" {
		content.Body = content.Body + "\n\n" + msg
	}
	req.Verdict = &Verdict{
		Type:    verdict.Type,
		Reason:  verdict.Reason,
		UserID:  req.Actor.UserID,
		Content: text,
	}
	o.infof("classify: %s by user %d flagged %q: %s", req.Kind, req.Actor.UserID, verdict.Type, verdict.Reason)
	metrics.ClassificationsTotal.WithLabelValues(kind, "flagged").Inc()
	return nil
}

// OnCommit mutes the author when the recorded verdict calls for it: the mute
// is stored, the user joins the muted group if one exists, the new content
// is set to unapproved and a notice is sent. req is released on every path.
// content must carry the ids assigned by the forum's write.
func (o *Orchestrator) OnCommit(ctx context.Context, req *Request, content forum.Content) (*Outcome, error) {
	defer req.Release()

	if req.Actor.IsAdministrator() {
		return &Outcome{}, nil
	}
	v := req.Verdict
	if v == nil || !o.policy.ShouldCheck(v.Type) || !o.policy.ShouldMute(v.Type) {
		return &Outcome{}, nil
	}

	userID := req.Actor.UserID
	mc := muteContext(req.Kind, content, v)
	if mc.IsTopic && mc.PostID == 0 && mc.TopicID != 0 {
		mc.PostID = o.firstPostID(ctx, mc.TopicID)
	}

	rec, err := o.mutes.Upsert(ctx, userID, mc)
	if err != nil {
		if errors.Is(err, mute.ErrInvalidDuration) {
			log.Printf("[moderation] commit: refusing to mute user %d: %v", userID, err)
		} else {
			log.Printf("[moderation] commit: mute user %d: %v", userID, err)
		}
		return &Outcome{}, fmt.Errorf("moderation: commit: %w", err)
	}
	o.infof("commit: muted user %d until %s (type %q)", userID, rec.ExpirationTime.Format(time.RFC3339), v.Type)
	metrics.MutesTotal.WithLabelValues(string(req.Kind)).Inc()

	o.joinMutedGroup(ctx, userID)
	o.markUnapproved(ctx, req.Kind, mc)

	notice := CommitNotice(req.Kind, rec.ExpirationTime, o.settings.Location)
	if o.events != nil {
		if err := o.events.PublishNotice(userID, messaging.NewErrorNotice(notice)); err != nil {
			log.Printf("[moderation] commit: notice to user %d: %v", userID, err)
		}
		if err := o.events.PublishMuted(messaging.MuteEvent{
			UserID:    userID,
			Kind:      string(req.Kind),
			PostID:    mc.PostID,
			TopicID:   mc.TopicID,
			IsTopic:   mc.IsTopic,
			Type:      mc.Type,
			Reason:    mc.Reason,
			ExpiresAt: rec.ExpirationTime,
		}); err != nil {
			log.Printf("[moderation] commit: mute event for user %d: %v", userID, err)
		}
	}

	return &Outcome{Muted: true, ExpiresAt: rec.ExpirationTime, Notice: notice}, nil
}

func muteContext(kind forum.Kind, c forum.Content, v *Verdict) mute.Context {
	reason := v.Reason
	if reason == "" {
		reason = DefaultFlagReason
	}
	mc := mute.Context{
		IsTopic: kind.IsTopic(),
		Content: v.Content,
		Type:    v.Type,
		Reason:  reason,
	}
	if kind.IsTopic() {
		mc.TopicID = firstNonZero(c.TopicID, c.ID)
		mc.PostID = c.FirstPostID
	} else {
		mc.PostID = firstNonZero(c.PostID, c.ID)
		mc.TopicID = c.TopicID
	}
	return mc
}

func firstNonZero(ids ...int64) int64 {
	for _, id := range ids {
		if id != 0 {
			return id
		}
	}
	return 0
}

// firstPostID looks up the first post of a topic the forum reported without
// one. It returns 0 when the topic has no posts or the lookup fails.
func (o *Orchestrator) firstPostID(ctx context.Context, topicID int64) int64 {
	postID, ok, err := o.forum.FirstPostID(ctx, topicID)
	if err != nil {
		log.Printf("[moderation] commit: first post of topic %d: %v", topicID, err)
		return 0
	}
	if !ok {
		return 0
	}
	return postID
}

func (o *Orchestrator) joinMutedGroup(ctx context.Context, userID int64) {
	groupID, ok, err := o.forum.FindGroup(ctx, o.settings.MutedGroup)
	if err != nil {
		log.Printf("[moderation] commit: find group %q: %v", o.settings.MutedGroup, err)
		return
	}
	if !ok {
		o.infof("commit: no %q usergroup, mute is recorded only", o.settings.MutedGroup)
		return
	}
	if err := o.forum.AddSecondaryGroup(ctx, userID, groupID); err != nil {
		log.Printf("[moderation] commit: add user %d to group %d: %v", userID, groupID, err)
	}
}

func (o *Orchestrator) markUnapproved(ctx context.Context, kind forum.Kind, mc mute.Context) {
	if kind.IsTopic() && mc.TopicID != 0 {
		if err := o.forum.SetTopicStatus(ctx, mc.TopicID, forum.StatusUnapproved); err != nil {
			log.Printf("[moderation] commit: unapprove topic %d: %v", mc.TopicID, err)
		}
	}
	if mc.PostID != 0 {
		if err := o.forum.SetPostStatus(ctx, mc.PostID, forum.StatusUnapproved); err != nil {
			log.Printf("[moderation] commit: unapprove post %d: %v", mc.PostID, err)
		}
	}
}
