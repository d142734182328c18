package moderation

import (
	"time"

	"github.com/whisper/llm-moderator/internal/forum"
)

// ExpirationLayout formats mute expirations in user-facing messages.
const ExpirationLayout = "January 2, 2006 at 3:04 pm"

// DefaultFlagReason is recorded when a verdict carries no reason.
const DefaultFlagReason = "The content was flagged"

type kindText struct {
	action   string // "create topics"
	noun     string // "topic", used in the commit notice
	original string // what is deleted if nobody approves it
}

var kindTexts = map[forum.Kind]kindText{
	forum.KindNewTopic:  {action: "create topics", noun: "topic", original: "original topic"},
	forum.KindNewPost:   {action: "post messages", noun: "post", original: "original post"},
	forum.KindEditTopic: {action: "update topics", noun: "topic update", original: "original topic"},
	forum.KindEditPost:  {action: "update posts", noun: "updated post", original: "original and updated post"},
}

// commitOriginal is what the commit notice says will be deleted.
var commitOriginal = map[forum.Kind]string{
	forum.KindNewTopic:  "Your original topic",
	forum.KindNewPost:   "Your original post",
	forum.KindEditTopic: "Your original topic (complete topic and all the topic posts)",
	forum.KindEditPost:  "Your original post and update",
}

// GateMessage explains to a muted user why their submission was refused.
// When the expiration could not be read, a generic message is returned.
func GateMessage(kind forum.Kind, expiresAt time.Time, known bool, loc *time.Location) string {
	kt := kindTexts[kind]
	msg := "You are currently muted and cannot " + kt.action + " in the forum. "
	if !known {
		return msg + "We can't check your mute expiration time at this time. " +
			"Please contact a moderator for assistance."
	}
	return msg +
		"Your mute will expire on " + FormatExpiration(expiresAt, loc) + ". " +
		"Please wait for a human moderator to review your case. " +
		"If a moderator does not attend to your mute, you will be automatically unmuted " +
		"between 0-12 hours after your mute expires but your " + kt.original + " will be deleted."
}

// CommitNotice tells a user their content was flagged and they are muted.
func CommitNotice(kind forum.Kind, expiresAt time.Time, loc *time.Location) string {
	return "Your " + kindTexts[kind].noun + " was flagged by the AI moderator for violating community guidelines. " +
		"Your account has been muted until " + FormatExpiration(expiresAt, loc) + ". " +
		"A human moderator will review your profile and decide whether to further implement or remove restrictive functions. " +
		"If the human moderator takes no action, you will be automatically unmuted between 0-12 hours after your mute expires. " +
		commitOriginal[kind] + " will be deleted unless a human moderator approves it before your mute expires."
}

// FormatExpiration renders t in loc, or UTC when loc is nil.
func FormatExpiration(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(ExpirationLayout)
}
