// Package forum describes the host forum as seen by the moderator: the four
// submission kinds, the acting user, the submitted record, and a gorm-backed
// Store over the forum's own tables for group membership, content status and
// content deletion.
package forum

import (
	"fmt"
	"strings"
)

// Kind is the kind of submission a moderation request is for.
type Kind string

const (
	KindNewTopic  Kind = "new_topic"
	KindNewPost   Kind = "new_post"
	KindEditTopic Kind = "edit_topic"
	KindEditPost  Kind = "edit_post"
)

// ParseKind validates s as a submission kind. Dashes are accepted in place of
// underscores so URL segments like "new-topic" parse.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	switch k {
	case KindNewTopic, KindNewPost, KindEditTopic, KindEditPost:
		return k, nil
	}
	return "", fmt.Errorf("forum: unknown submission kind %q", s)
}

// IsTopic reports whether the kind carries a topic (title + first post).
func (k Kind) IsTopic() bool {
	return k == KindNewTopic || k == KindEditTopic
}

// RoleAdministrator is the role that bypasses moderation.
const RoleAdministrator = "administrator"

// Actor is the user performing a submission.
type Actor struct {
	UserID int64    `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// IsAdministrator reports whether the actor holds the administrator role.
func (a Actor) IsAdministrator() bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, RoleAdministrator) {
			return true
		}
	}
	return false
}

// Content is the mutable submission record the forum hands to each hook.
// Before the forum's write the ids may be zero; at commit they are set.
type Content struct {
	ID          int64  `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	Body        string `json:"body"`
	TopicID     int64  `json:"topicid,omitempty"`
	PostID      int64  `json:"postid,omitempty"`
	FirstPostID int64  `json:"first_postid,omitempty"`
}

// Status is a topic or post approval status.
type Status int

const (
	StatusApproved   Status = 0
	StatusUnapproved Status = 1
)
