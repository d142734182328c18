package moderation

import (
	"github.com/whisper/llm-moderator/internal/forum"
)

// Verdict is the classification snapshot carried from the classify phase to
// the commit phase of one submission.
type Verdict struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	UserID  int64  `json:"user_id"`
	Content string `json:"content"`
}

// Request is the moderation state of one submission. It is created by Begin,
// passed by the caller through OnGate, OnClassify and OnCommit, and released
// by OnCommit. Two submissions never share a Request.
type Request struct {
	Kind  forum.Kind  `json:"kind"`
	Actor forum.Actor `json:"actor"`

	// Blocked is set when the gate refused the submission.
	Blocked bool `json:"blocked,omitempty"`

	// Verdict is set when the classifier flagged the content under an
	// enabled rule.
	Verdict *Verdict `json:"verdict,omitempty"`

	released bool
}

// Release clears both the gate marker and the verdict. A released Request
// carries nothing into a later phase.
func (r *Request) Release() {
	r.Blocked = false
	r.Verdict = nil
	r.released = true
}

// Released reports whether Release has been called.
func (r *Request) Released() bool {
	return r.released
}
