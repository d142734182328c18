package moderation

import (
	"errors"
	"time"
)

// ErrConfigMissing is returned by OnClassify when no classifier API key is
// configured. Moderation is skipped; it is not a failure of the submission.
var ErrConfigMissing = errors.New("moderation: classifier api key not configured")

// MutedError rejects a submission from an actively muted user. Message is
// safe to show to the user.
type MutedError struct {
	UserID    int64
	Message   string
	ExpiresAt time.Time // zero when the expiration could not be read
}

func (e *MutedError) Error() string {
	return "moderation: user is muted"
}
