package api

import (
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/mute"
	"github.com/whisper/llm-moderator/internal/reconcile"
)

// MutesPerPage is the page size of the mute listing.
const MutesPerPage = 100

// MuteView is one mute record as listed to administrators.
type MuteView struct {
	UserID         int64     `json:"user_id"`
	PostID         int64     `json:"post_id,omitempty"`
	TopicID        int64     `json:"topic_id,omitempty"`
	IsTopic        bool      `json:"is_topic"`
	Content        string    `json:"content,omitempty"`
	Type           string    `json:"type"`
	Reason         string    `json:"reason,omitempty"`
	MuteTime       time.Time `json:"mute_time"`
	ExpirationTime time.Time `json:"expiration_time"`
	Active         bool      `json:"active"`
}

// MuteList is one page of mutes.
type MuteList struct {
	Mutes []MuteView `json:"mutes"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Pages int        `json:"pages"`
}

// CleanupResponse reports a cleanup pass.
type CleanupResponse struct {
	Message      string `json:"message"`
	Processed    int    `json:"processed"`
	StillExpired int    `json:"still_expired"`
}

func parseID(c *fiber.Ctx, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Params(param), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ListMutes returns one page of mute records, soonest expiration first.
func (s *Server) ListMutes(c *fiber.Ctx) error {
	ctx := c.UserContext()
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}

	total, err := s.mutes.Count(ctx)
	if err != nil {
		log.Printf("[api] list mutes: %v", err)
		return respondWithError(c, fiber.StatusInternalServerError, "mute store unavailable")
	}
	records, err := s.mutes.List(ctx, MutesPerPage, (page-1)*MutesPerPage)
	if err != nil {
		log.Printf("[api] list mutes: %v", err)
		return respondWithError(c, fiber.StatusInternalServerError, "mute store unavailable")
	}

	now := s.now()
	views := make([]MuteView, 0, len(records))
	for i := range records {
		views = append(views, newMuteView(&records[i], now))
	}
	return c.JSON(MuteList{
		Mutes: views,
		Total: total,
		Page:  page,
		Pages: (total + MutesPerPage - 1) / MutesPerPage,
	})
}

func newMuteView(r *mute.Record, now time.Time) MuteView {
	return MuteView{
		UserID:         r.UserID,
		PostID:         r.PostID,
		TopicID:        r.TopicID,
		IsTopic:        r.IsTopic,
		Content:        r.Content,
		Type:           r.Type,
		Reason:         r.Reason,
		MuteTime:       r.MuteTime,
		ExpirationTime: r.ExpirationTime,
		Active:         r.Active(now),
	}
}

// UnmuteUser reverses a user's mute immediately.
func (s *Server) UnmuteUser(c *fiber.Ctx) error {
	userID, ok := parseID(c, "userID")
	if !ok {
		return respondWithError(c, fiber.StatusBadRequest, "invalid user id")
	}

	found, err := s.reconciler.Unmute(c.UserContext(), userID)
	if err != nil {
		log.Printf("[api] unmute user %d: %v", userID, err)
		return respondWithError(c, fiber.StatusInternalServerError, "unmute failed")
	}
	if !found {
		return respondWithError(c, fiber.StatusNotFound, "user is not muted")
	}
	return c.JSON(fiber.Map{"user_id": userID, "unmuted": true})
}

// RunCleanup runs a cleanup pass now.
func (s *Server) RunCleanup(c *fiber.Ctx) error {
	report, err := s.reconciler.RunCleanup(c.UserContext(), s.now())
	if errors.Is(err, reconcile.ErrCleanupInProgress) {
		return respondWithError(c, fiber.StatusConflict, "cleanup already in progress")
	}
	if err != nil {
		log.Printf("[api] cleanup: %v", err)
		return respondWithError(c, fiber.StatusInternalServerError, "cleanup failed")
	}
	return c.JSON(CleanupResponse{
		Message:      report.Message(),
		Processed:    report.Processed,
		StillExpired: report.StillExpired,
	})
}

// UnmuteCapability reports whether a usergroup may run manual unmutes.
func (s *Server) UnmuteCapability(c *fiber.Ctx) error {
	groupID, ok := parseID(c, "groupID")
	if !ok {
		return respondWithError(c, fiber.StatusBadRequest, "invalid group id")
	}
	capability := s.opts.UnmuteCapability
	allowed, err := s.capabilities.GroupHasCapability(c.UserContext(), groupID, capability)
	if errors.Is(err, forum.ErrNotFound) {
		return respondWithError(c, fiber.StatusNotFound, "group not found")
	}
	if err != nil {
		log.Printf("[api] read %s on group %d: %v", capability, groupID, err)
		return respondWithError(c, fiber.StatusInternalServerError, "capability lookup failed")
	}
	return c.JSON(fiber.Map{"group_id": groupID, "capability": capability, "allowed": allowed})
}

// GrantUnmute lets a usergroup run manual unmutes in the forum.
func (s *Server) GrantUnmute(c *fiber.Ctx) error {
	return s.setUnmuteCapability(c, true)
}

// RevokeUnmute withdraws the unmute capability from a usergroup.
func (s *Server) RevokeUnmute(c *fiber.Ctx) error {
	return s.setUnmuteCapability(c, false)
}

func (s *Server) setUnmuteCapability(c *fiber.Ctx, allowed bool) error {
	groupID, ok := parseID(c, "groupID")
	if !ok {
		return respondWithError(c, fiber.StatusBadRequest, "invalid group id")
	}
	capability := s.opts.UnmuteCapability
	err := s.capabilities.SetGroupCapability(c.UserContext(), groupID, capability, allowed)
	if errors.Is(err, forum.ErrNotFound) {
		return respondWithError(c, fiber.StatusNotFound, "group not found")
	}
	if err != nil {
		log.Printf("[api] set %s=%v on group %d: %v", capability, allowed, groupID, err)
		return respondWithError(c, fiber.StatusInternalServerError, "capability update failed")
	}
	return c.JSON(fiber.Map{"group_id": groupID, "capability": capability, "allowed": allowed})
}
