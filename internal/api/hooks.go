package api

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/moderation"
)

// HookRequest is the body of every hook call. Token is empty on gate.
type HookRequest struct {
	Token   string        `json:"token"`
	Actor   forum.Actor   `json:"actor"`
	Content forum.Content `json:"content"`
}

// GateResponse carries the token the forum passes to the later phases.
type GateResponse struct {
	Token string `json:"token"`
}

// ClassifyResponse carries the content to store, possibly with a message
// appended to its body.
type ClassifyResponse struct {
	Content forum.Content `json:"content"`
}

// CommitResponse reports whether the author was muted.
type CommitResponse struct {
	Muted     bool       `json:"muted"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Notice    string     `json:"notice,omitempty"`
}

func (s *Server) parseHook(c *fiber.Ctx) (forum.Kind, *HookRequest, error) {
	kind, err := forum.ParseKind(c.Params("kind"))
	if err != nil {
		return "", nil, respondWithError(c, fiber.StatusNotFound, err.Error())
	}
	var body HookRequest
	if err := c.BodyParser(&body); err != nil {
		return "", nil, respondWithError(c, fiber.StatusBadRequest, "invalid request body")
	}
	return kind, &body, nil
}

// matches reports whether a stored request belongs to this call.
func matches(req *moderation.Request, kind forum.Kind, actor forum.Actor) bool {
	return req != nil && req.Kind == kind && req.Actor.UserID == actor.UserID
}

// Gate runs the gate phase. A muted user gets 403 with a message to show;
// everyone else gets a token for the classify and commit calls.
func (s *Server) Gate(c *fiber.Ctx) error {
	kind, body, err := s.parseHook(c)
	if body == nil {
		return err
	}
	ctx := c.UserContext()

	req := s.moderator.Begin(kind, body.Actor)
	if err := s.moderator.OnGate(ctx, req); err != nil {
		var muted *moderation.MutedError
		if errors.As(err, &muted) {
			return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
				Error:   "muted",
				Message: muted.Message,
			})
		}
		log.Printf("[api] gate %s user %d: %v", kind, body.Actor.UserID, err)
	}

	token, err := s.sessions.Create(ctx, req)
	if err != nil {
		log.Printf("[api] gate %s user %d: %v", kind, body.Actor.UserID, err)
		return c.JSON(GateResponse{})
	}
	return c.JSON(GateResponse{Token: token})
}

// Classify runs the classify phase and returns the content to store. The
// content comes back unchanged whenever moderation cannot run.
func (s *Server) Classify(c *fiber.Ctx) error {
	kind, body, err := s.parseHook(c)
	if body == nil {
		return err
	}
	ctx := c.UserContext()
	content := body.Content

	req, err := s.sessions.Get(ctx, body.Token)
	if err != nil {
		log.Printf("[api] classify %s user %d: %v", kind, body.Actor.UserID, err)
		return c.JSON(ClassifyResponse{Content: content})
	}
	if !matches(req, kind, body.Actor) {
		log.Printf("[api] classify %s user %d: unknown token", kind, body.Actor.UserID)
		return c.JSON(ClassifyResponse{Content: content})
	}

	if err := s.moderator.OnClassify(ctx, req, &content); err != nil {
		if errors.Is(err, moderation.ErrConfigMissing) {
			log.Printf("[api] classify %s user %d: %v", kind, body.Actor.UserID, err)
		}
		return c.JSON(ClassifyResponse{Content: body.Content})
	}

	if err := s.sessions.Save(ctx, body.Token, req); err != nil {
		log.Printf("[api] classify %s user %d: %v", kind, body.Actor.UserID, err)
	}
	return c.JSON(ClassifyResponse{Content: content})
}

// Commit runs the commit phase. The stored request is consumed whatever the
// outcome.
func (s *Server) Commit(c *fiber.Ctx) error {
	kind, body, err := s.parseHook(c)
	if body == nil {
		return err
	}
	ctx := c.UserContext()

	req, err := s.sessions.Take(ctx, body.Token)
	if err != nil {
		log.Printf("[api] commit %s user %d: %v", kind, body.Actor.UserID, err)
		return c.JSON(CommitResponse{})
	}
	if !matches(req, kind, body.Actor) {
		return c.JSON(CommitResponse{})
	}

	out, err := s.moderator.OnCommit(ctx, req, body.Content)
	if err != nil {
		log.Printf("[api] commit %s user %d: %v", kind, body.Actor.UserID, err)
		return c.JSON(CommitResponse{})
	}
	if !out.Muted {
		return c.JSON(CommitResponse{})
	}
	exp := out.ExpiresAt
	return c.JSON(CommitResponse{Muted: true, ExpiresAt: &exp, Notice: out.Notice})
}
