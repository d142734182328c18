// Package api exposes the moderator over HTTP. The forum adapter calls the
// hook endpoints at the three points of its submission pipeline; operators
// use the admin endpoints to inspect mutes, unmute users, trigger a cleanup
// pass and manage the unmute capability.
package api

import (
	"context"
	"crypto/subtle"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/metrics"
	"github.com/whisper/llm-moderator/internal/moderation"
	"github.com/whisper/llm-moderator/internal/mute"
	"github.com/whisper/llm-moderator/internal/ratelimit"
	"github.com/whisper/llm-moderator/internal/reconcile"
)

// Moderator runs the three phases of one submission.
type Moderator interface {
	Begin(kind forum.Kind, actor forum.Actor) *moderation.Request
	OnGate(ctx context.Context, req *moderation.Request) error
	OnClassify(ctx context.Context, req *moderation.Request, content *forum.Content) error
	OnCommit(ctx context.Context, req *moderation.Request, content forum.Content) (*moderation.Outcome, error)
}

// Sessions holds requests between hook calls.
type Sessions interface {
	Create(ctx context.Context, req *moderation.Request) (string, error)
	Get(ctx context.Context, token string) (*moderation.Request, error)
	Save(ctx context.Context, token string, req *moderation.Request) error
	Take(ctx context.Context, token string) (*moderation.Request, error)
}

// Reconciler reverses mutes.
type Reconciler interface {
	Unmute(ctx context.Context, userID int64) (bool, error)
	RunCleanup(ctx context.Context, now time.Time) (reconcile.Report, error)
}

// MuteLister pages through mute records.
type MuteLister interface {
	List(ctx context.Context, limit, offset int) ([]mute.Record, error)
	Count(ctx context.Context) (int, error)
}

// Capabilities reads, grants and revokes usergroup capabilities.
type Capabilities interface {
	GroupHasCapability(ctx context.Context, groupID int64, capability string) (bool, error)
	SetGroupCapability(ctx context.Context, groupID int64, capability string, allowed bool) error
}

// Options configure a Server.
type Options struct {
	HookToken        string
	AdminToken       string
	UnmuteCapability string
	AdminRule        ratelimit.Rule
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	moderator    Moderator
	sessions     Sessions
	reconciler   Reconciler
	mutes        MuteLister
	capabilities Capabilities
	limiter      *ratelimit.Limiter
	opts         Options
	now          func() time.Time
}

// NewServer creates a Server. limiter may be nil to disable admin throttling.
func NewServer(mod Moderator, sessions Sessions, rec Reconciler, mutes MuteLister, caps Capabilities, limiter *ratelimit.Limiter, opts Options) *Server {
	return &Server{
		moderator:    mod,
		sessions:     sessions,
		reconciler:   rec,
		mutes:        mutes,
		capabilities: caps,
		limiter:      limiter,
		opts:         opts,
		now:          time.Now,
	}
}

// App builds the fiber application with every route registered. A blank
// token leaves the matching route group unregistered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "llm-moderator",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	s.SetupRoutes(app)
	return app
}

// SetupRoutes registers the routes on app.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/healthz", s.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	v1 := app.Group("/v1")

	if s.opts.HookToken != "" {
		hooks := v1.Group("/hooks/:kind", BearerRequired(s.opts.HookToken))
		hooks.Post("/gate", s.Gate)
		hooks.Post("/classify", s.Classify)
		hooks.Post("/commit", s.Commit)
	} else {
		log.Println("[api] hook_token not set; hook endpoints disabled")
	}

	if s.opts.AdminToken != "" {
		admin := v1.Group("/admin", BearerRequired(s.opts.AdminToken), s.AdminRateLimit())
		admin.Get("/mutes", s.ListMutes)
		admin.Delete("/mutes/:userID", s.UnmuteUser)
		admin.Post("/cleanup", s.RunCleanup)
		admin.Get("/groups/:groupID/unmute-capability", s.UnmuteCapability)
		admin.Put("/groups/:groupID/unmute-capability", s.GrantUnmute)
		admin.Delete("/groups/:groupID/unmute-capability", s.RevokeUnmute)
	} else {
		log.Println("[api] admin_token not set; admin endpoints disabled")
	}
}

// Health reports liveness.
func (s *Server) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondWithError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(ErrorResponse{Error: msg})
}

// BearerRequired rejects requests whose Authorization header does not carry
// token as a bearer token.
func BearerRequired(token string) fiber.Handler {
	want := []byte(token)
	return func(c *fiber.Ctx) error {
		got, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			return respondWithError(c, fiber.StatusUnauthorized, "unauthorized")
		}
		return c.Next()
	}
}

// HeaderRateLimitRemaining tells admin callers how many requests they have
// left in the current window.
const HeaderRateLimitRemaining = "X-RateLimit-Remaining"

// AdminRateLimit throttles admin callers per IP. Redis failures let the
// request through.
func (s *Server) AdminRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.limiter == nil || s.opts.AdminRule.Limit <= 0 {
			return c.Next()
		}
		ctx := c.UserContext()
		allowed, err := s.limiter.Allow(ctx, c.IP(), s.opts.AdminRule)
		if err != nil {
			return c.Next()
		}
		if !allowed {
			c.Set(HeaderRateLimitRemaining, "0")
			return respondWithError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		if remaining, err := s.limiter.Remaining(ctx, c.IP(), s.opts.AdminRule); err == nil {
			c.Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
		}
		return c.Next()
	}
}
