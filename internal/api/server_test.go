package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/llm-moderator/internal/classifier"
	"github.com/whisper/llm-moderator/internal/forum"
	"github.com/whisper/llm-moderator/internal/hooksession"
	"github.com/whisper/llm-moderator/internal/moderation"
	"github.com/whisper/llm-moderator/internal/mute"
	"github.com/whisper/llm-moderator/internal/policy"
	"github.com/whisper/llm-moderator/internal/ratelimit"
	"github.com/whisper/llm-moderator/internal/reconcile"
)

const (
	hookToken  = "hook-secret"
	adminToken = "admin-secret"
)

type fakeMutes struct {
	mu      sync.Mutex
	table   *policy.Table
	records map[int64]*mute.Record
}

func (f *fakeMutes) IsActivelyMuted(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[userID]
	return ok && r.Active(time.Now()), nil
}

func (f *fakeMutes) ActiveExpiration(_ context.Context, userID int64) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[userID]
	if !ok || !r.Active(time.Now()) {
		return time.Time{}, false, nil
	}
	return r.ExpirationTime, true, nil
}

func (f *fakeMutes) Upsert(_ context.Context, userID int64, mc mute.Context) (*mute.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	rec := &mute.Record{
		UserID: userID, PostID: mc.PostID, TopicID: mc.TopicID, IsTopic: mc.IsTopic,
		Content: mc.Content, Type: mc.Type, Reason: mc.Reason,
		MuteTime:       now,
		ExpirationTime: now.AddDate(0, 0, f.table.MuteDurationDays(mc.Type)),
	}
	f.records[userID] = rec
	return rec, nil
}

func (f *fakeMutes) List(_ context.Context, limit, offset int) ([]mute.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mute.Record
	for _, r := range f.records {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeMutes) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

type fakeClassifier struct {
	verdict *classifier.Verdict
	err     error
	calls   int
}

func (f *fakeClassifier) Classify(_ context.Context, prompt, model, apiKey string) (*classifier.Verdict, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

type fakeForum struct {
	mu       sync.Mutex
	statuses map[int64]forum.Status
	caps     map[int64]bool
}

func (f *fakeForum) FindGroup(context.Context, string) (int64, bool, error) { return 0, false, nil }

func (f *fakeForum) AddSecondaryGroup(context.Context, int64, int64) error { return nil }

func (f *fakeForum) SetPostStatus(_ context.Context, postID int64, status forum.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[postID] = status
	return nil
}

func (f *fakeForum) SetTopicStatus(context.Context, int64, forum.Status) error { return nil }

func (f *fakeForum) FirstPostID(context.Context, int64) (int64, bool, error) { return 0, false, nil }

func (f *fakeForum) GroupHasCapability(_ context.Context, groupID int64, capability string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if groupID == 404 {
		return false, fmt.Errorf("%w: group %d", forum.ErrNotFound, groupID)
	}
	return f.caps[groupID], nil
}

func (f *fakeForum) SetGroupCapability(_ context.Context, groupID int64, capability string, allowed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if groupID == 404 {
		return fmt.Errorf("%w: group %d", forum.ErrNotFound, groupID)
	}
	f.caps[groupID] = allowed
	return nil
}

type fakeReconciler struct {
	muted      map[int64]bool
	cleanupErr error
	report     reconcile.Report
}

func (f *fakeReconciler) Unmute(_ context.Context, userID int64) (bool, error) {
	if !f.muted[userID] {
		return false, nil
	}
	delete(f.muted, userID)
	return true, nil
}

func (f *fakeReconciler) RunCleanup(context.Context, time.Time) (reconcile.Report, error) {
	return f.report, f.cleanupErr
}

type harness struct {
	app   *fiber.App
	mutes *fakeMutes
	cls   *fakeClassifier
	forum *fakeForum
	rec   *fakeReconciler
	mr    *miniredis.Miniredis
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	table := policy.NewTable(policy.DefaultRules(), policy.DefaultMuteDays)
	h := &harness{
		mutes: &fakeMutes{table: table, records: map[int64]*mute.Record{}},
		cls:   &fakeClassifier{verdict: &classifier.Verdict{Type: "ALLOW", Reason: "fine"}},
		forum: &fakeForum{statuses: map[int64]forum.Status{}, caps: map[int64]bool{}},
		rec:   &fakeReconciler{muted: map[int64]bool{}},
		mr:    mr,
	}
	orch := moderation.NewOrchestrator(table, h.cls, h.mutes, h.forum, nil, moderation.Settings{
		APIKey:   "sk-test",
		Model:    classifier.DefaultModel,
		Location: time.UTC,
	})
	srv := NewServer(orch, hooksession.NewStore(rdb, 0), h.rec, h.mutes, h.forum, ratelimit.NewLimiter(rdb), opts)
	h.app = srv.App()
	return h
}

func defaultOptions() Options {
	return Options{
		HookToken:        hookToken,
		AdminToken:       adminToken,
		UnmuteCapability: "wpforo_ai_can_unmute",
		AdminRule:        ratelimit.AdminRule(100),
	}
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, defaultOptions())
	resp, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, defaultOptions())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHooks_RequireBearer(t *testing.T) {
	h := newHarness(t, defaultOptions())
	gate := HookRequest{Actor: forum.Actor{UserID: 1}}

	resp, _ := h.do(t, http.MethodPost, "/v1/hooks/new_post/gate", "", gate)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/hooks/new_post/gate", adminToken, gate)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHooks_DisabledWithoutToken(t *testing.T) {
	opts := defaultOptions()
	opts.HookToken = ""
	h := newHarness(t, opts)

	resp, _ := h.do(t, http.MethodPost, "/v1/hooks/new_post/gate", "", HookRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGate_UnknownKind(t *testing.T) {
	h := newHarness(t, defaultOptions())
	resp, _ := h.do(t, http.MethodPost, "/v1/hooks/new_reply/gate", hookToken, HookRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHooks_FlaggedSubmission(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.cls.verdict = &classifier.Verdict{Type: "FLAGGED", Reason: "spam"}
	actor := forum.Actor{UserID: 42}

	resp, body := h.do(t, http.MethodPost, "/v1/hooks/new_post/gate", hookToken, HookRequest{Actor: actor})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	resp, body = h.do(t, http.MethodPost, "/v1/hooks/new_post/classify", hookToken, HookRequest{
		Token:   token,
		Actor:   actor,
		Content: forum.Content{Body: "buy cheap pills"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content := body["content"].(map[string]interface{})
	assert.Equal(t,
		"buy cheap pills\n\n🤖 The AI moderator has flagged this post for the following reason: spam",
		content["body"])

	resp, body = h.do(t, http.MethodPost, "/v1/hooks/new_post/commit", hookToken, HookRequest{
		Token:   token,
		Actor:   actor,
		Content: forum.Content{ID: 55, Body: content["body"].(string)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["muted"])
	assert.NotEmpty(t, body["expires_at"])
	assert.Contains(t, body["notice"], "Your post was flagged by the AI moderator")
	assert.Equal(t, forum.StatusUnapproved, h.forum.statuses[55])

	// The session was consumed by the first commit.
	resp, body = h.do(t, http.MethodPost, "/v1/hooks/new_post/commit", hookToken, HookRequest{
		Token: token, Actor: actor, Content: forum.Content{ID: 55},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["muted"])

	// The muted user is refused at the next gate.
	resp, body = h.do(t, http.MethodPost, "/v1/hooks/new_topic/gate", hookToken, HookRequest{Actor: actor})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "muted", body["error"])
	assert.True(t, strings.HasPrefix(body["message"].(string),
		"You are currently muted and cannot create topics in the forum. Your mute will expire on "))
}

func TestHooks_AllowedSubmission(t *testing.T) {
	h := newHarness(t, defaultOptions())
	actor := forum.Actor{UserID: 7}

	_, body := h.do(t, http.MethodPost, "/v1/hooks/new_topic/gate", hookToken, HookRequest{Actor: actor})
	token := body["token"].(string)

	in := forum.Content{Title: "Hello", Body: "World"}
	_, body = h.do(t, http.MethodPost, "/v1/hooks/new_topic/classify", hookToken, HookRequest{Token: token, Actor: actor, Content: in})
	assert.Equal(t, "World", body["content"].(map[string]interface{})["body"])

	_, body = h.do(t, http.MethodPost, "/v1/hooks/new_topic/commit", hookToken, HookRequest{Token: token, Actor: actor, Content: in})
	assert.Equal(t, false, body["muted"])
	assert.Empty(t, h.mutes.records)
}

func TestClassify_PassesThroughWithoutSession(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.cls.verdict = &classifier.Verdict{Type: "FLAGGED", Reason: "spam"}

	resp, body := h.do(t, http.MethodPost, "/v1/hooks/new_post/classify", hookToken, HookRequest{
		Token:   "no-such-token",
		Actor:   forum.Actor{UserID: 3},
		Content: forum.Content{Body: "hello"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", body["content"].(map[string]interface{})["body"])
	assert.Equal(t, 0, h.cls.calls)
}

func TestClassify_RejectsForeignToken(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.cls.verdict = &classifier.Verdict{Type: "FLAGGED", Reason: "spam"}

	_, body := h.do(t, http.MethodPost, "/v1/hooks/new_post/gate", hookToken, HookRequest{Actor: forum.Actor{UserID: 1}})
	token := body["token"].(string)

	// Same token, different user.
	_, body = h.do(t, http.MethodPost, "/v1/hooks/new_post/classify", hookToken, HookRequest{
		Token: token, Actor: forum.Actor{UserID: 2}, Content: forum.Content{Body: "x"},
	})
	assert.Equal(t, "x", body["content"].(map[string]interface{})["body"])

	// Same token, different kind.
	_, body = h.do(t, http.MethodPost, "/v1/hooks/edit_post/classify", hookToken, HookRequest{
		Token: token, Actor: forum.Actor{UserID: 1}, Content: forum.Content{Body: "x"},
	})
	assert.Equal(t, "x", body["content"].(map[string]interface{})["body"])
	assert.Equal(t, 0, h.cls.calls)
}

func TestClassify_ClassifierFailureKeepsContent(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.cls.err = fmt.Errorf("%w: timeout", classifier.ErrClassifier)
	actor := forum.Actor{UserID: 5}

	_, body := h.do(t, http.MethodPost, "/v1/hooks/edit_post/gate", hookToken, HookRequest{Actor: actor})
	token := body["token"].(string)

	resp, body := h.do(t, http.MethodPost, "/v1/hooks/edit_post/classify", hookToken, HookRequest{
		Token: token, Actor: actor, Content: forum.Content{Body: "edited"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "edited", body["content"].(map[string]interface{})["body"])
	assert.Equal(t, 1, h.cls.calls)
}

func TestGate_AdministratorBypassesMute(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.mutes.records[9] = &mute.Record{UserID: 9, ExpirationTime: time.Now().Add(time.Hour)}

	resp, body := h.do(t, http.MethodPost, "/v1/hooks/new_post/gate", hookToken, HookRequest{
		Actor: forum.Actor{UserID: 9, Roles: []string{"administrator"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
}

func TestAdmin_RequireBearer(t *testing.T) {
	h := newHarness(t, defaultOptions())
	resp, _ := h.do(t, http.MethodGet, "/v1/admin/mutes", hookToken, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_ListMutes(t *testing.T) {
	h := newHarness(t, defaultOptions())
	now := time.Now()
	h.mutes.records[1] = &mute.Record{UserID: 1, Type: "FLAGGED", ExpirationTime: now.Add(time.Hour)}
	h.mutes.records[2] = &mute.Record{UserID: 2, Type: "FLAGGED", ExpirationTime: now.Add(-time.Hour)}

	resp, body := h.do(t, http.MethodGet, "/v1/admin/mutes?page=1", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 1, body["pages"])

	active := map[float64]bool{}
	for _, m := range body["mutes"].([]interface{}) {
		row := m.(map[string]interface{})
		active[row["user_id"].(float64)] = row["active"].(bool)
	}
	assert.Equal(t, map[float64]bool{1: true, 2: false}, active)
}

func TestAdmin_Unmute(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.rec.muted[12] = true

	resp, _ := h.do(t, http.MethodDelete, "/v1/admin/mutes/12", adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/v1/admin/mutes/12", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/v1/admin/mutes/abc", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_Cleanup(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.rec.report = reconcile.Report{Processed: 3, StillExpired: 0}

	resp, body := h.do(t, http.MethodPost, "/v1/admin/cleanup", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Cleanup completed successfully. 0 users currently expired.", body["message"])
	assert.EqualValues(t, 3, body["processed"])

	h.rec.cleanupErr = reconcile.ErrCleanupInProgress
	resp, _ = h.do(t, http.MethodPost, "/v1/admin/cleanup", adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	h.rec.cleanupErr = errors.New("db down")
	resp, _ = h.do(t, http.MethodPost, "/v1/admin/cleanup", adminToken, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAdmin_UnmuteCapability(t *testing.T) {
	h := newHarness(t, defaultOptions())

	resp, body := h.do(t, http.MethodPut, "/v1/admin/groups/4/unmute-capability", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wpforo_ai_can_unmute", body["capability"])
	assert.True(t, h.forum.caps[4])

	resp, body = h.do(t, http.MethodGet, "/v1/admin/groups/4/unmute-capability", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])

	resp, _ = h.do(t, http.MethodDelete, "/v1/admin/groups/4/unmute-capability", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, h.forum.caps[4])

	resp, body = h.do(t, http.MethodGet, "/v1/admin/groups/4/unmute-capability", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["allowed"])

	resp, _ = h.do(t, http.MethodPut, "/v1/admin/groups/404/unmute-capability", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/admin/groups/404/unmute-capability", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_RateLimited(t *testing.T) {
	opts := defaultOptions()
	opts.AdminRule = ratelimit.AdminRule(2)
	h := newHarness(t, opts)

	for i, want := range []string{"1", "0"} {
		resp, _ := h.do(t, http.MethodGet, "/v1/admin/mutes", adminToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
		assert.Equal(t, want, resp.Header.Get(HeaderRateLimitRemaining), "request %d", i+1)
	}
	resp, _ := h.do(t, http.MethodGet, "/v1/admin/mutes", adminToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get(HeaderRateLimitRemaining))

	h.mr.FastForward(time.Minute + time.Second)
	resp, _ = h.do(t, http.MethodGet, "/v1/admin/mutes", adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(HeaderRateLimitRemaining))
}
