package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/suPer8Hu/healthchat/internal/ai"
	"github.com/suPer8Hu/healthchat/internal/chat"
	"github.com/suPer8Hu/healthchat/internal/config"
	"github.com/suPer8Hu/healthchat/internal/db"
	"github.com/suPer8Hu/healthchat/internal/httpapi/handlers"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeProvider struct {
	chunks []string
	ready  error
}

func (p *fakeProvider) Chat(ctx context.Context, _ []ai.Message) (string, error) {
	return strings.Join(p.chunks, ""), nil
}

func (p *fakeProvider) StreamChat(ctx context.Context, _ []ai.Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, c := range p.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return out, errs
}

func (p *fakeProvider) Ready() error { return p.ready }

// syncPublisher processes jobs inline instead of going through a broker.
type syncPublisher struct{ svc *chat.Service }

func (p syncPublisher) PublishJob(ctx context.Context, jobID string) error {
	_ = p.svc.ProcessJob(ctx, jobID)
	return nil
}

type testServer struct {
	router *gin.Engine
	token  string
}

func newTestServer(t *testing.T, prov *fakeProvider) *testServer {
	t.Helper()
	gdb, err := db.Connect("sqlite", filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) { return prov, nil })
	svc := chat.NewService(chat.NewRepo(gdb), reg, chat.Options{Locker: chat.NewLocalLocker()})
	cfg := config.Config{JWTSecret: "test-secret", CORSOrigins: []string{"http://localhost:3000"}}

	s := &testServer{router: NewRouter(handlers.NewHandler(gdb, cfg, svc, syncPublisher{svc: svc}))}
	w := s.do(t, http.MethodPost, "/users", map[string]string{"email": "ada@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s.token = gjson.Get(w.Body.String(), "data.token").String()
	require.NotEmpty(t, s.token)
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createSession(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/chat/sessions", map[string]string{"first_message": "headache since monday"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := gjson.Get(w.Body.String(), "data.session.id").String()
	require.NotEmpty(t, id)
	return id
}

func TestUsers(t *testing.T) {
	s := newTestServer(t, &fakeProvider{})

	w := s.do(t, http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ada@example.com", gjson.Get(w.Body.String(), "data.email").String())

	s.token = ""
	w = s.do(t, http.MethodPost, "/login", map[string]string{"email": "ada@example.com", "password": "bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/login", map[string]string{"email": "ADA@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "data.token").String())

	w = s.do(t, http.MethodPost, "/users", map[string]string{"email": "ada@example.com", "password": "pw"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	s := newTestServer(t, &fakeProvider{chunks: []string{"hi"}})
	s.token = ""
	for _, path := range []string{"/chat/stream", "/chat/sessions"} {
		w := s.do(t, http.MethodPost, path, map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestNoRoute(t *testing.T) {
	s := newTestServer(t, &fakeProvider{})
	w := s.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.EqualValues(t, 40400, gjson.Get(w.Body.String(), "code").Int())
}

func TestProfileAndInsights(t *testing.T) {
	s := newTestServer(t, &fakeProvider{})

	w := s.do(t, http.MethodGet, "/profile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, gjson.Null, gjson.Get(w.Body.String(), "data.profile").Type)

	w = s.do(t, http.MethodPut, "/profile", map[string]any{"name": "Ada", "age": 36, "sex": "female", "conditions": []string{"asthma"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/profile", nil)
	assert.Equal(t, "asthma", gjson.Get(w.Body.String(), "data.profile.conditions.0").String())

	w = s.do(t, http.MethodPut, "/profile", map[string]any{"age": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/insights", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "data.insights").IsArray())
}

func TestSessionTurnOverSSE(t *testing.T) {
	s := newTestServer(t, &fakeProvider{chunks: []string{
		"<reasoning>Timing matters</reasoning><answer>Noted.</answer>",
		`<actionitems>[{"task":"Drink water","why":"Hydration","urgency":"routine"}]</actionitems>`,
	}})
	sid := s.createSession(t)

	w := s.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages/stream", map[string]string{"message": "it hurts", "client_message_id": "c1"})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, body, "event: user_message\n")
	assert.Contains(t, body, "event: text\n")
	assert.Contains(t, body, "event: reasoning\n")
	assert.Contains(t, body, "event: done\n")
	assert.NotContains(t, body, `\u003c`)

	w = s.do(t, http.MethodGet, "/chat/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := gjson.Get(w.Body.String(), "data.session")
	assert.Equal(t, "headache since monday", sess.Get("title").String())
	assert.EqualValues(t, 2, sess.Get("messages.#").Int())
	assert.Equal(t, "Noted.", sess.Get("messages.1.content").String())
	assert.EqualValues(t, 1, sess.Get("question_count").Int())

	itemID := sess.Get("action_items.0.id").String()
	require.NotEmpty(t, itemID)
	w = s.do(t, http.MethodPatch, "/chat/action-items/"+itemID, map[string]bool{"completed": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "data.action_item.completed").Bool())

	w = s.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages/stream", map[string]string{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, "/chat/sessions/"+sid, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/chat/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAsyncTurn(t *testing.T) {
	s := newTestServer(t, &fakeProvider{chunks: []string{"<answer>Later.</answer>"}})
	sid := s.createSession(t)

	w := s.do(t, http.MethodPost, "/chat/sessions/"+sid+"/messages/async", map[string]string{"message": "hello"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	jobID := gjson.Get(w.Body.String(), "data.job_id").String()
	require.NotEmpty(t, jobID)

	w = s.do(t, http.MethodGet, "/chat/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(chat.JobSucceeded), gjson.Get(w.Body.String(), "data.job.status").String())

	w = s.do(t, http.MethodGet, "/chat/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatelessChatStream(t *testing.T) {
	s := newTestServer(t, &fakeProvider{chunks: []string{"<answer>", "Rest.</answer>"}})

	w := s.do(t, http.MethodPost, "/chat/stream", map[string]any{
		"session":  map[string]any{"id": "x", "messages": []map[string]string{{"role": "user", "content": "tired"}}},
		"profile":  nil,
		"insights": []any{},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t,
		"data: {\"text\":\"<answer>\"}\n\ndata: {\"text\":\"Rest.</answer>\"}\n\ndata: {\"done\":true}\n\n",
		w.Body.String())
}

func TestStatelessChatStreamNotConfigured(t *testing.T) {
	s := newTestServer(t, &fakeProvider{ready: ai.ErrNotConfigured})

	w := s.do(t, http.MethodPost, "/chat/stream", map[string]any{"session": map[string]any{}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "API key not configured", gjson.Get(w.Body.String(), "error").String())
}
