package http

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"

	"alphachat/internal/ai"
	"alphachat/internal/bootstrap"
	"alphachat/internal/config"
	"alphachat/internal/model"
	"alphachat/internal/transport/http/response"
)

const testWebhookSecret = "whsec_test"

type scriptedGenerator struct {
	chunks []string
	err    error
}

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Stream(_ context.Context, _ ai.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, chunk := range g.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if g.err != nil {
			yield("", g.err)
		}
	}
}

type testServer struct {
	app    *bootstrap.App
	router *gin.Engine
}

func newTestServer(t *testing.T, gen ai.Generator, tweak func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.App.GinMode = gin.TestMode
	cfg.Storage.Driver = config.StorageMemory
	cfg.Redis.Addr = ""
	cfg.RabbitMQ.URL = ""
	cfg.Billing.WebhookSecret = testWebhookSecret
	if tweak != nil {
		tweak(cfg)
	}

	opts := []bootstrap.Option{bootstrap.WithLogger(slog.New(slog.DiscardHandler))}
	if gen != nil {
		opts = append(opts, bootstrap.WithGenerator(gen))
	}
	app, err := bootstrap.Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	return &testServer{app: app, router: NewRouter(app)}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func (s *testServer) register(t *testing.T, email string) (string, uint) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{"email": email, "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var data struct {
		Token string `json:"token"`
		User  struct {
			ID uint `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &data))
	return data.Token, data.User.ID
}

func (s *testServer) setUsage(t *testing.T, userID uint, usage int) {
	t.Helper()
	_, err := s.app.Sessions.Update(context.Background(), userID, func(u *model.User) error {
		u.Usage = usage
		return nil
	})
	require.NoError(t, err)
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimRight(body, "\n"), "\n\n") {
		var ev sseEvent
		var lines []string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				lines = append(lines, strings.TrimPrefix(line, "data: "))
			}
		}
		ev.data = strings.Join(lines, "\n")
		events = append(events, ev)
	}
	return events
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t, nil, nil)
	token, _ := s.register(t, "alpha@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{"email": "alpha@example.com", "password": "password123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, response.CodeEmailExists, decode(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "alpha@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, response.CodeInvalidCredentials, decode(t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "alpha@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile struct {
		Email     string `json:"email"`
		Tier      string `json:"tier"`
		IsPremium bool   `json:"is_premium"`
		Usage     int    `json:"usage"`
		Limit     int    `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &profile))
	assert.Equal(t, "alpha@example.com", profile.Email)
	assert.Equal(t, "free", profile.Tier)
	assert.False(t, profile.IsPremium)
	assert.Equal(t, 10, profile.Limit)
}

func TestChatRequiresToken(t *testing.T) {
	s := newTestServer(t, &scriptedGenerator{}, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", "", gin.H{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, response.CodeUnauthorized, decode(t, rec).Code)
}

func TestChatStreamsSSE(t *testing.T) {
	s := newTestServer(t, &scriptedGenerator{chunks: []string{"Hello ", "line one\nline two", " bye"}}, nil)
	token, userID := s.register(t, "alpha@example.com")
	s.setUsage(t, userID, 9)

	rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "Explain recursion in five sentences...", "mode": "alpha"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	sessionID := rec.Header().Get("X-Session-ID")
	require.NotEmpty(t, sessionID)

	events := parseSSE(rec.Body.String())
	require.Len(t, events, 5)
	assert.Equal(t, "session", events[0].name)
	assert.Contains(t, events[0].data, sessionID)
	assert.Equal(t, "Hello ", events[1].data)
	assert.Equal(t, "line one\nline two", events[2].data)
	assert.Equal(t, " bye", events[3].data)
	assert.Equal(t, "done", events[4].name)

	var done struct {
		SessionID string `json:"session_id"`
		Title     string `json:"title"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[4].data), &done))
	assert.Equal(t, sessionID, done.SessionID)
	assert.Equal(t, "Explain recursion in five sent...", done.Title)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/sessions/"+sessionID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var session model.Session
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &session))
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "Hello line one\nline two bye", session.Messages[1].Content)

	// The quota is now spent.
	rec = s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "again", "mode": "alpha"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, response.CodeQuotaExceeded, decode(t, rec).Code)

	// Strict mode still works.
	rec = s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "again", "mode": "strict", "session_id": sessionID})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sessionID, rec.Header().Get("X-Session-ID"))
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(t, &scriptedGenerator{chunks: []string{"ok"}}, nil)
	token, _ := s.register(t, "alpha@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "hi", "mode": "wild"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatUpstreamUnavailable(t *testing.T) {
	s := newTestServer(t, nil, func(cfg *config.Config) { cfg.LLM.APIKey = "" })
	token, _ := s.register(t, "alpha@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, response.CodeUpstreamUnavailable, decode(t, rec).Code)
}

func TestChatMidStreamFailureEndsWithErrorEvent(t *testing.T) {
	s := newTestServer(t, &scriptedGenerator{chunks: []string{"partial"}, err: errors.New("upstream reset")}, nil)
	token, _ := s.register(t, "alpha@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseSSE(rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "partial", events[1].data)
	assert.Equal(t, "error", events[2].name)
	assert.Contains(t, events[2].data, fmt.Sprint(response.CodeUpstreamError))

	rec = s.do(t, http.MethodGet, "/api/v1/chat/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(decode(t, rec).Data))
}

func TestChatRateLimited(t *testing.T) {
	s := newTestServer(t, &scriptedGenerator{chunks: []string{"ok"}}, func(cfg *config.Config) { cfg.RateLimit.Limit = 2 })
	token, _ := s.register(t, "alpha@example.com")

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "hi"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "hi"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, response.CodeRateLimited, decode(t, rec).Code)
}

func TestSessionRoutesShareChatRateLimit(t *testing.T) {
	s := newTestServer(t, &scriptedGenerator{chunks: []string{"ok"}}, func(cfg *config.Config) { cfg.RateLimit.Limit = 2 })
	token, _ := s.register(t, "alpha@example.com")

	rec := s.do(t, http.MethodGet, "/api/v1/chat/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/sessions", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, response.CodeRateLimited, decode(t, rec).Code)
	rec = s.do(t, http.MethodPost, "/api/v1/chat/messages", token, gin.H{"message": "hi"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, nil, nil)
	token, _ := s.register(t, "alpha@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/chat/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created model.Session
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &created))
	assert.Equal(t, model.DefaultSessionTitle, created.Title)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/sessions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.SessionSummary
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/sessions/unknown", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, response.CodeSessionNotFound, decode(t, rec).Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"deleted_session_id":%q,"deleted":true}`, created.ID), string(decode(t, rec).Data))

	rec = s.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"deleted_session_id":%q,"deleted":false}`, created.ID), string(decode(t, rec).Data))
}

func TestBillingWebhook(t *testing.T) {
	s := newTestServer(t, nil, nil)
	token, userID := s.register(t, "buyer@example.com")
	s.setUsage(t, userID, 10)

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"%d","payment_status":"paid"}}}`, userID))
	now := time.Now()
	signature := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(webhook.ComputeSignature(now, payload, testWebhookSecret)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, response.CodeInvalidSignature, decode(t, rec).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile struct {
		IsPremium bool `json:"is_premium"`
		Usage     int  `json:"usage"`
		Remaining int  `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &profile))
	assert.True(t, profile.IsPremium)
	assert.Equal(t, 0, profile.Usage)
	assert.Equal(t, -1, profile.Remaining)
}

func TestCheckoutWithoutStripe(t *testing.T) {
	s := newTestServer(t, nil, nil)
	token, _ := s.register(t, "buyer@example.com")

	rec := s.do(t, http.MethodPost, "/api/v1/billing/checkout", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, response.CodeBillingUnavailable, decode(t, rec).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &scriptedGenerator{}, nil)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"disabled"`)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
