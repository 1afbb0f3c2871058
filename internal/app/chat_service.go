package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"alphachat/internal/ai"
	"alphachat/internal/metrics"
	"alphachat/internal/model"
	"alphachat/internal/quota"
	"alphachat/internal/ratelimit"
	"alphachat/internal/store"
)

const defaultPersistTimeout = 10 * time.Second

// State is the position of one chat request in its lifecycle.
type State int

const (
	StateAdmitted State = iota + 1
	StateQuotaChecked
	StateSessionResolved
	StateUpstreamStreaming
	StatePersisted
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateQuotaChecked:
		return "quota_checked"
	case StateSessionResolved:
		return "session_resolved"
	case StateUpstreamStreaming:
		return "upstream_streaming"
	case StatePersisted:
		return "persisted"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Personas holds the system instruction for each mode.
type Personas struct {
	Alpha  string
	Strict string
}

func (p Personas) For(mode quota.Mode) string {
	if mode == quota.ModeAlpha {
		return p.Alpha
	}
	return p.Strict
}

type ChatOptions struct {
	Personas Personas
	// MaxContext caps how many prior messages are sent upstream; 0 sends the whole session.
	MaxContext int
	// IdleTimeout aborts a stream that produces nothing for this long; 0 disables it.
	IdleTimeout    time.Duration
	PersistTimeout time.Duration
}

type ChatService struct {
	sessions  *store.SessionStore
	limiter   ratelimit.Limiter
	quota     *quota.Tracker
	generator ai.Generator
	opts      ChatOptions
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type ChatInput struct {
	UserID    uint
	ClientKey string
	SessionID string
	Content   string
	Mode      string
}

type ChatResult struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	NewSession   bool   `json:"new_session"`
	Content      string `json:"-"`
	ContentBytes int    `json:"content_bytes"`
}

// NewChatService wires the orchestrator. limiter and generator may be nil: no limiter admits
// everything, no generator makes every chat fail with ErrUpstreamUnavailable.
func NewChatService(
	sessions *store.SessionStore,
	limiter ratelimit.Limiter,
	tracker *quota.Tracker,
	generator ai.Generator,
	opts ChatOptions,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ChatService {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		sessions:  sessions,
		limiter:   limiter,
		quota:     tracker,
		generator: generator,
		opts:      opts,
		metrics:   m,
		logger:    logger.With(slog.String("component", "chat")),
		now:       time.Now,
	}
}

func (s *ChatService) ListSessions(ctx context.Context, userID uint) ([]model.SessionSummary, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	sessions, err := s.sessions.ListSessions(ctx, userID)
	return sessions, storeError(err)
}

func (s *ChatService) GetSession(ctx context.Context, userID uint, sessionID string) (*model.Session, error) {
	if userID == 0 || strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidInput
	}
	session, err := s.sessions.GetSession(ctx, userID, sessionID)
	return session, storeError(err)
}

func (s *ChatService) CreateSession(ctx context.Context, userID uint, title string) (*model.Session, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	session, err := s.sessions.CreateSession(ctx, userID, title)
	return session, storeError(err)
}

// DeleteSession reports whether a session was removed; an unknown id is not an error.
func (s *ChatService) DeleteSession(ctx context.Context, userID uint, sessionID string) (bool, error) {
	if userID == 0 || strings.TrimSpace(sessionID) == "" {
		return false, ErrInvalidInput
	}
	deleted, err := s.sessions.DeleteSession(ctx, userID, sessionID)
	return deleted, storeError(err)
}

// Begin runs every check that must pass before anything is streamed: admission, the user
// snapshot, quota, upstream availability and session resolution. It has no persistent side
// effects. The returned Exchange must be either streamed or aborted.
func (s *ChatService) Begin(ctx context.Context, input ChatInput) (*Exchange, error) {
	if input.UserID == 0 {
		return nil, ErrUnauthenticated
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, ErrMessageEmpty
	}
	mode, err := quota.ParseMode(input.Mode)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(slog.Uint64("user_id", uint64(input.UserID)), slog.String("mode", string(mode)))

	if s.limiter != nil {
		allowed, err := s.limiter.Admit(ctx, input.ClientKey)
		if err != nil {
			logger.Warn("rate limiter unavailable, admitting request", slog.Any("error", err))
			allowed = true
		}
		if !allowed {
			s.metrics.RateLimited.Inc()
			s.observe(mode, "rate_limited")
			return nil, ErrRateLimited
		}
	}

	user, err := s.sessions.LoadUser(ctx, input.UserID)
	if err != nil {
		s.observe(mode, "rejected")
		return nil, storeError(err)
	}

	reservation, err := s.quota.Reserve(user, mode)
	if err != nil {
		s.observe(mode, "quota_exceeded")
		return nil, err
	}

	if s.generator == nil {
		reservation.Release()
		s.observe(mode, "upstream_unavailable")
		return nil, ErrUpstreamUnavailable
	}

	session, isNew := s.resolveSession(user, input.SessionID, content)
	now := s.now()
	ex := &Exchange{
		svc:         s,
		userID:      user.ID,
		mode:        mode,
		session:     session,
		newSession:  isNew,
		reservation: reservation,
		userMessage: model.Message{Role: model.RoleUser, Content: content, Timestamp: now},
		prompt:      s.buildPrompt(mode, session.Messages, content),
		state:       StateSessionResolved,
		logger:      logger.With(slog.String("session_id", session.ID)),
	}
	return ex, nil
}

func (s *ChatService) resolveSession(user *model.User, sessionID, content string) (model.Session, bool) {
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		if idx := user.FindSession(sessionID); idx >= 0 {
			return user.Sessions[idx], false
		}
	}
	return s.sessions.NewSession(user, model.TitleFromMessage(content)), true
}

func (s *ChatService) buildPrompt(mode quota.Mode, history []model.Message, content string) ai.Prompt {
	if s.opts.MaxContext > 0 && len(history) > s.opts.MaxContext {
		history = history[len(history)-s.opts.MaxContext:]
	}

	turns := make([]ai.Turn, 0, len(history)+1)
	for _, msg := range history {
		role := ai.RoleUser
		if msg.Role == model.RoleAssistant {
			role = ai.RoleAssistant
		}
		turns = append(turns, ai.Turn{Role: role, Content: msg.Content})
	}
	turns = append(turns, ai.Turn{Role: ai.RoleUser, Content: content})

	return ai.Prompt{
		SystemInstruction: s.opts.Personas.For(mode),
		Turns:             turns,
	}
}

func (s *ChatService) observe(mode quota.Mode, outcome string) {
	s.metrics.ChatRequests.WithLabelValues(string(mode), outcome).Inc()
}

// Exchange is one admitted chat request between Begin and the end of its stream.
// It is not safe for concurrent use.
type Exchange struct {
	svc         *ChatService
	userID      uint
	mode        quota.Mode
	session     model.Session
	newSession  bool
	reservation *quota.Reservation
	userMessage model.Message
	prompt      ai.Prompt
	state       State
	logger      *slog.Logger
}

func (e *Exchange) SessionID() string {
	return e.session.ID
}

func (e *Exchange) SessionTitle() string {
	return e.session.Title
}

func (e *Exchange) IsNewSession() bool {
	return e.newSession
}

func (e *Exchange) State() State {
	return e.state
}

// Abort releases an exchange that will never be streamed.
func (e *Exchange) Abort() {
	if e.state != StateSessionResolved {
		return
	}
	e.reservation.Release()
	e.state = StateFailed
	e.svc.observe(e.mode, "aborted")
}

// Stream relays the upstream completion chunk by chunk to onChunk and, once the upstream signals
// the end, saves the user and assistant messages and charges the quota in one document write.
// A failed, timed-out or cancelled stream saves nothing and charges nothing. An onChunk error is
// treated as the client going away.
func (e *Exchange) Stream(ctx context.Context, onChunk func(chunk string) error) (*ChatResult, error) {
	if e.state != StateSessionResolved {
		return nil, fmt.Errorf("%w: exchange already %s", ErrInvalidInput, e.state)
	}
	defer e.reservation.Release()

	e.state = StateUpstreamStreaming
	started := e.svc.now()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := newIdleTimer(e.svc.opts.IdleTimeout, cancel)

	var (
		full      strings.Builder
		streamErr error
		clientErr error
	)
	for chunk, err := range e.svc.generator.Stream(streamCtx, e.prompt) {
		if err != nil {
			streamErr = err
			break
		}
		idle.reset()
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		e.svc.metrics.StreamedChunks.Inc()
		if err := onChunk(chunk); err != nil {
			clientErr = err
			break
		}
	}
	timedOut := idle.stop()

	switch {
	case clientErr != nil:
		return nil, e.fail("client_gone", fmt.Errorf("%w: %v", ErrStreamCanceled, clientErr))
	case ctx.Err() != nil:
		return nil, e.fail("client_gone", fmt.Errorf("%w: %v", ErrStreamCanceled, ctx.Err()))
	case streamErr != nil && timedOut:
		return nil, e.fail("upstream_timeout", fmt.Errorf("%w: no output for %s", ErrUpstreamError, e.svc.opts.IdleTimeout))
	case streamErr != nil:
		return nil, e.fail("upstream_error", fmt.Errorf("%w: %v", ErrUpstreamError, streamErr))
	}

	content := full.String()
	if err := e.persist(ctx, content); err != nil {
		e.svc.metrics.PersistFailures.Inc()
		e.logger.Error("completed exchange was streamed but not saved",
			slog.Int("content_bytes", len(content)),
			slog.Any("error", err),
		)
		return nil, e.fail("persist_failed", err)
	}

	e.state = StatePersisted
	e.svc.metrics.StreamDuration.Observe(e.svc.now().Sub(started).Seconds())
	e.svc.observe(e.mode, "completed")
	return &ChatResult{
		SessionID:    e.session.ID,
		Title:        e.session.Title,
		NewSession:   e.newSession,
		Content:      content,
		ContentBytes: len(content),
	}, nil
}

func (e *Exchange) persist(ctx context.Context, content string) error {
	assistant := model.Message{Role: model.RoleAssistant, Content: content, Timestamp: e.svc.now()}

	// The stream already reached the client, so a disconnect at this point must not lose it.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.svc.opts.PersistTimeout)
	defer cancel()

	_, err := e.svc.sessions.Update(persistCtx, e.userID, func(user *model.User) error {
		idx := user.FindSession(e.session.ID)
		if idx < 0 {
			// New, or deleted by another request while streaming.
			user.PrependSession(e.session.Clone())
			idx = 0
		}
		user.Sessions[idx].Append(e.userMessage, assistant)
		e.svc.quota.Consume(user, e.mode)
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return fmt.Errorf("%w: user removed during stream", ErrPersistenceUnavailable)
		}
		return storeError(err)
	}
	return nil
}

func (e *Exchange) fail(outcome string, err error) error {
	e.state = StateFailed
	e.svc.observe(e.mode, outcome)
	if errors.Is(err, ErrStreamCanceled) {
		e.logger.Info("chat stream canceled", slog.Any("error", err))
	} else {
		e.logger.Warn("chat stream failed", slog.String("outcome", outcome), slog.Any("error", err))
	}
	return err
}

// idleTimer cancels the upstream call when no chunk arrives within d.
type idleTimer struct {
	d     time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func newIdleTimer(d time.Duration, cancel context.CancelFunc) *idleTimer {
	t := &idleTimer{d: d}
	if d <= 0 {
		return t
	}
	t.timer = time.AfterFunc(d, func() {
		t.fired.Store(true)
		cancel()
	})
	return t
}

func (t *idleTimer) reset() {
	if t.timer != nil {
		t.timer.Reset(t.d)
	}
}

// stop disarms the timer and reports whether it had already fired.
func (t *idleTimer) stop() bool {
	if t.timer != nil {
		t.timer.Stop()
	}
	return t.fired.Load()
}
