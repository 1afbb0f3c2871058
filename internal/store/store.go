// Package store keeps users' chat sessions. Every mutation is a read-modify-write of the whole user
// document, serialized per user and saved with an optimistic version check.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"alphachat/internal/model"
	"alphachat/internal/pkg/keymutex"
)

const maxUpdateAttempts = 3

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionConflict = errors.New("user document was modified concurrently")
	ErrEmailTaken      = errors.New("email already registered")

	errUnchanged = errors.New("document unchanged")
)

// Documents loads and saves whole user aggregates. Lookups return (nil, nil) when nothing matches.
// Save must fail with ErrVersionConflict unless user.Version equals the stored version, and bumps
// user.Version on success.
type Documents interface {
	Create(ctx context.Context, user *model.User) error
	Load(ctx context.Context, userID uint) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Save(ctx context.Context, user *model.User) error
}

// SessionListCache caches session summaries per user. Cached misses while a write is in progress,
// and Fill must not store a list while one is.
type SessionListCache interface {
	Cached(ctx context.Context, userID uint) ([]model.SessionSummary, bool, error)
	Fill(ctx context.Context, userID uint, sessions []model.SessionSummary) error
	BeginWrite(ctx context.Context, userID uint) error
	EndWrite(ctx context.Context, userID uint) error
}

type SessionStore struct {
	docs   Documents
	cache  SessionListCache
	locks  *keymutex.KeyMutex[uint]
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionStore wires a document backend. cache may be nil.
func NewSessionStore(docs Documents, cache SessionListCache, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		docs:   docs,
		cache:  cache,
		locks:  keymutex.New[uint](),
		logger: logger,
		now:    time.Now,
	}
}

func (s *SessionStore) Documents() Documents {
	return s.docs
}

func (s *SessionStore) LoadUser(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.docs.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// Update applies fn to a fresh copy of the user's document and saves it. fn may run more than once
// when another writer wins the version race, so it must only touch the user it is given.
func (s *SessionStore) Update(ctx context.Context, userID uint, fn func(user *model.User) error) (*model.User, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		user, err := s.LoadUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(user); err != nil {
			if errors.Is(err, errUnchanged) {
				return user, nil
			}
			return nil, err
		}

		s.markDirty(ctx, userID)
		err = s.docs.Save(ctx, user)
		if err == nil {
			s.invalidate(ctx, userID)
			return user, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return nil, err
		}
		s.logger.Warn("user document version conflict, retrying",
			slog.Uint64("user_id", uint64(userID)),
			slog.Int("attempt", attempt),
		)
	}
}

// NewSession builds a session whose id is not used by any of the user's sessions. It does not
// attach the session to the user.
func (s *SessionStore) NewSession(user *model.User, title string) model.Session {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultSessionTitle
	}
	id := uuid.NewString()
	for user.HasSession(id) {
		id = uuid.NewString()
	}
	return model.Session{
		ID:        id,
		Title:     title,
		Messages:  []model.Message{},
		CreatedAt: s.now(),
	}
}

func (s *SessionStore) ListSessions(ctx context.Context, userID uint) ([]model.SessionSummary, error) {
	if s.cache != nil {
		cached, hit, err := s.cache.Cached(ctx, userID)
		if err != nil {
			s.logger.Warn("read session cache failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
		} else if hit {
			return cached, nil
		}
	}

	user, err := s.LoadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := user.Summaries()

	if s.cache != nil {
		if err := s.cache.Fill(ctx, userID, summaries); err != nil {
			s.logger.Warn("fill session cache failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
		}
	}
	return summaries, nil
}

func (s *SessionStore) GetSession(ctx context.Context, userID uint, sessionID string) (*model.Session, error) {
	user, err := s.LoadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	idx := user.FindSession(sessionID)
	if idx < 0 {
		return nil, ErrSessionNotFound
	}
	session := user.Sessions[idx]
	return &session, nil
}

// CreateSession prepends an empty session. An empty title becomes "New Chat".
func (s *SessionStore) CreateSession(ctx context.Context, userID uint, title string) (*model.Session, error) {
	var created model.Session
	_, err := s.Update(ctx, userID, func(user *model.User) error {
		created = s.NewSession(user, title)
		user.PrependSession(created)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session failed: %w", err)
	}
	return &created, nil
}

func (s *SessionStore) AppendMessages(ctx context.Context, userID uint, sessionID string, messages ...model.Message) error {
	_, err := s.Update(ctx, userID, func(user *model.User) error {
		idx := user.FindSession(sessionID)
		if idx < 0 {
			return ErrSessionNotFound
		}
		user.Sessions[idx].Append(messages...)
		return nil
	})
	return err
}

// DeleteSession removes the session permanently. Deleting an unknown id succeeds and reports false.
func (s *SessionStore) DeleteSession(ctx context.Context, userID uint, sessionID string) (bool, error) {
	deleted := false
	_, err := s.Update(ctx, userID, func(user *model.User) error {
		deleted = user.RemoveSession(sessionID)
		if !deleted {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (s *SessionStore) markDirty(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.BeginWrite(ctx, userID); err != nil {
		s.logger.Warn("mark session cache dirty failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
	}
}

func (s *SessionStore) invalidate(ctx context.Context, userID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.EndWrite(ctx, userID); err != nil {
		s.logger.Warn("drop session cache failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
	}
}
