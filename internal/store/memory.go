package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"alphachat/internal/model"
)

// MemoryDocuments is a process-local Documents backend. It hands out deep copies, so callers never
// share state with the stored document.
type MemoryDocuments struct {
	mu      sync.Mutex
	nextID  uint
	users   map[uint]*model.User
	byEmail map[string]uint
	now     func() time.Time
}

func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{
		users:   make(map[uint]*model.User),
		byEmail: make(map[string]uint),
		now:     time.Now,
	}
}

func (m *MemoryDocuments) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, exists := m.byEmail[email]; exists {
		return ErrEmailTaken
	}

	m.nextID++
	now := m.now()
	user.ID = m.nextID
	if user.Tier == "" {
		user.Tier = model.TierFree
	}
	user.Version = 0
	user.CreatedAt = now
	user.UpdatedAt = now

	m.users[user.ID] = user.Clone()
	m.byEmail[email] = user.ID
	return nil
}

func (m *MemoryDocuments) Load(_ context.Context, userID uint) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return stored.Clone(), nil
}

func (m *MemoryDocuments) GetByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return m.users[id].Clone(), nil
}

func (m *MemoryDocuments) Save(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	if stored.Version != user.Version {
		return ErrVersionConflict
	}

	user.Version++
	user.UpdatedAt = m.now()
	m.users[user.ID] = user.Clone()
	return nil
}
