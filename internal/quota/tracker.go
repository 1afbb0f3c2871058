// Package quota meters free-tier usage of the alpha persona.
package quota

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"alphachat/internal/model"
)

// DefaultFreeLimit is the number of alpha exchanges a free user gets before upgrading.
const DefaultFreeLimit = 10

type Mode string

const (
	ModeStrict Mode = "strict"
	ModeAlpha  Mode = "alpha"
)

var (
	ErrQuotaExceeded = errors.New("free alpha quota exceeded")
	ErrInvalidMode   = errors.New("invalid chat mode")
)

// ParseMode maps a request mode to a Mode. An empty value means strict.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModeAlpha:
		return ModeAlpha, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

func (m Mode) metered() bool {
	return m == ModeAlpha
}

// Tracker decides whether a request may spend quota and applies usage to user aggregates.
// The user passed in is a snapshot owned by the caller; Tracker only mutates it in Consume and GrantPremium.
type Tracker struct {
	limit int

	mu       sync.Mutex
	inflight map[uint]int
}

func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultFreeLimit
	}
	return &Tracker{
		limit:    limit,
		inflight: make(map[uint]int),
	}
}

func (t *Tracker) Limit() int {
	return t.limit
}

// Remaining is the number of alpha exchanges left, or -1 for unlimited.
func (t *Tracker) Remaining(user *model.User) int {
	if user.IsPremium() {
		return -1
	}
	if left := t.limit - user.Usage; left > 0 {
		return left
	}
	return 0
}

func (t *Tracker) MayConsume(user *model.User, mode Mode) bool {
	if !mode.metered() || user.IsPremium() {
		return true
	}
	return user.Usage < t.limit
}

// Consume charges one exchange. It is a no-op for strict mode and premium users. It does not
// re-check the limit: the reply has already been delivered when it is charged.
func (t *Tracker) Consume(user *model.User, mode Mode) {
	if !mode.metered() || user.IsPremium() {
		return
	}
	user.Usage++
}

// GrantPremium upgrades the user and clears usage. It reports whether the tier changed.
func (t *Tracker) GrantPremium(user *model.User) bool {
	changed := !user.IsPremium()
	user.Tier = model.TierPremium
	user.Usage = 0
	return changed
}

// Reserve checks the quota and holds one slot for the request until Release, so that concurrent
// requests of one user cannot both pass the check on the last free exchange. Slots are held in
// this process only; other instances do not see them.
func (t *Tracker) Reserve(user *model.User, mode Mode) (*Reservation, error) {
	if !mode.metered() || user.IsPremium() {
		return &Reservation{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if user.Usage+t.inflight[user.ID] >= t.limit {
		return nil, ErrQuotaExceeded
	}
	t.inflight[user.ID]++
	return &Reservation{tracker: t, userID: user.ID}, nil
}

func (t *Tracker) release(userID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inflight[userID] <= 1 {
		delete(t.inflight, userID)
		return
	}
	t.inflight[userID]--
}

// Reservation is a held quota slot. The zero value holds nothing.
type Reservation struct {
	tracker *Tracker
	userID  uint
	once    sync.Once
}

func (r *Reservation) Release() {
	if r == nil || r.tracker == nil {
		return
	}
	r.once.Do(func() {
		r.tracker.release(r.userID)
	})
}
