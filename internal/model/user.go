package model

import "time"

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// User is the aggregate root: the whole document is loaded and saved at once.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"size:128;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Tier         Tier      `gorm:"size:16;not null;default:free" json:"tier"`
	Usage        int       `gorm:"column:chat_count;not null;default:0" json:"chat_count"`
	Sessions     []Session `gorm:"serializer:json;type:json" json:"sessions"`
	Version      int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u *User) IsPremium() bool {
	return u.Tier == TierPremium
}

// FindSession returns the index of the session with the given id, or -1.
func (u *User) FindSession(id string) int {
	for i := range u.Sessions {
		if u.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (u *User) HasSession(id string) bool {
	return u.FindSession(id) >= 0
}

// PrependSession puts the session at the front of the list, newest first.
func (u *User) PrependSession(session Session) {
	u.Sessions = append([]Session{session}, u.Sessions...)
}

// RemoveSession drops the session with the given id and reports whether it existed.
func (u *User) RemoveSession(id string) bool {
	idx := u.FindSession(id)
	if idx < 0 {
		return false
	}
	u.Sessions = append(u.Sessions[:idx], u.Sessions[idx+1:]...)
	return true
}

func (u *User) Summaries() []SessionSummary {
	summaries := make([]SessionSummary, 0, len(u.Sessions))
	for i := range u.Sessions {
		summaries = append(summaries, u.Sessions[i].Summary())
	}
	return summaries
}

// Clone returns a deep copy so callers can mutate it without touching the original.
func (u *User) Clone() *User {
	cp := *u
	if u.Sessions != nil {
		cp.Sessions = make([]Session, len(u.Sessions))
		for i := range u.Sessions {
			cp.Sessions[i] = u.Sessions[i].Clone()
		}
	}
	return &cp
}
