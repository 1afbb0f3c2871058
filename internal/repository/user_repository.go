package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"alphachat/internal/model"
	"alphachat/internal/store"
)

// UserRepository stores each user as one row; the session list lives in a JSON column so the
// aggregate is always read and written whole.
type UserRepository struct {
	db *gorm.DB
}

var _ store.Documents = (*UserRepository)(nil)

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	user.Email = strings.ToLower(user.Email)
	if user.Tier == "" {
		user.Tier = model.TierFree
	}
	if user.Sessions == nil {
		user.Sessions = []model.Session{}
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrEmailTaken
		}
		return fmt.Errorf("create user failed: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user by email failed: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) Load(ctx context.Context, userID uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user by id failed: %w", err)
	}
	return &user, nil
}

// Save replaces the mutable part of the document when the stored version still matches.
func (r *UserRepository) Save(ctx context.Context, user *model.User) error {
	expected := user.Version
	next := *user
	next.Version = expected + 1

	result := r.db.WithContext(ctx).
		Model(&model.User{ID: user.ID}).
		Where("version = ?", expected).
		Select("tier", "chat_count", "sessions", "version", "updated_at").
		Updates(&next)
	if result.Error != nil {
		return fmt.Errorf("save user document failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrVersionConflict
	}

	user.Version = next.Version
	user.UpdatedAt = next.UpdatedAt
	return nil
}
