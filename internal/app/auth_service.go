package app

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"alphachat/internal/model"
	"alphachat/internal/pkg/jwtutil"
	"alphachat/internal/quota"
	"alphachat/internal/store"
)

const minPasswordLength = 8

var (
	ErrEmailExists       = errors.New("email already exists")
	ErrInvalidCredential = errors.New("invalid email or password")
)

type AuthService struct {
	docs          store.Documents
	tracker       *quota.Tracker
	jwtSecret     string
	jwtExpiration time.Duration
}

type RegisterInput struct {
	Email    string
	Password string
}

type LoginInput struct {
	Email    string
	Password string
}

type AuthResult struct {
	Token string
	User  *model.User
}

// Profile is what a signed-in user sees about their own account.
type Profile struct {
	ID        uint                   `json:"id"`
	Email     string                 `json:"email"`
	Tier      model.Tier             `json:"tier"`
	IsPremium bool                   `json:"is_premium"`
	Usage     int                    `json:"usage"`
	Limit     int                    `json:"limit"`
	Remaining int                    `json:"remaining"`
	Sessions  []model.SessionSummary `json:"sessions"`
}

func NewAuthService(docs store.Documents, tracker *quota.Tracker, jwtSecret string, jwtExpiration time.Duration) *AuthService {
	return &AuthService{
		docs:          docs,
		tracker:       tracker,
		jwtSecret:     jwtSecret,
		jwtExpiration: jwtExpiration,
	}
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	email := normalizeEmail(input.Email)
	password := strings.TrimSpace(input.Password)
	if email == "" || len(password) < minPasswordLength {
		return nil, ErrInvalidInput
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidInput
	}

	existing, err := s.docs.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password failed: %w", err)
	}

	user := &model.User{
		Email:        email,
		PasswordHash: string(hash),
		Tier:         model.TierFree,
		Sessions:     []model.Session{},
	}
	if err := s.docs.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	return s.issue(user)
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	email := normalizeEmail(input.Email)
	password := strings.TrimSpace(input.Password)
	if email == "" || password == "" {
		return nil, ErrInvalidInput
	}

	user, err := s.docs.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if user == nil {
		return nil, ErrInvalidCredential
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredential
	}

	return s.issue(user)
}

func (s *AuthService) Profile(ctx context.Context, userID uint) (*Profile, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	user, err := s.docs.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}

	return &Profile{
		ID:        user.ID,
		Email:     user.Email,
		Tier:      user.Tier,
		IsPremium: user.IsPremium(),
		Usage:     user.Usage,
		Limit:     s.tracker.Limit(),
		Remaining: s.tracker.Remaining(user),
		Sessions:  user.Summaries(),
	}, nil
}

func (s *AuthService) issue(user *model.User) (*AuthResult, error) {
	token, err := jwtutil.GenerateToken(s.jwtSecret, s.jwtExpiration, user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, User: user}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
