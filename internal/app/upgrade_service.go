package app

import (
	"context"
	"errors"
	"log/slog"

	"alphachat/internal/metrics"
	"alphachat/internal/model"
	"alphachat/internal/quota"
	"alphachat/internal/store"
)

// UpgradeService turns confirmed payments into premium accounts.
type UpgradeService struct {
	sessions *store.SessionStore
	tracker  *quota.Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewUpgradeService(sessions *store.SessionStore, tracker *quota.Tracker, m *metrics.Metrics, logger *slog.Logger) *UpgradeService {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpgradeService{
		sessions: sessions,
		tracker:  tracker,
		metrics:  m,
		logger:   logger.With(slog.String("component", "upgrade")),
	}
}

// ApplySettlement grants premium and resets usage. Applying the same event twice leaves the
// account unchanged; an event for an unknown user is logged and dropped.
func (s *UpgradeService) ApplySettlement(ctx context.Context, event model.SettlementEvent) error {
	if event.UserID == 0 {
		return ErrInvalidInput
	}

	changed := false
	_, err := s.sessions.Update(ctx, event.UserID, func(user *model.User) error {
		changed = s.tracker.GrantPremium(user)
		return nil
	})
	if errors.Is(err, store.ErrUserNotFound) {
		s.logger.Warn("settlement for unknown user ignored",
			slog.Uint64("user_id", uint64(event.UserID)),
			slog.String("reference", event.Reference),
		)
		return nil
	}
	if err != nil {
		return storeError(err)
	}

	if changed {
		s.metrics.PremiumGrants.Inc()
		s.logger.Info("user upgraded to premium",
			slog.Uint64("user_id", uint64(event.UserID)),
			slog.String("reference", event.Reference),
		)
	}
	return nil
}
