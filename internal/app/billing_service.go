package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"alphachat/internal/model"
)

var (
	ErrBillingUnavailable = errors.New("billing not configured")
	ErrInvalidSignature   = errors.New("webhook signature verification failed")
	ErrInvalidPayload     = errors.New("invalid webhook payload")
)

// SettlementPublisher hands a settlement to the upgrade worker.
type SettlementPublisher interface {
	Publish(ctx context.Context, event model.SettlementEvent) error
}

type BillingOptions struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	FrontendURL   string
}

type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type BillingService struct {
	opts      BillingOptions
	checkout  checkoutSessions
	publisher SettlementPublisher
	upgrades  *UpgradeService
	logger    *slog.Logger
	now       func() time.Time
}

type CheckoutResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// NewBillingService builds the Stripe side of upgrades. publisher may be nil, in which case
// settlements are applied inline.
func NewBillingService(opts BillingOptions, publisher SettlementPublisher, upgrades *UpgradeService, logger *slog.Logger) *BillingService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BillingService{
		opts:      opts,
		publisher: publisher,
		upgrades:  upgrades,
		logger:    logger.With(slog.String("component", "billing")),
		now:       time.Now,
	}
	if opts.SecretKey != "" {
		sc := &client.API{}
		sc.Init(opts.SecretKey, nil)
		s.checkout = sc.CheckoutSessions
	}
	return s
}

// CreateCheckout starts a one-time Stripe Checkout for the premium tier. The user id travels in
// client_reference_id and comes back on the webhook.
func (s *BillingService) CreateCheckout(ctx context.Context, userID uint) (*CheckoutResult, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	frontendURL := strings.TrimRight(s.opts.FrontendURL, "/")
	if s.checkout == nil || s.opts.PriceID == "" || frontendURL == "" {
		return nil, ErrBillingUnavailable
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.opts.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(strconv.FormatUint(uint64(userID), 10)),
		SuccessURL:        stripe.String(frontendURL + "/billing/success"),
		CancelURL:         stripe.String(frontendURL + "/billing/cancel"),
	}
	params.Context = ctx

	sess, err := s.checkout.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session failed: %w", err)
	}
	return &CheckoutResult{SessionID: sess.ID, URL: sess.URL}, nil
}

// HandleWebhook verifies and processes one Stripe event. Events that do not confirm a payment are
// acknowledged and ignored.
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.opts.WebhookSecret == "" {
		return ErrBillingUnavailable
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		signature,
		s.opts.WebhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	settlement, ok, err := s.settlementFromEvent(event)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("stripe event ignored", slog.String("type", string(event.Type)), slog.String("event_id", event.ID))
		return nil
	}

	return s.deliver(ctx, settlement)
}

func (s *BillingService) settlementFromEvent(event stripe.Event) (model.SettlementEvent, bool, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	default:
		return model.SettlementEvent{}, false, nil
	}
	if event.Data == nil {
		return model.SettlementEvent{}, false, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return model.SettlementEvent{}, false, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed methods complete unpaid and settle later with async_payment_succeeded.
		return model.SettlementEvent{}, false, nil
	}

	userID, err := strconv.ParseUint(sess.ClientReferenceID, 10, 64)
	if err != nil || userID == 0 {
		return model.SettlementEvent{}, false, fmt.Errorf("%w: client_reference_id %q", ErrInvalidPayload, sess.ClientReferenceID)
	}

	return model.SettlementEvent{
		UserID:    uint(userID),
		Reference: sess.ID,
		SettledAt: s.now(),
	}, true, nil
}

func (s *BillingService) deliver(ctx context.Context, settlement model.SettlementEvent) error {
	if s.publisher != nil {
		err := s.publisher.Publish(ctx, settlement)
		if err == nil {
			return nil
		}
		s.logger.Warn("publish settlement failed, applying inline",
			slog.Uint64("user_id", uint64(settlement.UserID)),
			slog.Any("error", err),
		)
	}
	return s.upgrades.ApplySettlement(ctx, settlement)
}
