// Package billing reconciles Stripe subscription events into local
// subscription and entitlement records.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/snipforge/snipforge/config"
	"github.com/snipforge/snipforge/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Service handles Stripe webhooks and checkout/portal session creation.
type Service struct {
	store  store.Store
	log    *slog.Logger
	secret string // webhook signing secret
	price  string // price ID for the pro plan

	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	createPortalSession   func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
	createCustomer        func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
}

// NewService creates a billing service. The Stripe API key is set globally,
// matching how the stripe-go package binds its resource clients.
func NewService(s store.Store, cfg config.BillingConfig, logger *slog.Logger) *Service {
	if cfg.StripeSecretKey != "" {
		stripelib.Key = cfg.StripeSecretKey
	}
	return &Service{
		store:                 s,
		log:                   logger,
		secret:                cfg.StripeWebhookSecret,
		price:                 cfg.StripePricePro,
		createCheckoutSession: stripesession.New,
		createPortalSession:   portalsession.New,
		createCustomer:        customer.New,
	}
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// stripeSubscription is a minimal representation of a Stripe subscription event.
type stripeSubscription struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// stripeCheckoutSession is a minimal representation of a checkout.session event.
type stripeCheckoutSession struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// HandleWebhook verifies the Stripe signature and dispatches the event.
// Signature verification happens before any event inspection; an unverified
// payload is never parsed.
func (s *Service) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(s.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}

	if err := s.handleEvent(r.Context(), &event); err != nil {
		s.log.Error("stripe webhook processing failed",
			"event_id", event.ID, "type", string(event.Type), "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (s *Service) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, session)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.Reconcile(ctx, sub)

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		// A deleted subscription always revokes the paid tier, whatever
		// status the final event carries.
		sub.Status = "canceled"
		return s.Reconcile(ctx, sub)

	default:
		s.log.Info("stripe webhook ignored (unhandled type)",
			"type", string(event.Type), "event_id", event.ID)
		return nil
	}
}

// handleCheckoutCompleted records the customer mapping established at
// checkout. The entitlement change itself arrives with the subscription
// events, which carry the authoritative status.
func (s *Service) handleCheckoutCompleted(ctx context.Context, session stripeCheckoutSession) error {
	userID := strings.TrimSpace(session.Metadata["user_id"])
	customerID := strings.TrimSpace(session.Customer)
	if userID == "" || customerID == "" {
		s.log.Info("checkout completed without user mapping", "session_id", session.ID)
		return nil
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup profile: %w", err)
	}
	if profile == nil {
		s.log.Warn("checkout completed for unknown user", "user_id", userID, "session_id", session.ID)
		return nil
	}
	if profile.StripeCustomerID == customerID {
		return nil
	}
	return s.store.SetProfileStripeCustomer(ctx, userID, customerID)
}

// Reconcile maps a subscription event to a local user, mirrors the
// subscription record, and overwrites the user's entitlement from the status.
// Events are processed whole, so replaying one converges on the same state.
func (s *Service) Reconcile(ctx context.Context, sub stripeSubscription) error {
	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		s.log.Warn("subscription event without customer", "subscription_id", sub.ID)
		return nil
	}

	profile, err := s.store.GetProfileByStripeCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("lookup profile by customer: %w", err)
	}
	if profile == nil {
		// Acknowledge so Stripe stops retrying, but make the gap visible.
		s.log.Warn("subscription event for unmapped customer",
			"customer_id", customerID, "subscription_id", sub.ID, "status", sub.Status)
		return nil
	}

	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}

	err = s.store.UpsertSubscription(ctx, &store.Subscription{
		ID:               sub.ID,
		UserID:           profile.ID,
		Provider:         "stripe",
		Status:           sub.Status,
		CurrentPeriodEnd: periodEnd,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	tier := TierForStatus(sub.Status)
	err = s.store.UpsertEntitlement(ctx, &store.Entitlement{
		UserID:           profile.ID,
		CanPublish:       tier.CanPublish,
		MaxPublicAssets:  tier.MaxPublicAssets,
		MaxCodeSizeKB:    tier.MaxCodeSizeKB,
		DailyUploadLimit: tier.DailyUploadLimit,
		UpdatedAt:        time.Now(),
	})
	if err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}

	detail, _ := json.Marshal(map[string]any{
		"subscription_id": sub.ID,
		"status":          sub.Status,
		"can_publish":     tier.CanPublish,
	})
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    "billing.reconcile",
		UserID:    profile.ID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}); err != nil {
		s.log.Error("audit log write failed", "error", err)
	}

	s.log.Info("subscription reconciled",
		"user_id", profile.ID, "status", sub.Status, "can_publish", tier.CanPublish)
	return nil
}

// CheckoutURL creates a Stripe Checkout session for upgrading a user to the
// pro plan and returns the hosted URL. The user's Stripe customer is created
// on first checkout.
func (s *Service) CheckoutURL(ctx context.Context, userID, successURL, cancelURL string) (string, error) {
	if s.price == "" {
		return "", fmt.Errorf("pro price not configured")
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup profile: %w", err)
	}
	if profile == nil {
		return "", fmt.Errorf("unknown user %q", userID)
	}

	customerID, err := s.ensureCustomer(ctx, profile)
	if err != nil {
		return "", err
	}

	session, err := s.createCheckoutSession(&stripelib.CheckoutSessionParams{
		Mode:       stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:   stripelib.String(customerID),
		SuccessURL: stripelib.String(successURL),
		CancelURL:  stripelib.String(cancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(s.price),
				Quantity: stripelib.Int64(1),
			},
		},
		Metadata: map[string]string{"user_id": profile.ID},
	})
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return session.URL, nil
}

// PortalURL creates a Stripe billing portal session for managing an existing
// subscription.
func (s *Service) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup profile: %w", err)
	}
	if profile == nil || profile.StripeCustomerID == "" {
		return "", fmt.Errorf("no billing account for user %q", userID)
	}

	session, err := s.createPortalSession(&stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(profile.StripeCustomerID),
		ReturnURL: stripelib.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return session.URL, nil
}

func (s *Service) ensureCustomer(ctx context.Context, profile *store.Profile) (string, error) {
	if profile.StripeCustomerID != "" {
		return profile.StripeCustomerID, nil
	}

	cust, err := s.createCustomer(&stripelib.CustomerParams{
		Name:     stripelib.String(profile.Username),
		Metadata: map[string]string{"user_id": profile.ID},
	})
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}

	if err := s.store.SetProfileStripeCustomer(ctx, profile.ID, cust.ID); err != nil {
		return "", fmt.Errorf("record stripe customer: %w", err)
	}
	return cust.ID, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
