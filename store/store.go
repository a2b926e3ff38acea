// Package store defines the storage interface for the server and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the server.
type Store interface {
	// Profiles
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*Profile, error)
	GetProfileByStripeCustomer(ctx context.Context, customerID string) (*Profile, error)
	SetProfileStripeCustomer(ctx context.Context, userID, customerID string) error
	ListProfiles(ctx context.Context) ([]Profile, error)

	// Assets
	CreateAsset(ctx context.Context, a *Asset) error
	UpdateAsset(ctx context.Context, a *Asset) error
	GetAsset(ctx context.Context, id string) (*Asset, error)
	ListAssetsByOwner(ctx context.Context, userID string) ([]Asset, error)
	ListPublicAssets(ctx context.Context, kind string, limit, offset int) ([]Asset, error)
	SoftDeleteAsset(ctx context.Context, id, userID string) (bool, error)

	// Asset visibility. SetAssetVisibility re-asserts ownership in the same
	// write; PublishAssetWithinQuota additionally makes the quota check and
	// the flip a single conditional statement so concurrent publishes cannot
	// overrun the ceiling.
	SetAssetVisibility(ctx context.Context, id, ownerID string, public bool) (bool, error)
	PublishAssetWithinQuota(ctx context.Context, id, ownerID string, limit int) (bool, error)

	// Quota counts
	CountPublicAssets(ctx context.Context, userID string) (int, error)
	CountAssetsCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Entitlements
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)
	UpsertEntitlement(ctx context.Context, e *Entitlement) error

	// Subscriptions
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Profile represents a user account.
type Profile struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	PasswordHash     string    `json:"-"`
	Role             string    `json:"role"` // "admin" or "user"
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Asset represents a reusable web-design asset (template, section, snippet,
// or block). Visibility is only mutated through the publish gate.
type Asset struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"` // "template", "section", "snippet", "block"
	Description string     `json:"description,omitempty"`
	Code        string     `json:"code"`
	IsPublic    bool       `json:"is_public"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Entitlement holds the capabilities and numeric limits a user's plan grants.
// One record per user, written only by the billing reconciler (and the
// free-tier defaults at signup).
type Entitlement struct {
	UserID           string    `json:"user_id"`
	CanPublish       bool      `json:"can_publish"`
	MaxPublicAssets  int       `json:"max_public_assets"`
	MaxCodeSizeKB    int       `json:"max_code_size_kb"`
	DailyUploadLimit int       `json:"daily_upload_limit"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Subscription mirrors the billing provider's view of a user's subscription.
type Subscription struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Provider         string     `json:"provider"` // "stripe"
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	AssetID   string          `json:"asset_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
