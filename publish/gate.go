// Package publish is the single authorization gate for asset visibility
// changes. Every publish and unpublish flows through Gate.SetVisibility;
// nothing else writes is_public.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/snipforge/snipforge/auth"
	"github.com/snipforge/snipforge/store"
)

// Error codes returned by the gate. The set is closed; callers map codes to
// transport concerns and never parse messages.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeEntitlementMissing = "ENTITLEMENT_MISSING"
	CodeCannotPublish      = "CANNOT_PUBLISH"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
)

// Quota reports public-asset usage alongside a quota denial.
type Quota struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// Error is a gate denial with a machine-readable code.
type Error struct {
	Code    string
	Message string
	Quota   *Quota // set only for CodeQuotaExceeded
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of a successful visibility change.
type Result struct {
	AssetID  string `json:"assetId"`
	IsPublic bool   `json:"isPublic"`
	Message  string `json:"message"`
}

// Gate enforces ownership, entitlement, and quota rules on visibility changes.
type Gate struct {
	store store.Store
	log   *slog.Logger
}

// NewGate creates a publish gate.
func NewGate(s store.Store, logger *slog.Logger) *Gate {
	return &Gate{store: s, log: logger}
}

// SetVisibility applies a publish or unpublish request for the given caller.
// Checks run in a fixed order: existence, then ownership, then entitlement
// and quota. Unpublish requests, re-publishes of an already-public asset, and
// admin callers skip the entitlement and quota checks entirely. Denials come
// back as *Error; any other error is a storage failure.
func (g *Gate) SetVisibility(ctx context.Context, caller *auth.Identity, assetID string, public bool) (*Result, error) {
	asset, err := g.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	if asset == nil {
		return nil, &Error{Code: CodeNotFound, Message: "Asset not found"}
	}

	isAdmin := caller.Role == "admin"
	if !isAdmin && asset.UserID != caller.UserID {
		// The caller already learned the asset exists from the lookup
		// above, so a distinct code leaks nothing further.
		return nil, &Error{Code: CodeForbidden, Message: "You do not own this asset"}
	}

	skipChecks := !public || asset.IsPublic || isAdmin
	if skipChecks {
		applied, err := g.store.SetAssetVisibility(ctx, asset.ID, asset.UserID, public)
		if err != nil {
			return nil, fmt.Errorf("set visibility: %w", err)
		}
		if !applied {
			// Deleted between the read and the write.
			return nil, &Error{Code: CodeNotFound, Message: "Asset not found"}
		}
		return g.finish(ctx, caller, asset, public), nil
	}

	ent, err := g.store.GetEntitlement(ctx, asset.UserID)
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	if ent == nil {
		return nil, &Error{Code: CodeEntitlementMissing, Message: "No entitlement record found for this account"}
	}
	if !ent.CanPublish {
		return nil, &Error{Code: CodeCannotPublish, Message: "Your plan does not allow publishing assets"}
	}

	applied, err := g.store.PublishAssetWithinQuota(ctx, asset.ID, asset.UserID, ent.MaxPublicAssets)
	if err != nil {
		return nil, fmt.Errorf("publish within quota: %w", err)
	}
	if !applied {
		// Existence and ownership were just verified, so a refused write
		// means the quota condition failed (or the asset vanished).
		current, err := g.store.CountPublicAssets(ctx, asset.UserID)
		if err != nil {
			return nil, fmt.Errorf("count public assets: %w", err)
		}
		if cur, err := g.store.GetAsset(ctx, asset.ID); err != nil {
			return nil, fmt.Errorf("re-check asset: %w", err)
		} else if cur == nil {
			return nil, &Error{Code: CodeNotFound, Message: "Asset not found"}
		}
		return nil, &Error{
			Code:    CodeQuotaExceeded,
			Message: fmt.Sprintf("Public asset limit reached (%d of %d)", current, ent.MaxPublicAssets),
			Quota:   &Quota{Current: current, Limit: ent.MaxPublicAssets},
		}
	}

	return g.finish(ctx, caller, asset, public), nil
}

func (g *Gate) finish(ctx context.Context, caller *auth.Identity, asset *store.Asset, public bool) *Result {
	action := "asset.unpublish"
	message := "Asset unpublished successfully"
	if public {
		action = "asset.publish"
		message = "Asset published successfully"
	}

	detail, _ := json.Marshal(map[string]any{"caller": caller.UserID, "owner": asset.UserID})
	if err := g.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    asset.UserID,
		AssetID:   asset.ID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}); err != nil {
		g.log.Error("audit log write failed", "error", err, "asset_id", asset.ID)
	}

	g.log.Info("asset visibility changed",
		"asset_id", asset.ID, "public", public, "caller", caller.UserID)

	return &Result{AssetID: asset.ID, IsPublic: public, Message: message}
}
