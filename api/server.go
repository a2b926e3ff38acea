// Package api provides the HTTP API and middleware for the server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/snipforge/snipforge/auth"
	"github.com/snipforge/snipforge/billing"
	"github.com/snipforge/snipforge/config"
	"github.com/snipforge/snipforge/publish"
	"github.com/snipforge/snipforge/store"
)

var validAssetKinds = map[string]bool{
	"template": true,
	"section":  true,
	"snippet":  true,
	"block":    true,
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	gate          *publish.Gate
	billing       *billing.Service
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server. billingSvc may be nil when billing is
// disabled; the billing routes are only registered when it is present.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, gate *publish.Gate, billingSvc *billing.Service, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		gate:          gate,
		billing:       billingSvc,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Plan tables are static and public.
	mux.Get("/api/plans", srv.handlePlans)

	// Public gallery (unauthenticated read of published assets).
	mux.Get("/api/public/assets", srv.handleListPublicAssets)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Stripe webhook authenticates via signature, not bearer token.
	if billingSvc != nil {
		mux.Post("/api/billing/webhook", billingSvc.HandleWebhook)
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/quota", srv.handleGetQuota)

		r.Get("/api/assets", srv.handleListAssets)
		r.Post("/api/assets", srv.handleCreateAsset)
		r.Get("/api/assets/{assetID}", srv.handleGetAsset)
		r.Put("/api/assets/{assetID}", srv.handleUpdateAsset)
		r.Delete("/api/assets/{assetID}", srv.handleDeleteAsset)
		r.Post("/api/assets/publish", srv.handlePublishAsset)

		if billingSvc != nil {
			r.Post("/api/billing/create-checkout", srv.handleBillingCheckout)
			r.Post("/api/billing/create-portal", srv.handleBillingPortal)
			r.Get("/api/billing/subscription", srv.handleGetSubscription)
		}

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic eviction of idle rate limit buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "login.failed", "", "", fmt.Sprintf(`{"username":%q}`, req.Username))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	profile, _ := s.store.GetProfileByUsername(r.Context(), req.Username)
	userID := ""
	if profile != nil {
		userID = profile.ID
	}
	s.audit(r, "login.success", userID, "", "")

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	resp := map[string]any{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	}
	if ent, err := s.store.GetEntitlement(r.Context(), identity.UserID); err == nil && ent != nil {
		resp["entitlement"] = ent
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Asset handlers ---

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	assets, err := s.store.ListAssetsByOwner(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list assets")
		return
	}
	if assets == nil {
		assets = []store.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleListPublicAssets(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50, 200)
	kind := r.URL.Query().Get("kind")
	if kind != "" && !validAssetKinds[kind] {
		writeError(w, http.StatusBadRequest, "invalid asset kind")
		return
	}

	assets, err := s.store.ListPublicAssets(r.Context(), kind, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list assets")
		return
	}
	if assets == nil {
		assets = []store.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name        string `json:"name"`
		Kind        string `json:"kind"`
		Description string `json:"description"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !validAssetKinds[req.Kind] {
		writeError(w, http.StatusBadRequest, "kind must be template, section, snippet, or block")
		return
	}

	ent, err := s.store.GetEntitlement(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check entitlement")
		return
	}
	if ent != nil {
		if ent.MaxCodeSizeKB > 0 && len(req.Code) > ent.MaxCodeSizeKB*1024 {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("code exceeds plan limit of %d KB", ent.MaxCodeSizeKB))
			return
		}
		if ent.DailyUploadLimit > 0 {
			since := time.Now().UTC().Truncate(24 * time.Hour)
			count, err := s.store.CountAssetsCreatedSince(r.Context(), identity.UserID, since)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to check upload limit")
				return
			}
			if count >= ent.DailyUploadLimit {
				writeError(w, http.StatusTooManyRequests,
					fmt.Sprintf("daily upload limit of %d reached", ent.DailyUploadLimit))
				return
			}
		}
	}

	now := time.Now()
	asset := &store.Asset{
		ID:          uuid.New().String(),
		UserID:      identity.UserID,
		Name:        req.Name,
		Kind:        req.Kind,
		Description: req.Description,
		Code:        req.Code,
		IsPublic:    false, // visibility changes only through the publish gate
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAsset(r.Context(), asset); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create asset")
		return
	}

	s.audit(r, "asset.create", identity.UserID, asset.ID, "")
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	identity := getIdentityFromContext(r.Context())

	asset, err := s.store.GetAsset(r.Context(), assetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get asset")
		return
	}
	if asset == nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	// Private assets are visible to the owner and admins only.
	if !asset.IsPublic && asset.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleUpdateAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	assetID := chi.URLParam(r, "assetID")
	identity := getIdentityFromContext(r.Context())

	asset, err := s.store.GetAsset(r.Context(), assetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get asset")
		return
	}
	if asset == nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	if asset.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "not your asset")
		return
	}

	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Code        *string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		asset.Name = *req.Name
	}
	if req.Description != nil {
		asset.Description = *req.Description
	}
	if req.Code != nil {
		ent, err := s.store.GetEntitlement(r.Context(), asset.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to check entitlement")
			return
		}
		if ent != nil && ent.MaxCodeSizeKB > 0 && len(*req.Code) > ent.MaxCodeSizeKB*1024 {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("code exceeds plan limit of %d KB", ent.MaxCodeSizeKB))
			return
		}
		asset.Code = *req.Code
	}

	asset.UpdatedAt = time.Now()
	if err := s.store.UpdateAsset(r.Context(), asset); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update asset")
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")
	identity := getIdentityFromContext(r.Context())

	asset, err := s.store.GetAsset(r.Context(), assetID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get asset")
		return
	}
	if asset == nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	if asset.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "not your asset")
		return
	}

	deleted, err := s.store.SoftDeleteAsset(r.Context(), asset.ID, asset.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete asset")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}

	s.audit(r, "asset.delete", identity.UserID, asset.ID, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Publish gate ---

func (s *Server) handlePublishAsset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		AssetID  string `json:"assetId"`
		IsPublic *bool  `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AssetID == "" || req.IsPublic == nil {
		writeError(w, http.StatusBadRequest, "assetId and isPublic are required")
		return
	}

	result, err := s.gate.SetVisibility(r.Context(), identity, req.AssetID, *req.IsPublic)
	if err != nil {
		var gateErr *publish.Error
		if errors.As(err, &gateErr) {
			writePublishError(w, gateErr)
			return
		}
		s.logger.Error("publish gate failed", "asset_id", req.AssetID, "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update visibility")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"assetId":  result.AssetID,
		"isPublic": result.IsPublic,
		"message":  result.Message,
	})
}

func writePublishError(w http.ResponseWriter, gateErr *publish.Error) {
	status := http.StatusForbidden
	if gateErr.Code == publish.CodeNotFound {
		status = http.StatusNotFound
	}

	body := map[string]any{
		"error":   gateErr.Message,
		"message": gateErr.Message,
		"code":    gateErr.Code,
	}
	if gateErr.Quota != nil {
		body["quota"] = gateErr.Quota
	}
	writeJSON(w, status, body)
}

// --- Quota ---

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	ent, err := s.store.GetEntitlement(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get entitlement")
		return
	}
	current, err := s.store.CountPublicAssets(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count assets")
		return
	}

	resp := map[string]any{
		"public_assets": map[string]int{"current": current},
		"can_publish":   false,
	}
	if ent != nil {
		resp["can_publish"] = ent.CanPublish
		resp["public_assets"] = map[string]int{"current": current, "limit": ent.MaxPublicAssets}
		resp["max_code_size_kb"] = ent.MaxCodeSizeKB
		resp["daily_upload_limit"] = ent.DailyUploadLimit
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Billing handlers ---

func (s *Server) handleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}

	url, err := s.billing.CheckoutURL(r.Context(), identity.UserID, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.logger.Error("checkout session failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	url, err := s.billing.PortalURL(r.Context(), identity.UserID, req.ReturnURL)
	if err != nil {
		s.logger.Error("portal session failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	sub, err := s.store.GetSubscription(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		writeJSON(w, http.StatusOK, map[string]any{"subscription": nil, "plan": "free"})
		return
	}

	plan := "free"
	if billing.StatusGrantsPublish(sub.Status) {
		plan = "pro"
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub, "plan": plan})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"free": map[string]any{
			"can_publish":        billing.FreeTier.CanPublish,
			"max_public_assets":  billing.FreeTier.MaxPublicAssets,
			"max_code_size_kb":   billing.FreeTier.MaxCodeSizeKB,
			"daily_upload_limit": billing.FreeTier.DailyUploadLimit,
		},
		"pro": map[string]any{
			"can_publish":        billing.ProTier.CanPublish,
			"max_public_assets":  billing.ProTier.MaxPublicAssets,
			"max_code_size_kb":   billing.ProTier.MaxCodeSizeKB,
			"daily_upload_limit": billing.ProTier.DailyUploadLimit,
		},
	})
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if profiles == nil {
		profiles = []store.Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	profile, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50, 500)

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(r *http.Request, action, userID, assetID, detail string) {
	event := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		AssetID:   assetID,
		CreatedAt: time.Now(),
	}
	if detail != "" {
		event.Detail = json.RawMessage(detail)
	}
	if err := s.store.LogAuditEvent(r.Context(), event); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErrorCode is writeError plus a machine-readable code, used on paths
// whose clients dispatch on codes rather than parse messages.
func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
