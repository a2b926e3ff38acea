package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snipforge/snipforge/auth"
	"github.com/snipforge/snipforge/billing"
	"github.com/snipforge/snipforge/config"
	"github.com/snipforge/snipforge/publish"
	"github.com/snipforge/snipforge/store"
)

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := auth.NewService(s, cfg.Auth)
	gate := publish.NewGate(s, logger)
	billingSvc := billing.NewService(s, config.BillingConfig{
		Enabled:             true,
		StripeWebhookSecret: "whsec_test_123",
	}, logger)
	srv := NewServer(s, authSvc, authSvc, gate, billingSvc, cfg, logger)
	return srv, authSvc, s
}

func registerAndLogin(t *testing.T, authSvc *auth.Service, username, role string) (string, *store.Profile) {
	t.Helper()
	ctx := context.Background()
	profile, err := authSvc.Register(ctx, username, "password12345", role)
	if err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, username, "password12345")
	if err != nil {
		t.Fatal(err)
	}
	return token, profile
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

// parseJSONResponse decodes the JSON body of the response into the given target.
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func createAssetViaAPI(t *testing.T, srv *Server, token, name string) string {
	t.Helper()
	w := doRequest(t, srv, http.MethodPost, "/api/assets", token, map[string]string{
		"name": name,
		"kind": "snippet",
		"code": "<div></div>",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create asset: status %d: %s", w.Code, w.Body.String())
	}
	var asset store.Asset
	parseJSONResponse(t, w, &asset)
	return asset.ID
}

func grantProTier(t *testing.T, s store.Store, userID string) {
	t.Helper()
	err := s.UpsertEntitlement(context.Background(), &store.Entitlement{
		UserID:           userID,
		CanPublish:       true,
		MaxPublicAssets:  billing.ProTier.MaxPublicAssets,
		MaxCodeSizeKB:    billing.ProTier.MaxCodeSizeKB,
		DailyUploadLimit: billing.ProTier.DailyUploadLimit,
		UpdatedAt:        time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestLoginSuccess(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	registerAndLogin(t, authSvc, "loginuser", "user")

	w := doRequest(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "loginuser",
		"password": "password12345",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["token"] == "" {
		t.Error("expected token in response")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	registerAndLogin(t, authSvc, "loginuser", "user")

	w := doRequest(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "loginuser",
		"password": "wrongpassword",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/assets", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/me", "garbage-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad token, got %d", w.Code)
	}
}

func TestUnauthorizedResponseCarriesCode(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", "",
		map[string]any{"assetId": "x", "isPublic": true})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}

	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	parseJSONResponse(t, w, &body)
	if body.Code != "UNAUTHORIZED" {
		t.Errorf("code = %q, want UNAUTHORIZED", body.Code)
	}
	if body.Error == "" {
		t.Error("error message missing")
	}
}

func TestGetMeIncludesEntitlement(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token, profile := registerAndLogin(t, authSvc, "meuser", "user")

	w := doRequest(t, srv, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		ID          string             `json:"id"`
		Entitlement *store.Entitlement `json:"entitlement"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.ID != profile.ID {
		t.Errorf("id = %q, want %q", resp.ID, profile.ID)
	}
	if resp.Entitlement == nil {
		t.Fatal("expected free-tier entitlement seeded at signup")
	}
	if resp.Entitlement.CanPublish {
		t.Error("free tier should not allow publishing")
	}
}

func TestCreateAndListAssets(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token, _ := registerAndLogin(t, authSvc, "assetuser", "user")

	createAssetViaAPI(t, srv, token, "pricing table")

	w := doRequest(t, srv, http.MethodGet, "/api/assets", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var assets []store.Asset
	parseJSONResponse(t, w, &assets)
	if len(assets) != 1 {
		t.Fatalf("got %d assets, want 1", len(assets))
	}
	if assets[0].IsPublic {
		t.Error("new asset should be private")
	}
}

func TestCreateAssetInvalidKind(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token, _ := registerAndLogin(t, authSvc, "kinduser", "user")

	w := doRequest(t, srv, http.MethodPost, "/api/assets", token, map[string]string{
		"name": "bad", "kind": "widget", "code": "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestCreateAssetCodeSizeLimit(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token, _ := registerAndLogin(t, authSvc, "sizeuser", "user")

	// Free tier allows 256 KB.
	big := bytes.Repeat([]byte("a"), 257*1024)
	w := doRequest(t, srv, http.MethodPost, "/api/assets", token, map[string]string{
		"name": "huge", "kind": "template", "code": string(big),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for oversized code, got %d", w.Code)
	}
}

func TestCreateAssetDailyUploadLimit(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token, profile := registerAndLogin(t, authSvc, "dailyuser", "user")

	err := s.UpsertEntitlement(context.Background(), &store.Entitlement{
		UserID: profile.ID, CanPublish: false,
		MaxPublicAssets: 50, MaxCodeSizeKB: 256, DailyUploadLimit: 2,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	createAssetViaAPI(t, srv, token, "one")
	createAssetViaAPI(t, srv, token, "two")

	w := doRequest(t, srv, http.MethodPost, "/api/assets", token, map[string]string{
		"name": "three", "kind": "snippet", "code": "x",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}
}

func TestGetAssetVisibilityRules(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	ownerToken, owner := registerAndLogin(t, authSvc, "owner", "user")
	otherToken, _ := registerAndLogin(t, authSvc, "stranger", "user")

	assetID := createAssetViaAPI(t, srv, ownerToken, "private thing")

	// Owner sees it.
	w := doRequest(t, srv, http.MethodGet, "/api/assets/"+assetID, ownerToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner get: status %d", w.Code)
	}

	// Stranger gets 404 for a private asset.
	w = doRequest(t, srv, http.MethodGet, "/api/assets/"+assetID, otherToken, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("stranger get: status %d, want 404", w.Code)
	}

	// Once public, anyone authenticated can read it.
	grantProTier(t, s, owner.ID)
	w = doRequest(t, srv, http.MethodPost, "/api/assets/publish", ownerToken, map[string]any{
		"assetId": assetID, "isPublic": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("publish: status %d: %s", w.Code, w.Body.String())
	}
	w = doRequest(t, srv, http.MethodGet, "/api/assets/"+assetID, otherToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stranger get public: status %d", w.Code)
	}
}

func TestPublishRequiresFields(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token, _ := registerAndLogin(t, authSvc, "pubuser", "user")

	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": "",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestPublishDeniedForFreeTier(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token, _ := registerAndLogin(t, authSvc, "freeuser", "user")
	assetID := createAssetViaAPI(t, srv, token, "wannabe public")

	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": assetID, "isPublic": true,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["code"] != publish.CodeCannotPublish {
		t.Errorf("code = %v, want %s", resp["code"], publish.CodeCannotPublish)
	}
}

func TestPublishForbiddenForNonOwner(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	ownerToken, _ := registerAndLogin(t, authSvc, "pubowner", "user")
	otherToken, _ := registerAndLogin(t, authSvc, "pubother", "user")
	assetID := createAssetViaAPI(t, srv, ownerToken, "mine")

	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", otherToken, map[string]any{
		"assetId": assetID, "isPublic": true,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", w.Code)
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["code"] != publish.CodeForbidden {
		t.Errorf("code = %v, want %s", resp["code"], publish.CodeForbidden)
	}
}

func TestPublishQuotaExceededPayload(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token, profile := registerAndLogin(t, authSvc, "quotauser", "user")

	err := s.UpsertEntitlement(context.Background(), &store.Entitlement{
		UserID: profile.ID, CanPublish: true,
		MaxPublicAssets: 1, MaxCodeSizeKB: 1024, DailyUploadLimit: 50,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	first := createAssetViaAPI(t, srv, token, "first")
	second := createAssetViaAPI(t, srv, token, "second")

	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": first, "isPublic": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("first publish: status %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": second, "isPublic": true,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("second publish: status %d, want 403", w.Code)
	}

	var resp struct {
		Code  string `json:"code"`
		Quota *struct {
			Current int `json:"current"`
			Limit   int `json:"limit"`
		} `json:"quota"`
	}
	parseJSONResponse(t, w, &resp)
	if resp.Code != publish.CodeQuotaExceeded {
		t.Fatalf("code = %q, want %s", resp.Code, publish.CodeQuotaExceeded)
	}
	if resp.Quota == nil || resp.Quota.Current != 1 || resp.Quota.Limit != 1 {
		t.Errorf("quota payload = %+v, want current 1 limit 1", resp.Quota)
	}
}

func TestUnpublishAlwaysAllowedForOwner(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token, profile := registerAndLogin(t, authSvc, "unpubuser", "user")
	grantProTier(t, s, profile.ID)
	assetID := createAssetViaAPI(t, srv, token, "to unpublish")

	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": assetID, "isPublic": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("publish: status %d", w.Code)
	}

	// Drop back to free tier, then unpublish; the gate must still allow it.
	err := s.UpsertEntitlement(context.Background(), &store.Entitlement{
		UserID: profile.ID, CanPublish: false,
		MaxPublicAssets: 50, MaxCodeSizeKB: 256, DailyUploadLimit: 10,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": assetID, "isPublic": false,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("unpublish: status %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["success"] != true || resp["isPublic"] != false {
		t.Errorf("response = %v", resp)
	}
}

func TestPublicGalleryUnauthenticated(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token, profile := registerAndLogin(t, authSvc, "galleryuser", "user")
	grantProTier(t, s, profile.ID)
	assetID := createAssetViaAPI(t, srv, token, "public snippet")

	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": assetID, "isPublic": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("publish: status %d", w.Code)
	}

	// No token needed for the gallery.
	w = doRequest(t, srv, http.MethodGet, "/api/public/assets", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("gallery: status %d", w.Code)
	}
	var assets []store.Asset
	parseJSONResponse(t, w, &assets)
	if len(assets) != 1 {
		t.Fatalf("got %d public assets, want 1", len(assets))
	}

	// Kind filter.
	w = doRequest(t, srv, http.MethodGet, "/api/public/assets?kind=template", "", nil)
	parseJSONResponse(t, w, &assets)
	if len(assets) != 0 {
		t.Errorf("got %d template assets, want 0", len(assets))
	}
}

func TestDeleteAssetRemovesFromGallery(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token, profile := registerAndLogin(t, authSvc, "deluser", "user")
	grantProTier(t, s, profile.ID)
	assetID := createAssetViaAPI(t, srv, token, "short lived")

	doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": assetID, "isPublic": true,
	})

	w := doRequest(t, srv, http.MethodDelete, "/api/assets/"+assetID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/public/assets", "", nil)
	var assets []store.Asset
	parseJSONResponse(t, w, &assets)
	if len(assets) != 0 {
		t.Errorf("deleted asset still in gallery")
	}

	w = doRequest(t, srv, http.MethodGet, "/api/assets/"+assetID, token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted asset: status %d, want 404", w.Code)
	}
}

func TestUpdateAsset(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token, _ := registerAndLogin(t, authSvc, "upduser", "user")
	assetID := createAssetViaAPI(t, srv, token, "old name")

	w := doRequest(t, srv, http.MethodPut, "/api/assets/"+assetID, token, map[string]string{
		"name": "new name",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d: %s", w.Code, w.Body.String())
	}
	var asset store.Asset
	parseJSONResponse(t, w, &asset)
	if asset.Name != "new name" {
		t.Errorf("name = %q", asset.Name)
	}
	if asset.Code != "<div></div>" {
		t.Errorf("code changed unexpectedly: %q", asset.Code)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token, profile := registerAndLogin(t, authSvc, "quotaep", "user")
	grantProTier(t, s, profile.ID)

	assetID := createAssetViaAPI(t, srv, token, "counted")
	doRequest(t, srv, http.MethodPost, "/api/assets/publish", token, map[string]any{
		"assetId": assetID, "isPublic": true,
	})

	w := doRequest(t, srv, http.MethodGet, "/api/quota", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quota: status %d", w.Code)
	}

	var resp struct {
		CanPublish   bool `json:"can_publish"`
		PublicAssets struct {
			Current int `json:"current"`
			Limit   int `json:"limit"`
		} `json:"public_assets"`
	}
	parseJSONResponse(t, w, &resp)
	if !resp.CanPublish {
		t.Error("expected can_publish true")
	}
	if resp.PublicAssets.Current != 1 || resp.PublicAssets.Limit != billing.ProTier.MaxPublicAssets {
		t.Errorf("quota = %+v", resp.PublicAssets)
	}
}

func TestPlansEndpoint(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/plans", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("plans: status %d", w.Code)
	}

	var resp map[string]map[string]any
	parseJSONResponse(t, w, &resp)
	if _, ok := resp["free"]; !ok {
		t.Error("missing free plan")
	}
	if _, ok := resp["pro"]; !ok {
		t.Error("missing pro plan")
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	userToken, _ := registerAndLogin(t, authSvc, "plainuser", "user")
	adminToken, _ := registerAndLogin(t, authSvc, "adminuser", "admin")

	w := doRequest(t, srv, http.MethodGet, "/api/admin/audit", userToken, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("user audit access: status %d, want 403", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/admin/audit", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin audit access: status %d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/users", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin list users: status %d", w.Code)
	}
}

func TestAdminCanPublishAnyAsset(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	ownerToken, _ := registerAndLogin(t, authSvc, "assetowner", "user")
	adminToken, _ := registerAndLogin(t, authSvc, "superadmin", "admin")
	assetID := createAssetViaAPI(t, srv, ownerToken, "admin publishes this")

	// Owner is free tier, but the admin bypasses entitlement checks.
	w := doRequest(t, srv, http.MethodPost, "/api/assets/publish", adminToken, map[string]any{
		"assetId": assetID, "isPublic": true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin publish: status %d: %s", w.Code, w.Body.String())
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	registerAndLogin(t, authSvc, "ratelimited", "user")

	limited := false
	for i := 0; i < 20; i++ {
		w := doRequest(t, srv, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "ratelimited",
			"password": fmt.Sprintf("wrong-%d", i),
		})
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("login was never rate limited")
	}
}
