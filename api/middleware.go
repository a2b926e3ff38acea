package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/snipforge/snipforge/auth"
	"github.com/snipforge/snipforge/billing"
	"github.com/snipforge/snipforge/store"
)

type contextKey string

const identityKey contextKey = "identity"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization header")
			return
		}

		tokenStr := authHeader[7:]
		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}

		// Externally issued identities may not have a local profile yet.
		if s.loginProvider == nil {
			if err := s.ensureProfile(r.Context(), identity); err != nil {
				s.logger.Error("profile provisioning failed", "user_id", identity.UserID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to provision account")
				return
			}
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensureProfile creates a profile and free-tier entitlement on first sight of
// an externally authenticated user.
func (s *Server) ensureProfile(ctx context.Context, identity *auth.Identity) error {
	existing, err := s.store.GetProfile(ctx, identity.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	err = s.store.CreateProfile(ctx, &store.Profile{
		ID:        identity.UserID,
		Username:  identity.Username,
		Role:      identity.Role,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	free := billing.FreeTier
	return s.store.UpsertEntitlement(ctx, &store.Entitlement{
		UserID:           identity.UserID,
		CanPublish:       free.CanPublish,
		MaxPublicAssets:  free.MaxPublicAssets,
		MaxCodeSizeKB:    free.MaxCodeSizeKB,
		DailyUploadLimit: free.DailyUploadLimit,
		UpdatedAt:        time.Now(),
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Stripe-Signature")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
