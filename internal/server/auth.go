package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"veriflow/internal/domain"
	"veriflow/internal/identity"
	"veriflow/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// jwtClaims is what login mints: the session id rides in a private claim and
// gets re-resolved on every request, so revocation and expiry take effect
// immediately rather than at token expiry.
type jwtClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	TenantID  string `json:"tid,omitempty"`
}

func parseSessionToken(token, secret string) (jwtClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return jwtClaims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return jwtClaims{}, err
	}
	if !parsed.Valid {
		return jwtClaims{}, errors.New("invalid token")
	}
	if claims.SessionID == "" {
		return jwtClaims{}, errors.New("sid claim required")
	}
	return *claims, nil
}

func mintSessionToken(s domain.Session, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: s.ActorID},
		SessionID:        s.ID,
		TenantID:         s.TenantID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// authenticateAPIKey maps a raw key to an actor context without a session.
// Service accounts authenticate per request; there is nothing to revoke
// beyond deleting the key.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key, requiredTenant string) (domain.ActorContext, error) {
	if strings.TrimSpace(key) == "" {
		return domain.ActorContext{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return domain.ActorContext{}, err
	}
	actor, err := r.GetActor(ctx, apiKey.ActorID)
	if err != nil {
		return domain.ActorContext{}, err
	}
	if !actor.IsActive {
		return domain.ActorContext{}, identity.ErrActorInactive
	}
	if requiredTenant != "" && requiredTenant != actor.TenantID {
		return domain.ActorContext{}, identity.TenantMismatchError{Have: actor.TenantID, Want: requiredTenant}
	}
	return domain.ActorContext{
		TenantID:  actor.TenantID,
		ActorID:   actor.ID,
		ActorKind: actor.Kind,
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, reg identity.Registry) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			requiredTenant := strings.TrimSpace(req.Header.Get("X-Tenant-Id"))
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				claims, err := parseSessionToken(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				ac, err := reg.ResolveSession(req.Context(), claims.SessionID, requiredTenant)
				if err != nil {
					respondStatusError(w, sessionError(err))
					return
				}
				next.ServeHTTP(w, req.WithContext(identity.WithContext(req.Context(), ac)))
				return
			}

			if apiKeyHeader != "" {
				ac, err := authenticateAPIKey(req.Context(), reg.Repo, apiKeyHeader, requiredTenant)
				if err != nil {
					cfg.logger().Printf("api key auth failed: %v", err)
					respondStatusError(w, sessionError(err))
					return
				}
				next.ServeHTTP(w, req.WithContext(identity.WithContext(req.Context(), ac)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

// sessionError maps identity failures to the wire. Each failure mode keeps a
// stable code so clients can react without string matching.
func sessionError(err error) huma.StatusError {
	var tm identity.TenantMismatchError
	switch {
	case errors.As(err, &tm):
		return newAPIError(http.StatusForbidden, "tenant_mismatch", err.Error(), map[string]any{
			"session_tenant":  tm.Have,
			"required_tenant": tm.Want,
		})
	case errors.Is(err, identity.ErrSessionNotFound):
		return newAPIError(http.StatusUnauthorized, "session_not_found", err.Error(), nil)
	case errors.Is(err, identity.ErrSessionRevoked):
		return newAPIError(http.StatusUnauthorized, "session_revoked", err.Error(), nil)
	case errors.Is(err, identity.ErrSessionExpired):
		return newAPIError(http.StatusUnauthorized, "session_expired", err.Error(), nil)
	case errors.Is(err, identity.ErrActorNotFound):
		return newAPIError(http.StatusUnauthorized, "actor_not_found", err.Error(), nil)
	case errors.Is(err, identity.ErrActorInactive):
		return newAPIError(http.StatusForbidden, "actor_inactive", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	default:
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
}

func actorContextFromRequest(ctx context.Context) (domain.ActorContext, huma.StatusError) {
	ac, err := identity.FromContext(ctx)
	if err != nil {
		return domain.ActorContext{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return ac, nil
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
