package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

// TenantIDKey is the context key used to store the authenticated tenant.
const TenantIDKey contextKey = "tenant_id"

var ErrInvalidToken = errors.New("invalid token")

// Authenticator resolves bearer tokens to tenant IDs.
type Authenticator struct {
	tokens map[string]string
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator for a token -> tenant ID map.
func NewAuthenticator(tokens map[string]string, logger *zap.Logger) *Authenticator {
	copied := make(map[string]string, len(tokens))
	for token, tenant := range tokens {
		copied[token] = tenant
	}
	return &Authenticator{tokens: copied, logger: logger.Named("auth")}
}

// RequireAuth middleware checks for a valid bearer token in the Authorization header and
// stores the tenant ID in the request context. Returns 401 Unauthorized if authentication fails.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.logger.Debug("Missing or malformed Authorization header", zap.String("path", r.URL.Path))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		tenantID, err := a.ValidateToken(token)
		if err != nil {
			a.logger.Debug("Token validation failed", zap.String("path", r.URL.Path))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken returns the tenant the token belongs to.
func (a *Authenticator) ValidateToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	for known, tenant := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return tenant, nil
		}
	}
	return "", ErrInvalidToken
}

// BearerToken parses an Authorization header: "Bearer <token>" (RFC 7235).
// The scheme is case-insensitive.
func BearerToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}

// WithTenantID returns a copy of ctx carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// GetTenantIDFromContext returns the tenant ID from the context.
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}
