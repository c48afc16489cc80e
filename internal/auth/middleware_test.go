package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRequireAuth(t *testing.T) {
	a := NewAuthenticator(map[string]string{"secret-token": "tenant-1"}, zap.NewNop())

	handler := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := GetTenantIDFromContext(r.Context())
		if !ok {
			t.Error("Expected tenant ID in context")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(tenantID))
	}))

	tests := []struct {
		name   string
		header string
		want   int
		body   string
	}{
		{name: "valid bearer token", header: "Bearer secret-token", want: http.StatusOK, body: "tenant-1"},
		{name: "case-insensitive scheme and extra spaces", header: "bearer    secret-token ", want: http.StatusOK, body: "tenant-1"},
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "invalid format", header: "InvalidFormat", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic secret-token", want: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer other-token", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rr.Body.String())
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	tokens := map[string]string{"a": "tenant-a"}
	a := NewAuthenticator(tokens, zap.NewNop())
	tokens["b"] = "tenant-b"

	tenant, err := a.ValidateToken(" a ")
	assert.NoError(t, err)
	assert.Equal(t, "tenant-a", tenant)

	_, err = a.ValidateToken("b")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGetTenantIDFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := GetTenantIDFromContext(req.Context())
	assert.False(t, ok)

	tenant, ok := GetTenantIDFromContext(WithTenantID(req.Context(), "tenant-9"))
	assert.True(t, ok)
	assert.Equal(t, "tenant-9", tenant)
}
