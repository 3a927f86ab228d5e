package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/marketplace-payments/internal/common"
)

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens("test-secret", "payments", "ops")
	require.NoError(t, err)
	return tokens
}

func protected() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ := common.Subject(r.Context())
		_, _ = w.Write([]byte(subject))
	})
}

func serve(m Middleware, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/webhook-events", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	m.RequireAdmin(protected()).ServeHTTP(rec, req)
	return rec
}

func TestNewTokensRequiresSecret(t *testing.T) {
	_, err := NewTokens(" ", "", "")
	require.Error(t, err)
}

func TestRequireAdminAcceptsAdminToken(t *testing.T) {
	tokens := newTestTokens(t)
	signed, err := tokens.Sign("ops@example.com", AdminRole, time.Minute)
	require.NoError(t, err)

	rec := serve(Middleware{Tokens: tokens}, "Bearer "+signed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ops@example.com", rec.Body.String())
}

func TestRequireAdminRejectsMissingToken(t *testing.T) {
	rec := serve(Middleware{Tokens: newTestTokens(t)}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminRejectsOtherRole(t *testing.T) {
	tokens := newTestTokens(t)
	signed, err := tokens.Sign("seller", "seller", time.Minute)
	require.NoError(t, err)

	rec := serve(Middleware{Tokens: tokens}, "Bearer "+signed)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "FORBIDDEN")
}

func TestRequireAdminRejectsExpiredToken(t *testing.T) {
	tokens := newTestTokens(t)
	tokens.now = func() time.Time { return time.Now().Add(-time.Hour) }
	signed, err := tokens.Sign("ops", AdminRole, time.Minute)
	require.NoError(t, err)
	tokens.now = time.Now

	rec := serve(Middleware{Tokens: tokens}, "Bearer "+signed)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminRejectsForeignSecret(t *testing.T) {
	other, err := NewTokens("other-secret", "payments", "ops")
	require.NoError(t, err)
	signed, err := other.Sign("ops", AdminRole, time.Minute)
	require.NoError(t, err)

	rec := serve(Middleware{Tokens: newTestTokens(t)}, "Bearer "+signed)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminRejectsOtherAlgorithm(t *testing.T) {
	tok, err := jwt.NewBuilder().Subject("ops").Expiration(time.Now().Add(time.Minute)).Claim(RoleClaim, AdminRole).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS512, []byte("test-secret")))
	require.NoError(t, err)

	rec := serve(Middleware{Tokens: newTestTokens(t)}, "Bearer "+string(signed))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminDisabledWithoutTokens(t *testing.T) {
	rec := serve(Middleware{}, "Bearer x")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
