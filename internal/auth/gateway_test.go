package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubResolver struct {
	userID string
	err    error
	calls  int
}

func (r *stubResolver) ResolveCanonicalUserID(_ context.Context, _ SessionClaims) (string, error) {
	r.calls++
	return r.userID, r.err
}

func newTestGateway(t *testing.T, resolver IdentityResolver) (*Gateway, *TokenIssuer) {
	t.Helper()
	validator := newTestValidator(t, nil)
	gateway, err := NewGateway(validator, resolver, nil)
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	return gateway, issuer
}

func TestGatewayAuthenticateResolvesCanonicalUser(t *testing.T) {
	resolver := &stubResolver{userID: "canonical-1"}
	gateway, issuer := newTestGateway(t, resolver)
	token, _, err := issuer.IssueSessionToken(SessionClaims{UserID: "google:1", UserEmail: "ada@example.com"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token})
	identity, err := gateway.Authenticate(request)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if identity.UserID != "canonical-1" || identity.Email != "ada@example.com" || identity.Name != "ada@example.com" {
		t.Fatalf("unexpected identity %#v", identity)
	}
	if resolver.calls != 1 {
		t.Fatalf("expected resolver to be consulted once, got %d", resolver.calls)
	}
}

func TestGatewayAuthenticateFailures(t *testing.T) {
	gateway, issuer := newTestGateway(t, &stubResolver{err: errors.New("db down")})

	if _, err := gateway.Authenticate(httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without token, got %v", err)
	}

	token, _, err := issuer.IssueSessionToken(SessionClaims{UserID: "user-1"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	if _, err := gateway.Authenticate(request); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated on resolver failure, got %v", err)
	}
}

func TestGatewayWithoutResolverUsesClaims(t *testing.T) {
	gateway, issuer := newTestGateway(t, nil)
	token, _, err := issuer.IssueSessionToken(SessionClaims{UserID: "user-9", UserDisplayName: "Grace"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/ws?token="+token, http.NoBody)
	identity, err := gateway.Authenticate(request)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if identity.UserID != "user-9" || identity.Name != "Grace" {
		t.Fatalf("unexpected identity %#v", identity)
	}
}
