package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ErrUnauthenticated is returned when a request carries no acceptable session.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the authenticated caller behind a connection.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// IdentityResolver maps session claims to a canonical user id.
type IdentityResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims SessionClaims) (string, error)
}

// Gateway authenticates incoming requests.
type Gateway struct {
	validator *SessionValidator
	resolver  IdentityResolver
	logger    *zap.Logger
}

// NewGateway builds a Gateway. A nil resolver uses the claims' user id as is.
func NewGateway(validator *SessionValidator, resolver IdentityResolver, logger *zap.Logger) (*Gateway, error) {
	if validator == nil {
		return nil, errors.New("auth: session validator required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{validator: validator, resolver: resolver, logger: logger}, nil
}

// Authenticate validates the session carried by r and resolves the caller.
func (g *Gateway) Authenticate(r *http.Request) (Identity, error) {
	claims, err := g.validator.ValidateRequest(r)
	if err != nil {
		g.logger.Debug("session validation failed", zap.Error(err))
		return Identity{}, errors.Join(ErrUnauthenticated, err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if g.resolver != nil {
		resolved, resolveErr := g.resolver.ResolveCanonicalUserID(r.Context(), claims)
		if resolveErr != nil {
			g.logger.Warn("identity resolution failed",
				zap.String("subject", claims.Subject),
				zap.Error(resolveErr))
			return Identity{}, errors.Join(ErrUnauthenticated, resolveErr)
		}
		userID = resolved
	}
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}

	name := strings.TrimSpace(claims.UserDisplayName)
	if name == "" {
		name = strings.TrimSpace(claims.UserEmail)
	}
	return Identity{
		UserID: userID,
		Email:  strings.TrimSpace(claims.UserEmail),
		Name:   name,
	}, nil
}
