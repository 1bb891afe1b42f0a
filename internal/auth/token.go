// Package auth defines the credential boundary for the chat core. The core
// never stores tokens itself; it reads them from a TokenProvider supplied by
// the host application, and decodes the access token's claims to learn the
// viewer's identity.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vvinit594/Flowwdeck/internal/protocol"
)

// TokenProvider supplies the current access token. An empty string means no
// credential is available and no connection attempt should be made.
type TokenProvider interface {
	Token() string
}

// StaticProvider is a TokenProvider that always returns a fixed token.
// Useful for CLIs and tests.
type StaticProvider string

// Token implements TokenProvider.
func (p StaticProvider) Token() string { return string(p) }

// ProviderFunc adapts a plain function to the TokenProvider interface.
type ProviderFunc func() string

// Token implements TokenProvider.
func (f ProviderFunc) Token() string { return f() }

// Identity is the viewer's identity as carried in the access token payload.
type Identity struct {
	UserID   protocol.UserID
	Email    string
	UserType string
}

// claims mirrors the backend's JWT payload.
type claims struct {
	UserID   protocol.UserID `json:"userId"`
	Email    string          `json:"email"`
	UserType string          `json:"userType"`
	jwt.RegisteredClaims
}

// ParseIdentity decodes the viewer's identity from a JWT access token.
// The signature is NOT verified: the client has no signing key and the token
// is only trusted as far as "which user does the backend think I am" — the
// backend re-validates it on every request.
func ParseIdentity(token string) (Identity, error) {
	var c claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &c); err != nil {
		return Identity{}, fmt.Errorf("auth: failed to decode token: %w", err)
	}
	if c.UserID == "" {
		return Identity{}, fmt.Errorf("auth: token has no userId claim")
	}
	return Identity{UserID: c.UserID, Email: c.Email, UserType: c.UserType}, nil
}
