package ws

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"batchmon/internal/monitor/acl"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is a verified caller.
type Identity struct {
	UserID string
	Roles  acl.Roles
}

// Authenticator verifies the upgrade request of a connection.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthConfig selects and configures a built-in authenticator.
type AuthConfig struct {
	// Mode is "static" or "header".
	Mode string
	// Tokens maps bearer tokens to identities (static mode).
	Tokens map[string]TokenIdentity
	// UserHeader and RolesHeader name the proxy headers (header mode).
	UserHeader  string
	RolesHeader string
}

type TokenIdentity struct {
	User  string
	Roles []string
}

func NewAuthenticator(cfg AuthConfig) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "static":
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("static auth requires at least one token")
		}
		return NewStaticAuth(cfg.Tokens), nil
	case "header":
		return HeaderAuth{UserHeader: cfg.UserHeader, RolesHeader: cfg.RolesHeader}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// StaticAuth resolves bearer tokens from a fixed table. The token is read from
// the Authorization header or the "token" query parameter, since browsers
// cannot set headers on WebSocket upgrades.
type StaticAuth struct {
	tokens map[string]Identity
}

func NewStaticAuth(tokens map[string]TokenIdentity) *StaticAuth {
	a := &StaticAuth{tokens: make(map[string]Identity, len(tokens))}
	for tok, id := range tokens {
		a.tokens[tok] = Identity{UserID: id.User, Roles: acl.ParseRoles(id.Roles)}
	}
	return a
}

func (a *StaticAuth) Authenticate(r *http.Request) (Identity, error) {
	tok := BearerToken(r)
	if tok == "" {
		return Identity{}, ErrUnauthenticated
	}
	for known, id := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(tok)) == 1 {
			if len(id.Roles) == 0 {
				return Identity{}, fmt.Errorf("%w: no roles", ErrUnauthenticated)
			}
			return id, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

// HeaderAuth trusts identity headers set by an authenticating reverse proxy.
type HeaderAuth struct {
	UserHeader  string
	RolesHeader string
}

func (a HeaderAuth) Authenticate(r *http.Request) (Identity, error) {
	uh, rh := a.UserHeader, a.RolesHeader
	if uh == "" {
		uh = "X-Forwarded-User"
	}
	if rh == "" {
		rh = "X-Forwarded-Roles"
	}
	user := strings.TrimSpace(r.Header.Get(uh))
	if user == "" {
		return Identity{}, ErrUnauthenticated
	}
	roles := acl.ParseRoles(strings.Split(r.Header.Get(rh), ","))
	if len(roles) == 0 {
		return Identity{}, fmt.Errorf("%w: no roles", ErrUnauthenticated)
	}
	return Identity{UserID: user, Roles: roles}, nil
}

// BearerToken extracts a token from "Authorization: Bearer" or ?token=.
func BearerToken(r *http.Request) string {
	if ah := r.Header.Get("Authorization"); ah != "" {
		const p = "Bearer "
		if strings.HasPrefix(ah, p) {
			return strings.TrimSpace(strings.TrimPrefix(ah, p))
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
