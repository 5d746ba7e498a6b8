// Package auth resolves the caller of an API request: tenant, role and actor.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleDriver     = "driver"
	RolePlanner    = "planner"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Principal struct {
	Tenant  string
	Role    string
	ActorID string
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Can reports whether the principal holds admin or one of roles.
func (p Principal) Can(roles ...string) bool {
	if p.IsAdmin() {
		return true
	}
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Claims are the token fields the service reads. The subject is the actor.
type Claims struct {
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier supports two modes: dev trusts the X-Tenant-Id / X-Role / X-Actor-Id
// headers, hmac requires an HS256 bearer token.
type Verifier struct {
	Mode          string
	Secret        []byte
	DefaultTenant string
}

func NewVerifier(mode, secret string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{Mode: mode, Secret: []byte(secret), DefaultTenant: "t_demo"}
}

// Verify parses an HS256 token.
func (v *Verifier) Verify(token string) (Principal, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !tok.Valid || claims.Tenant == "" {
		return Principal{}, fmt.Errorf("%w: token carries no tenant", ErrUnauthenticated)
	}
	return Principal{Tenant: claims.Tenant, Role: claims.Role, ActorID: claims.Subject}, nil
}

// Sign issues a token for p. Used by tooling and tests.
func (v *Verifier) Sign(p Principal) (string, error) {
	c := Claims{Tenant: p.Tenant, Role: p.Role, RegisteredClaims: jwt.RegisteredClaims{Subject: p.ActorID}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.Secret)
}

// FromRequest resolves the principal of r.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && len(v.Secret) > 0 {
		return v.Verify(strings.TrimSpace(authz[len("Bearer "):]))
	}
	if v.Mode == "hmac" {
		return Principal{}, fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
	}
	p := Principal{
		Tenant:  r.Header.Get("X-Tenant-Id"),
		Role:    r.Header.Get("X-Role"),
		ActorID: r.Header.Get("X-Actor-Id"),
	}
	if p.Tenant == "" {
		p.Tenant = v.DefaultTenant
	}
	if p.Role == "" {
		p.Role = RoleAdmin
	}
	return p, nil
}
