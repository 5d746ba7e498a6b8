package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestDevModeReadsHeaders(t *testing.T) {
	v := NewVerifier("", "")
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Tenant-Id", "t1")
	r.Header.Set("X-Role", RoleDispatcher)
	r.Header.Set("X-Actor-Id", "u7")
	p, err := v.FromRequest(r)
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if p.Tenant != "t1" || p.Role != RoleDispatcher || p.ActorID != "u7" {
		t.Fatalf("principal: %+v", p)
	}
	if !p.Can(RoleDispatcher) || p.Can(RolePlanner) {
		t.Fatalf("role checks wrong for %+v", p)
	}

	p, _ = v.FromRequest(httptest.NewRequest("GET", "/", nil))
	if p.Tenant != "t_demo" || !p.IsAdmin() {
		t.Fatalf("defaults: %+v", p)
	}
}

func TestHMACModeRequiresValidToken(t *testing.T) {
	v := NewVerifier("hmac", "s3cret")
	tok, err := v.Sign(Principal{Tenant: "t1", Role: RolePlanner, ActorID: "u1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	p, err := v.FromRequest(r)
	if err != nil || p.Tenant != "t1" || p.ActorID != "u1" {
		t.Fatalf("got %+v, %v", p, err)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Tenant-Id", "t1")
	if _, err := v.FromRequest(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("headers must not be trusted in hmac mode, got %v", err)
	}

	forged, _ := NewVerifier("hmac", "other").Sign(Principal{Tenant: "t1"})
	r.Header.Set("Authorization", "Bearer "+forged)
	if _, err := v.FromRequest(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("forged token accepted: %v", err)
	}
}
