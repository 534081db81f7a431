package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPIgnoresHeadersFromUntrustedPeer(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:51000"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	r.Header.Set("X-Real-IP", "198.51.100.9")

	if got := ClientIP(r, nil); got != "203.0.113.7" {
		t.Fatalf("ClientIP = %q, want peer address", got)
	}
}

func TestClientIPWalksForwardedChain(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", "172.16.0.1"})
	if err != nil {
		t.Fatalf("NewTrustedProxies: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 172.16.0.1")

	if got := ClientIP(r, trusted); got != "198.51.100.9" {
		t.Fatalf("ClientIP = %q, want first untrusted hop", got)
	}
}

func TestClientIPAllHopsTrusted(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewTrustedProxies: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:443"
	r.Header.Set("X-Forwarded-For", "10.9.9.9")

	if got := ClientIP(r, trusted); got != "10.9.9.9" {
		t.Fatalf("ClientIP = %q, want leftmost hop", got)
	}
}

func TestClientIPRealIPFallback(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewTrustedProxies: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:443"
	r.Header.Set("X-Real-IP", "198.51.100.9")

	if got := ClientIP(r, trusted); got != "198.51.100.9" {
		t.Fatalf("ClientIP = %q, want X-Real-IP value", got)
	}
}

func TestNewTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatal("expected prefix error")
	}
	tp, err := NewTrustedProxies([]string{" ", ""})
	if err != nil || tp != nil {
		t.Fatalf("blank entries = %v, %v; want nil, nil", tp, err)
	}
}
