package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewChecker(t *testing.T) {
	logger := zap.NewNop()
	c := NewChecker(logger)

	if c == nil {
		t.Fatal("NewChecker() returned nil")
	}
	if c.logger == nil {
		t.Error("logger is nil")
	}
}

func TestChecker_Allowed_PermittedPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `
User-agent: *
Allow: /

User-agent: GhostTabAgent
Allow: /public/
Disallow: /private/
`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/public/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true for allowed path")
	}
}

func TestChecker_Allowed_DisallowedPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `
User-agent: GhostTabAgent
Disallow: /private/
`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/private/secret")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if allowed {
		t.Error("Allowed() returned true, expected false for disallowed path")
	}
}

func TestChecker_Allowed_MissingRobotsTxt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "Not Found")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/any/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true (fail open) when robots.txt is missing")
	}
}

func TestChecker_Allowed_EmptyRobotsTxt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/any/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true for empty robots.txt")
	}
}

func TestChecker_Allowed_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, "Internal Server Error")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/any/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true (fail open) on server error")
	}
}

func TestChecker_Allowed_NetworkError(t *testing.T) {
	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), "http://127.0.0.1:1/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true (fail open) on network error")
	}
}

func TestChecker_Allowed_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			time.Sleep(2 * time.Second)
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "User-agent: *\nDisallow: /")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	allowed, err := c.Allowed(ctx, server.URL+"/any/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true (fail open) on timeout")
	}
}

func TestChecker_Allowed_SendsOwnUserAgent(t *testing.T) {
	var receivedUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			receivedUA = r.Header.Get("User-Agent")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "User-agent: *\nAllow: /")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	if _, err := c.Allowed(context.Background(), server.URL+"/page"); err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}

	const wantUA = "GhostTabAgent/1.0"
	if receivedUA != wantUA {
		t.Errorf("User-Agent = %q, want %q", receivedUA, wantUA)
	}
}

func TestChecker_Allowed_AgentSpecificRulesOverrideWildcard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `
User-agent: *
Allow: /

User-agent: GhostTabAgent
Disallow: /ghost-only/

User-agent: Bingbot
Disallow: /bingbot-only/
`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/ghost-only/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if allowed {
		t.Error("Allowed() returned true, expected false for our own agent's disallow rule")
	}

	allowed, err = c.Allowed(context.Background(), server.URL+"/bingbot-only/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true (Bingbot rule should not affect our agent)")
	}
}

func TestChecker_Allowed_DisallowAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `
User-agent: *
Disallow: /
`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/any/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if allowed {
		t.Error("Allowed() returned true, expected false for Disallow: /")
	}
}

func TestChecker_Allowed_AllowAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `
User-agent: *
Allow: /
`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewChecker(zap.NewNop())

	allowed, err := c.Allowed(context.Background(), server.URL+"/any/page")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("Allowed() returned false, expected true for Allow: /")
	}
}
