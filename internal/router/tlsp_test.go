package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/jkaninda/hpcbridge/internal/config"
	"github.com/jkaninda/hpcbridge/internal/hpc"
)

func localTLSP(extra func(*config.TLSPConfig)) *TLSPHandler {
	cfg := config.TLSPConfig{
		AllowedDomains: []string{"127.0.0.1"},
		AllowPrivate:   true,
	}
	if extra != nil {
		extra(&cfg)
	}
	return NewTLSPHandler(cfg, nil)
}

func tlspPayload(t *testing.T, req hpc.TLSPRequest) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTLSPHandler_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, `{"hello":"world"}`)
	}))
	defer srv.Close()

	res, err := localTLSP(nil).Handle(context.Background(), tlspPayload(t, hpc.TLSPRequest{URL: srv.URL + "/x"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := res.(hpc.TLSPResponse)
	if out.Status != http.StatusTeapot {
		t.Errorf("status = %d, upstream statuses must pass through", out.Status)
	}
	if out.Headers["x-reply"] != "yes" {
		t.Errorf("headers = %v", out.Headers)
	}
	if out.Body == nil || *out.Body != `{"hello":"world"}` {
		t.Errorf("body = %v", out.Body)
	}
}

func TestTLSPHandler_PostForwardsHeadersAndBody(t *testing.T) {
	var gotAuth, gotBody, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	_, err := localTLSP(nil).Handle(context.Background(), tlspPayload(t, hpc.TLSPRequest{
		URL:     srv.URL,
		Method:  "post",
		Headers: map[string]string{"Authorization": "Bearer k"},
		Body:    `{"q":1}`,
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gotMethod != http.MethodPost || gotAuth != "Bearer k" || gotBody != `{"q":1}` {
		t.Errorf("upstream saw method=%q auth=%q body=%q", gotMethod, gotAuth, gotBody)
	}
}

func TestTLSPHandler_Rejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("a", 64))
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		cfg     func(*config.TLSPConfig)
		req     hpc.TLSPRequest
		wantErr string
	}{
		{"missing url", nil, hpc.TLSPRequest{}, "url is required"},
		{"bad scheme", nil, hpc.TLSPRequest{URL: "ftp://127.0.0.1/x"}, "schemes"},
		{"method not allowed", nil, hpc.TLSPRequest{URL: srv.URL, Method: "DELETE"}, "not allowed"},
		{"domain not allowed", func(c *config.TLSPConfig) { c.AllowedDomains = []string{"api.example.com"} }, hpc.TLSPRequest{URL: srv.URL}, "allowlist"},
		{"empty allowlist denies", func(c *config.TLSPConfig) { c.AllowedDomains = nil }, hpc.TLSPRequest{URL: srv.URL}, "allowlist"},
		{"private blocked", func(c *config.TLSPConfig) { c.AllowPrivate = false }, hpc.TLSPRequest{URL: srv.URL}, "SSRF"},
		{"body cap", func(c *config.TLSPConfig) { c.MaxResponseBytes = 10 }, hpc.TLSPRequest{URL: srv.URL}, "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := localTLSP(tt.cfg).Handle(context.Background(), tlspPayload(t, tt.req))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestTLSPHandler_AllowAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	h := localTLSP(func(c *config.TLSPConfig) {
		c.AllowedDomains = nil
		c.AllowAll = true
	})
	if _, err := h.Handle(context.Background(), tlspPayload(t, hpc.TLSPRequest{URL: srv.URL})); err != nil {
		t.Fatalf("allow_all should skip the allowlist: %v", err)
	}
}

func TestTLSPHandler_RedirectToDisallowedDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://evil.invalid/steal", http.StatusFound)
	}))
	defer srv.Close()

	_, err := localTLSP(nil).Handle(context.Background(), tlspPayload(t, hpc.TLSPRequest{URL: srv.URL}))
	if err == nil || !strings.Contains(err.Error(), "disallowed domain") {
		t.Fatalf("err = %v, want redirect rejection", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"::ffff:10.0.0.1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		if got := IsPrivateIP(netip.MustParseAddr(tt.ip)); got != tt.want {
			t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestIsDomainAllowed(t *testing.T) {
	allowed := []string{"API.openai.com", "*.example.com"}
	tests := []struct {
		host string
		want bool
	}{
		{"api.openai.com", true},
		{"api.openai.com.", true},
		{"openai.com", false},
		{"a.example.com", true},
		{"a.b.example.com", true},
		{"example.com", false},
		{"badexample.com", false},
	}
	for _, tt := range tests {
		if got := IsDomainAllowed(tt.host, allowed); got != tt.want {
			t.Errorf("IsDomainAllowed(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
