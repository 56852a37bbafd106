package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/jkaninda/hpcbridge/internal/config"
	"github.com/jkaninda/hpcbridge/internal/hpc"
)

const (
	defaultMaxResponseBytes = 5 << 20 // 5 MB
	maxRedirects            = 5
	userAgent               = "hpcbridge/1.0"
)

// TLSPHandler serves the tlsp capability: an outbound HTTP proxy.
//
// Security:
//   - Only http and https schemes
//   - Domain allowlist enforced before every request and on every redirect
//   - DNS resolution checked: private/internal IPs blocked (SSRF protection)
//   - Method allowlist, upstream timeout, response body cap
type TLSPHandler struct {
	config config.TLSPConfig
	client *http.Client
	logger *slog.Logger
}

// NewTLSPHandler creates a proxy restricted by cfg.
func NewTLSPHandler(cfg config.TLSPConfig, logger *slog.Logger) *TLSPHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &TLSPHandler{config: cfg, logger: logger}
	h.client = &http.Client{CheckRedirect: h.checkRedirect}
	return h
}

// Handle performs the request and returns `{status, headers, body}`.
// Upstream HTTP error statuses are results, not errors.
func (h *TLSPHandler) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	var req hpc.TLSPRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid tlsp payload: %w", err)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := h.validate(req.URL, method)
	if err != nil {
		return nil, err
	}
	if err := h.checkHost(target.Hostname()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout())
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	h.logger.InfoContext(ctx, "tlsp request",
		slog.String("call_id", CallID(ctx)),
		slog.String("method", method),
		slog.String("host", target.Host),
	)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	maxBytes := h.config.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("upstream response exceeds %d bytes", maxBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	text := string(data)
	return hpc.TLSPResponse{Status: resp.StatusCode, Headers: headers, Body: &text}, nil
}

func (h *TLSPHandler) validate(rawURL, method string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("tlsp url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("only http/https schemes allowed, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL %q has no host", rawURL)
	}
	if !slices.ContainsFunc(h.allowedMethods(), func(m string) bool { return strings.EqualFold(m, method) }) {
		return nil, fmt.Errorf("method %q is not allowed", method)
	}
	if !h.config.AllowAll && !IsDomainAllowed(u.Hostname(), h.config.AllowedDomains) {
		return nil, fmt.Errorf("domain %q is not in the allowlist", u.Hostname())
	}
	return u, nil
}

func (h *TLSPHandler) allowedMethods() []string {
	if len(h.config.AllowedMethods) == 0 {
		return []string{http.MethodGet, http.MethodPost}
	}
	return h.config.AllowedMethods
}

func (h *TLSPHandler) checkHost(host string) error {
	if h.config.AllowPrivate {
		return nil
	}
	return CheckSSRF(host)
}

// checkRedirect validates that redirect targets are also in the allowlist
// and don't resolve to private IPs.
func (h *TLSPHandler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect to %q scheme blocked", req.URL.Scheme)
	}
	host := req.URL.Hostname()
	if !h.config.AllowAll && !IsDomainAllowed(host, h.config.AllowedDomains) {
		return fmt.Errorf("redirect to disallowed domain %q blocked", host)
	}
	return h.checkHost(host)
}
