package credential

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/druidia-bot/dotbot/internal/errkind"
	"github.com/druidia-bot/dotbot/internal/tracing"
)

// ResolveFunc fetches the caller's stored blob for keyName, verbatim — the
// client returns it opaque, decrypted only here. internal/server supplies the concrete implementation that
// round-trips a credential_resolve/credential_resolve_response envelope
// pair.
type ResolveFunc func(ctx context.Context, userID, deviceID, keyName string) (blob string, found bool, err error)

// Proxy implements credential proxy: domain-matched decrypt, header
// injection, HTTPS round trip, response passthrough.
type Proxy struct {
	MasterKey []byte
	Resolve ResolveFunc
	Client *http.Client
}

// ProxyResult mirrors protocol.CredentialProxyResponsePayload.
type ProxyResult struct {
	OK bool
	Status int
	Headers map[string]string
	Body string
	Err error
}

// Do performs the proxied request. Any domain mismatch is
// classified errkind.CredentialDomainMismatch and no network request is made.
func (p *Proxy) Do(ctx context.Context, userID, deviceID, keyName string, req ProxyRequest) ProxyResult {
	blob, found, err := p.Resolve(ctx, userID, deviceID, keyName)
	if err != nil {
		return ProxyResult{Err: fmt.Errorf("resolve credential: %w", err)}
	}
	if !found {
		return ProxyResult{Err: fmt.Errorf("no stored credential for key %q", keyName)}
	}

	storedDomain, err := Domain(blob)
	if err != nil {
		return ProxyResult{Err: fmt.Errorf("read blob domain: %w", err)}
	}

	parsed, err := url.Parse(req.BaseURL)
	if err != nil {
		return ProxyResult{Err: fmt.Errorf("parse base_url: %w", err)}
	}
	requestHost := strings.ToLower(parsed.Hostname())
	if requestHost != storedDomain {
		return ProxyResult{Err: errkind.CredentialDomainMismatch(fmt.Errorf(
			"request host %q does not match credential domain %q", requestHost, storedDomain))}
	}

	plaintext, err := Decrypt(p.MasterKey, blob, requestHost)
	if err != nil {
		return ProxyResult{Err: errkind.CredentialDomainMismatch(fmt.Errorf("decrypt credential: %w", err))}
	}
	defer func() { plaintext = "" }() // plaintext lives only for this request's lifetime

	httpReq, err := p.buildRequest(ctx, req, plaintext)
	if err != nil {
		return ProxyResult{Err: err}
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	// Span attributes name the target host and status only — never the
	// injected header, the request body, or the key name's plaintext.
	spanCtx, span := tracing.Tracer("credential").Start(ctx, "proxy.request")
	span.SetAttributes(
		attribute.String("proxy.host", requestHost),
		attribute.String("proxy.method", httpReq.Method),
	)
	resp, err := client.Do(httpReq.WithContext(spanCtx))
	if err != nil {
		span.SetStatus(codes.Error, "proxied request failed")
		span.End()
		return ProxyResult{Err: fmt.Errorf("proxied request: %w", err)}
	}
	span.SetAttributes(attribute.Int("proxy.status", resp.StatusCode))
	span.End()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ProxyResult{Err: fmt.Errorf("read response: %w", err)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return ProxyResult{OK: resp.StatusCode < 400, Status: resp.StatusCode, Headers: headers, Body: string(body)}
}

// ProxyRequest mirrors protocol.CredentialProxyRequest (duplicated here so
// this package has no import-cycle dependency on pkg/protocol; callers
// convert at the transport boundary).
type ProxyRequest struct {
	BaseURL string
	Method string
	Path string
	Headers map[string]string
	Body string
	Placement Placement
}

// Placement mirrors protocol.CredentialPlacement.
type Placement struct {
	Header string
	Prefix string
}

func (p *Proxy) buildRequest(ctx context.Context, req ProxyRequest, plaintext string) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	full := strings.TrimRight(req.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")

	httpReq, err := http.NewRequestWithContext(ctx, method, full, bytes.NewReader([]byte(req.Body)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	header := req.Placement.Header
	if header == "" {
		header = "Authorization"
	}
	httpReq.Header.Set(header, req.Placement.Prefix+plaintext)

	return httpReq, nil
}
