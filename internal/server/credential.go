package server

import (
	"context"
	"fmt"
	"time"

	"github.com/druidia-bot/dotbot/internal/credential"
	"github.com/druidia-bot/dotbot/pkg/protocol"
)

// handleCredentialSessionRequest mints a one-time credential entry session
// and hands the entry URL back to the device.
func (a *App) handleCredentialSessionRequest(ds *deviceState, env protocol.Envelope) {
	var req protocol.CredentialSessionRequestPayload
	if err := env.Decode(&req); err != nil {
		return
	}

	fail := func(msg string) {
		_ = ds.sess.Send(protocol.KindCredentialSessionReady, protocol.CredentialSessionReadyPayload{
			WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
			Error:             msg,
		})
	}

	// Domain scoping is mandatory: a credential with no allowed domain
	// could be replayed against any host through the proxy.
	if req.AllowedDomain == "" {
		fail("allowed_domain is required")
		return
	}
	if req.KeyName == "" {
		fail("key_name is required")
		return
	}

	sess, err := a.Sessions.Create(ds.sess.UserID, ds.sess.DeviceID, req.KeyName, req.Prompt, req.Title, req.AllowedDomain, time.Now())
	if err != nil {
		fail(err.Error())
		return
	}

	_ = ds.sess.Send(protocol.KindCredentialSessionReady, protocol.CredentialSessionReadyPayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
		EntryURL:          fmt.Sprintf("%s/credentials/enter/%s", a.EntryBaseURL, sess.Token),
	})
}

// fetchBlob asks the device for its stored blob — the client returns it
// verbatim, opaque.
func (a *App) fetchBlob(ctx context.Context, ds *deviceState, keyName string) (string, bool, error) {
	corrID := protocol.NewCorrelationID()
	reply, ok := ds.sess.Call(ctx, protocol.KindCredentialResolve, corrID, protocol.CredentialResolvePayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: corrID},
		KeyName:           keyName,
	})
	if !ok {
		return "", false, fmt.Errorf("no answer from device for credential %q", keyName)
	}
	var resp protocol.CredentialResolveResponsePayload
	if err := reply.Decode(&resp); err != nil {
		return "", false, err
	}
	return resp.EncryptedBlob, resp.Found, nil
}

// resolvePlaintext fetches and decrypts a blob for server-side use (MCP
// auth headers). The plaintext stays inside this process.
func (a *App) resolvePlaintext(ctx context.Context, ds *deviceState, keyName string) (string, error) {
	blob, found, err := a.fetchBlob(ctx, ds, keyName)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("no stored credential for %q", keyName)
	}
	return credential.Decrypt(a.MasterKey, blob, "")
}

// handleCredentialProxy runs one domain-checked proxied request on the
// device's behalf.
func (a *App) handleCredentialProxy(ctx context.Context, ds *deviceState, env protocol.Envelope) {
	var req protocol.CredentialProxyPayload
	if err := env.Decode(&req); err != nil {
		return
	}

	proxy := &credential.Proxy{
		MasterKey: a.MasterKey,
		Resolve: func(ctx context.Context, userID, deviceID, keyName string) (string, bool, error) {
			return a.fetchBlob(ctx, ds, keyName)
		},
	}
	result := proxy.Do(ctx, ds.sess.UserID, ds.sess.DeviceID, req.KeyName, credential.ProxyRequest{
		BaseURL: req.Request.BaseURL,
		Method:  req.Request.Method,
		Path:    req.Request.Path,
		Headers: req.Request.Headers,
		Body:    req.Request.Body,
		Placement: credential.Placement{
			Header: req.Request.Placement.Header,
			Prefix: req.Request.Placement.Prefix,
		},
	})

	payload := protocol.CredentialProxyResponsePayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
		OK:                result.OK,
		Status:            result.Status,
		Headers:           result.Headers,
		Body:              result.Body,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	_ = ds.sess.Send(protocol.KindCredentialProxyResponse, payload)
}

// handleCredentialResolve serves a client-initiated resolve: fetch the
// client's own blob back, decrypt it, and return the plaintext so a
// client-side gateway (the Discord connection) can authenticate. This is
// the one sanctioned path by which plaintext reaches the client, and it
// never transits the LLM.
func (a *App) handleCredentialResolve(ctx context.Context, ds *deviceState, env protocol.Envelope) {
	var req protocol.CredentialResolvePayload
	if err := env.Decode(&req); err != nil {
		return
	}

	payload := protocol.CredentialResolveResponsePayload{
		WithCorrelationID: protocol.WithCorrelationID{CorrID: req.CorrID},
	}
	plaintext, err := a.resolvePlaintext(ctx, ds, req.KeyName)
	if err != nil {
		payload.Error = err.Error()
	} else {
		payload.Found = true
		payload.Value = plaintext
	}
	_ = ds.sess.Send(protocol.KindCredentialResolveResponse, payload)
}
