package credential

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

// panicTransport fails any request it's asked to perform, so the test
// proves the proxy never reaches the network path on a domain mismatch.
type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("network request should not have been attempted")
}

// recordingTransport captures the outgoing request and answers 200 without
// touching the network.
type recordingTransport struct{ got *http.Request }

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.got = req
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func TestProxyDomainMismatchMakesNoRequest(t *testing.T) {
	key := testMasterKey()
	blob, err := Encrypt(key, "user-1", "discord.com", "plaintext-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	proxy := &Proxy{
		MasterKey: key,
		Resolve: func(ctx context.Context, userID, deviceID, keyName string) (string, bool, error) {
			return blob, true, nil
		},
		Client: &http.Client{Transport: panicTransport{}},
	}

	result := proxy.Do(context.Background(), "user-1", "device-1", "DISCORD_BOT_TOKEN", ProxyRequest{
		BaseURL: "https://evil.example",
		Method:  "GET",
	})
	if result.Err == nil {
		t.Fatalf("expected domain mismatch error")
	}
}

func TestProxyMatchingDomainSucceeds(t *testing.T) {
	key := testMasterKey()
	blob, err := Encrypt(key, "user-1", "discord.com", "plaintext-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	rt := &recordingTransport{}
	proxy := &Proxy{
		MasterKey: key,
		Resolve: func(ctx context.Context, userID, deviceID, keyName string) (string, bool, error) {
			return blob, true, nil
		},
		Client: &http.Client{Transport: rt},
	}

	result := proxy.Do(context.Background(), "user-1", "device-1", "DISCORD_BOT_TOKEN", ProxyRequest{
		BaseURL:   "https://discord.com/api/v10",
		Method:    "GET",
		Placement: Placement{Header: "Authorization", Prefix: "Bot "},
	})
	if result.Err != nil || !result.OK {
		t.Fatalf("expected successful proxied call, got ok=%v err=%v", result.OK, result.Err)
	}
	if rt.got == nil {
		t.Fatalf("expected the proxied request to be sent")
	}
	if got := rt.got.Header.Get("Authorization"); got != "Bot plaintext-token" {
		t.Fatalf("expected injected Authorization header, got %q", got)
	}
}
