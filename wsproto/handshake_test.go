package wsproto_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/momentics/ioring-server/wsproto"
)

func TestComputeAcceptKeyRFCVector(t *testing.T) {
	// The worked example from RFC 6455 §1.3.
	got := wsproto.ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("ComputeAcceptKey = %q, want %q", got, want)
	}
}

func TestValidateUpgradeHeaders(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		wantErr error
	}{
		{
			name: "valid",
			headers: map[string]string{
				"connection":        "Upgrade",
				"upgrade":           "websocket",
				"sec-websocket-key": "dGhlIHNhbXBsZSBub25jZQ==",
			},
		},
		{
			name: "connection lists multiple tokens",
			headers: map[string]string{
				"connection":        "keep-alive, Upgrade",
				"upgrade":           "websocket",
				"sec-websocket-key": "abc",
			},
		},
		{
			name: "missing key",
			headers: map[string]string{
				"connection": "Upgrade",
				"upgrade":    "websocket",
			},
			wantErr: wsproto.ErrMissingWebSocketKey,
		},
		{
			name: "wrong upgrade token",
			headers: map[string]string{
				"connection":        "Upgrade",
				"upgrade":           "h2c",
				"sec-websocket-key": "abc",
			},
			wantErr: wsproto.ErrInvalidUpgradeHeaders,
		},
		{
			name:    "empty",
			headers: map[string]string{},
			wantErr: wsproto.ErrInvalidUpgradeHeaders,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := wsproto.ValidateUpgradeHeaders(tc.headers)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseRequestHeaders(t *testing.T) {
	req := []byte("GET /chat HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\nTRAILING")

	headers, consumed, err := wsproto.ParseRequestHeaders(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if consumed != len(req)-len("TRAILING") {
		t.Errorf("consumed %d, want %d", consumed, len(req)-len("TRAILING"))
	}
	if headers["upgrade"] != "websocket" || headers["host"] != "example.com" {
		t.Errorf("headers = %v", headers)
	}

	// An incomplete request (no blank line yet) asks the caller to read
	// more rather than erroring.
	headers, consumed, err = wsproto.ParseRequestHeaders(req[:20])
	if err != nil || headers != nil || consumed != 0 {
		t.Errorf("incomplete: headers=%v consumed=%d err=%v", headers, consumed, err)
	}
}

func TestHandshakeRequestResponsePair(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	req := wsproto.BuildHandshakeRequest("example.com", "/ws", key)

	headers, consumed, err := wsproto.ParseRequestHeaders(req)
	if err != nil || consumed != len(req) {
		t.Fatalf("own request unparseable: consumed=%d err=%v", consumed, err)
	}
	if err := wsproto.ValidateUpgradeHeaders(headers); err != nil {
		t.Fatalf("own request invalid: %v", err)
	}

	resp := wsproto.BuildHandshakeResponse(headers["sec-websocket-key"])
	if !bytes.Contains(resp, []byte("101 Switching Protocols")) {
		t.Errorf("response missing status line: %q", resp)
	}
	if !bytes.Contains(resp, []byte(wsproto.ComputeAcceptKey(key))) {
		t.Errorf("response missing accept key: %q", resp)
	}
}
