package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

func TestParseToolServers(t *testing.T) {
	enc, err := crypto.NewEncryptor("passphrase")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	sealedSecret, _ := enc.Seal("hs256-secret")
	sealedHeader, _ := enc.Seal("team-42")

	doc := `
servers:
  - name: crm
    transport: webhook
    url: https://crm.internal/hooks
    headers:
      X-Team: "` + sealedHeader + `"
    auth:
      type: jwt
      secret: "` + sealedSecret + `"
      ttl: 2m
    allow: [lookup_customer]
  - name: flights
    transport: session
    url: http://flights:9000/sse
    auth:
      type: bearer
      token: plain-token
`

	servers, err := ParseToolServers([]byte(doc), enc)
	if err != nil {
		t.Fatalf("ParseToolServers() error = %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len(servers) = %d, want 2", len(servers))
	}

	crm := servers[0]
	if crm.Name != "crm" || crm.Transport != transport.KindWebhook || crm.Endpoint.Server != "crm" {
		t.Errorf("crm = %+v", crm)
	}
	if crm.Endpoint.Headers["X-Team"] != "team-42" {
		t.Errorf("header not decrypted: %q", crm.Endpoint.Headers["X-Team"])
	}
	if crm.Endpoint.Auth.Type != transport.AuthJWT || crm.Endpoint.Auth.Secret != "hs256-secret" || crm.Endpoint.Auth.TTL != 2*time.Minute {
		t.Errorf("crm auth = %+v", crm.Endpoint.Auth)
	}
	if len(crm.Allow) != 1 || crm.Allow[0] != "lookup_customer" {
		t.Errorf("allow = %v", crm.Allow)
	}

	flights := servers[1]
	if flights.Transport != transport.KindSession || flights.Endpoint.Auth.Token != "plain-token" {
		t.Errorf("flights = %+v", flights)
	}
}

func TestParseToolServers_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "servers: [\n"},
		{"missing name", "servers:\n  - transport: webhook\n    url: http://a\n"},
		{"bad name", "servers:\n  - name: a.b\n    transport: webhook\n    url: http://a\n"},
		{"unknown transport", "servers:\n  - name: a\n    transport: grpc\n    url: http://a\n"},
		{"relative url", "servers:\n  - name: a\n    transport: webhook\n    url: /hooks\n"},
		{"duplicate", "servers:\n  - name: a\n    transport: webhook\n    url: http://a\n  - name: a\n    transport: session\n    url: http://b\n"},
		{"bearer without token", "servers:\n  - name: a\n    transport: webhook\n    url: http://a\n    auth:\n      type: bearer\n"},
		{"jwt without secret", "servers:\n  - name: a\n    transport: webhook\n    url: http://a\n    auth:\n      type: jwt\n"},
		{"bad ttl", "servers:\n  - name: a\n    transport: webhook\n    url: http://a\n    auth:\n      type: jwt\n      secret: s\n      ttl: forever\n"},
		{"unknown auth", "servers:\n  - name: a\n    transport: webhook\n    url: http://a\n    auth:\n      type: oauth\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToolServers([]byte(tt.doc), nil)
			if !errors.Is(err, ErrInvalidToolServers) {
				t.Errorf("error = %v, want %v", err, ErrInvalidToolServers)
			}
		})
	}
}

func TestParseToolServers_SealedWithoutKey(t *testing.T) {
	doc := "servers:\n  - name: a\n    transport: webhook\n    url: http://a\n    auth:\n      type: bearer\n      token: enc:AAAA\n"

	_, err := ParseToolServers([]byte(doc), nil)
	if !errors.Is(err, crypto.ErrNoEncryptor) {
		t.Errorf("error = %v, want %v", err, crypto.ErrNoEncryptor)
	}
}

func TestParseToolServers_Empty(t *testing.T) {
	servers, err := ParseToolServers([]byte("servers: []\n"), nil)
	if err != nil || len(servers) != 0 {
		t.Errorf("ParseToolServers() = %v, %v", servers, err)
	}
}

func TestToolServersSchema(t *testing.T) {
	data, err := ToolServersSchema()
	if err != nil {
		t.Fatalf("ToolServersSchema() error = %v", err)
	}
	if !json.Valid(data) {
		t.Fatal("schema is not valid JSON")
	}
	for _, want := range []string{`"servers"`, `"transport"`, `"webhook"`, `"session"`, `"jwt"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestToolServersWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	write("servers: []\n")

	var mu sync.Mutex
	var got [][]discovery.Server
	applied := make(chan struct{}, 4)

	w := NewToolServersWatcher(path, nil, func(s []discovery.Server) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		applied <- struct{}{}
	}, nil)
	w.debounce = 20 * time.Millisecond

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	write("servers:\n  - name: crm\n    transport: webhook\n    url: http://crm\n")
	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	// A broken file keeps the previous servers.
	write("servers: [\n")
	select {
	case <-applied:
		t.Fatal("broken file was applied")
	case <-time.After(200 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	last := got[len(got)-1]
	if len(last) != 1 || last[0].Name != "crm" {
		t.Errorf("applied servers = %+v", last)
	}
}
