// Package transport defines the list/call contract every tool adapter
// implements, plus the endpoint and auth description they share.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

const (
	KindLocal   = "local"
	KindWebhook = "webhook"
	KindSession = "session"
)

type Adapter interface {
	Kind() string
	ListTools(ctx context.Context, ep Endpoint) ([]domain.ToolDescriptor, error)
	CallTool(ctx context.Context, ep Endpoint, name string, args json.RawMessage) (json.RawMessage, error)
}

const (
	AuthNone   = ""
	AuthBearer = "bearer"
	AuthJWT    = "jwt"
)

type Auth struct {
	Type string
	// Token is sent as-is for bearer auth.
	Token string
	// Secret signs HS256 tokens for jwt auth.
	Secret string
	// Subject becomes the jwt sub claim; the gateway sets it to the tenant id.
	Subject string
	TTL     time.Duration
}

type Endpoint struct {
	Server  string
	URL     string
	Headers map[string]string
	Auth    Auth
}

// WithSubject returns a copy of ep whose jwt tokens carry subject.
func (ep Endpoint) WithSubject(subject string) Endpoint {
	ep.Auth.Subject = subject
	return ep
}

// Apply sets configured headers and the auth header on req.
func (ep Endpoint) Apply(req *http.Request) error {
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	switch ep.Auth.Type {
	case AuthNone:
		return nil
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+ep.Auth.Token)
		return nil
	case AuthJWT:
		token, err := ep.signJWT(time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	default:
		return fmt.Errorf("unknown auth type %q", ep.Auth.Type)
	}
}

func (ep Endpoint) signJWT(now time.Time) (string, error) {
	ttl := ep.Auth.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	claims := jwt.RegisteredClaims{
		Issuer:    "agent-gateway",
		Subject:   ep.Auth.Subject,
		Audience:  jwt.ClaimStrings{ep.Server},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(ep.Auth.Secret))
	if err != nil {
		return "", fmt.Errorf("sign tool server token: %w", err)
	}
	return signed, nil
}
