package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
	"github.com/felipepmaragno/agent-gateway/internal/transport"
)

var ErrInvalidToolServers = errors.New("invalid tool servers file")

// ToolServersFile is the YAML document named by TOOL_SERVERS_FILE.
type ToolServersFile struct {
	Servers []ToolServer `yaml:"servers" json:"servers" jsonschema:"description=Remote tool servers aggregated into every tenant catalog"`
}

type ToolServer struct {
	Name      string            `yaml:"name" json:"name" jsonschema:"required,pattern=^[a-zA-Z0-9_-]+$"`
	Transport string            `yaml:"transport" json:"transport" jsonschema:"required,enum=webhook,enum=session"`
	URL       string            `yaml:"url" json:"url" jsonschema:"required,format=uri"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" jsonschema:"description=Static headers; values may be enc: sealed"`
	Auth      *ToolServerAuth   `yaml:"auth,omitempty" json:"auth,omitempty"`
	// Allow restricts the catalog to these tool names.
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
}

type ToolServerAuth struct {
	Type   string `yaml:"type" json:"type" jsonschema:"required,enum=bearer,enum=jwt"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty" jsonschema:"description=Bearer token; may be enc: sealed"`
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty" jsonschema:"description=HS256 signing secret; may be enc: sealed"`
	TTL    string `yaml:"ttl,omitempty" json:"ttl,omitempty" jsonschema:"description=JWT lifetime as a Go duration,default=5m"`
}

// LoadToolServers reads path and resolves it into discovery servers. Sealed
// values need enc; plain values pass through without it.
func LoadToolServers(path string, enc *crypto.Encryptor) ([]discovery.Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool servers: %w", err)
	}
	return ParseToolServers(data, enc)
}

func ParseToolServers(data []byte, enc *crypto.Encryptor) ([]discovery.Server, error) {
	var file ToolServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolServers, err)
	}

	seen := make(map[string]struct{}, len(file.Servers))
	out := make([]discovery.Server, 0, len(file.Servers))
	for i, s := range file.Servers {
		server, err := s.resolve(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: servers[%d]: %v", ErrInvalidToolServers, i, err)
		}
		if _, dup := seen[server.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate server %q", ErrInvalidToolServers, server.Name)
		}
		seen[server.Name] = struct{}{}
		out = append(out, server)
	}
	return out, nil
}

func (s ToolServer) resolve(enc *crypto.Encryptor) (discovery.Server, error) {
	if s.Name == "" {
		return discovery.Server{}, errors.New("name is required")
	}
	for _, r := range s.Name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return discovery.Server{}, fmt.Errorf("name %q may only contain letters, digits, _ and -", s.Name)
		}
	}
	if s.Transport != transport.KindWebhook && s.Transport != transport.KindSession {
		return discovery.Server{}, fmt.Errorf("%s: unknown transport %q", s.Name, s.Transport)
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return discovery.Server{}, fmt.Errorf("%s: url must be an absolute http(s) URL", s.Name)
	}

	ep := transport.Endpoint{Server: s.Name, URL: s.URL}
	if len(s.Headers) > 0 {
		ep.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			plain, err := crypto.DecryptValue(enc, v)
			if err != nil {
				return discovery.Server{}, fmt.Errorf("%s: header %s: %w", s.Name, k, err)
			}
			ep.Headers[k] = plain
		}
	}

	if s.Auth != nil {
		auth, err := s.Auth.resolve(enc)
		if err != nil {
			return discovery.Server{}, fmt.Errorf("%s: auth: %w", s.Name, err)
		}
		ep.Auth = auth
	}

	return discovery.Server{
		Name:      s.Name,
		Transport: s.Transport,
		Endpoint:  ep,
		Allow:     s.Allow,
	}, nil
}

func (a ToolServerAuth) resolve(enc *crypto.Encryptor) (transport.Auth, error) {
	switch a.Type {
	case transport.AuthBearer:
		token, err := crypto.DecryptValue(enc, a.Token)
		if err != nil {
			return transport.Auth{}, err
		}
		if token == "" {
			return transport.Auth{}, errors.New("bearer auth needs a token")
		}
		return transport.Auth{Type: transport.AuthBearer, Token: token}, nil

	case transport.AuthJWT:
		secret, err := crypto.DecryptValue(enc, a.Secret)
		if err != nil {
			return transport.Auth{}, err
		}
		if secret == "" {
			return transport.Auth{}, errors.New("jwt auth needs a secret")
		}
		ttl := 5 * time.Minute
		if a.TTL != "" {
			ttl, err = time.ParseDuration(a.TTL)
			if err != nil || ttl <= 0 {
				return transport.Auth{}, fmt.Errorf("invalid ttl %q", a.TTL)
			}
		}
		return transport.Auth{Type: transport.AuthJWT, Secret: secret, TTL: ttl}, nil

	default:
		return transport.Auth{}, fmt.Errorf("unknown type %q", a.Type)
	}
}

// ToolServersSchema returns the JSON Schema of the tool servers file.
func ToolServersSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag: "yaml",
	}
	schema := r.Reflect(&ToolServersFile{})
	return json.MarshalIndent(schema, "", "  ")
}
