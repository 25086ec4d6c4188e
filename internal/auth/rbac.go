// Package auth protects the admin API: operators authenticate with HTTP basic
// auth against bcrypt hashes and are authorized by role.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrOperatorNotFound = errors.New("operator not found")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

type Permission string

const (
	PermissionTenantRead    Permission = "tenant:read"
	PermissionTenantWrite   Permission = "tenant:write"
	PermissionBalanceWrite  Permission = "balance:write"
	PermissionSettingsWrite Permission = "settings:write"
	PermissionUsageRead     Permission = "usage:read"
	PermissionToolsRead     Permission = "tools:read"
)

// Viewers can audit balances, usage and the tool catalog but never move money
// or change a tenant.
var grants = map[Role]map[Permission]bool{
	RoleAdmin: {
		PermissionTenantRead:    true,
		PermissionTenantWrite:   true,
		PermissionBalanceWrite:  true,
		PermissionSettingsWrite: true,
		PermissionUsageRead:     true,
		PermissionToolsRead:     true,
	},
	RoleViewer: {
		PermissionTenantRead: true,
		PermissionUsageRead:  true,
		PermissionToolsRead:  true,
	},
}

func (r Role) Can(p Permission) bool {
	return grants[r][p]
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := grants[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Operator is a person allowed on the admin API.
type Operator struct {
	Name         string
	PasswordHash string
	Role         Role
}

type OperatorStore interface {
	Lookup(ctx context.Context, name string) (*Operator, error)
}

// StaticOperators is the set declared in ADMIN_USERS.
type StaticOperators map[string]*Operator

func NewStaticOperators(ops ...*Operator) StaticOperators {
	s := make(StaticOperators, len(ops))
	for _, op := range ops {
		s[op.Name] = op
	}
	return s
}

func (s StaticOperators) Lookup(ctx context.Context, name string) (*Operator, error) {
	op, ok := s[name]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return op, nil
}

// ParseOperators reads "name:bcrypt-hash[:role]" entries separated by commas.
// The role defaults to viewer.
func ParseOperators(list string) ([]*Operator, error) {
	var ops []*Operator
	seen := make(map[string]bool)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// bcrypt hashes contain '$' but never ':'.
		fields := strings.Split(entry, ":")
		if len(fields) < 2 || len(fields) > 3 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("admin user %q: want name:bcrypt-hash[:role]", entry)
		}
		name := fields[0]
		if seen[name] {
			return nil, fmt.Errorf("admin user %q declared twice", name)
		}
		seen[name] = true
		if _, err := bcrypt.Cost([]byte(fields[1])); err != nil {
			return nil, fmt.Errorf("admin user %q: password must be a bcrypt hash: %w", name, err)
		}
		role := RoleViewer
		if len(fields) == 3 {
			r, err := ParseRole(fields[2])
			if err != nil {
				return nil, fmt.Errorf("admin user %q: %w", name, err)
			}
			role = r
		}
		ops = append(ops, &Operator{Name: name, PasswordHash: fields[1], Role: role})
	}
	return ops, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// missHash is compared against on unknown names so a miss costs as much as a
// wrong password.
var missHash, _ = bcrypt.GenerateFromPassword([]byte("agent-gateway"), bcrypt.DefaultCost)

type Authenticator struct {
	store OperatorStore
}

func NewAuthenticator(store OperatorStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate never says whether the name or the password was wrong.
func (a *Authenticator) Authenticate(ctx context.Context, name, password string) (*Operator, error) {
	op, err := a.store.Lookup(ctx, name)
	if err != nil {
		bcrypt.CompareHashAndPassword(missHash, []byte(password))
		return nil, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUnauthorized
	}
	return op, nil
}

type contextKey struct{}

func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

func OperatorFromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(contextKey{}).(*Operator)
	return op, ok
}

type RBACMiddleware struct {
	auth *Authenticator
}

func NewRBACMiddleware(auth *Authenticator) *RBACMiddleware {
	return &RBACMiddleware{auth: auth}
}

func (m *RBACMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="agent-gateway admin"`)
			deny(w, http.StatusUnauthorized, "authentication_error", "admin credentials required")
			return
		}
		op, err := m.auth.Authenticate(r.Context(), name, password)
		if err != nil {
			deny(w, http.StatusUnauthorized, "authentication_error", "invalid admin credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

func (m *RBACMiddleware) RequirePermission(p Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, ok := OperatorFromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "authentication_error", "admin credentials required")
				return
			}
			if !op.Role.Can(p) {
				deny(w, http.StatusForbidden, "permission_error", fmt.Sprintf("role %s lacks %s", op.Role, p))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Protect is RequireAuth followed by RequirePermission.
func (m *RBACMiddleware) Protect(p Permission, next http.Handler) http.Handler {
	return m.RequireAuth(m.RequirePermission(p)(next))
}

// deny writes the same error envelope as the public API.
func deny(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": errType, "message": message},
	})
}
