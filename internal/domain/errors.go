package domain

import "errors"

var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrTenantExists        = errors.New("tenant already exists")
	ErrInvalidAPIKey       = errors.New("invalid API key")
	ErrMissingAPIKey       = errors.New("missing API key")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrModelNotFound       = errors.New("model not found")
	ErrModelInactive       = errors.New("model not active")
	ErrSettingsNotFound    = errors.New("settings not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrProviderError       = errors.New("provider error")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrToolNotFound        = errors.New("tool not found")
	ErrToolServerTimeout   = errors.New("tool server timeout")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
)
