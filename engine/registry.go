package engine

import (
	"context"
	"sort"
	"sync"
)

// GrantHandler redeems a validated token request for one grant type. Handle
// returns the resolved principal and effective scopes, or a protocol error
// in GrantResult.Error.
type GrantHandler interface {
	// GrantType returns the grant_type value this handler serves.
	GrantType() string

	// Handle redeems the grant. The request has already passed client
	// authentication and structural validation.
	Handle(ctx context.Context, request *TokenRequest) *GrantResult
}

// Registry maps grant_type values to their handlers. Registration is
// typically done at startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]GrantHandler
}

// NewRegistry creates an empty grant handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]GrantHandler)}
}

// Register adds or replaces the handler for its grant type. Replacing lets
// callers override a built-in handler with an extension.
func (r *Registry) Register(handler GrantHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.GrantType()] = handler
}

// Handler returns the handler for a grant type, or nil when none is
// registered. Callers translate nil into unsupported_grant_type.
func (r *Registry) Handler(grantType string) GrantHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[grantType]
}

// GrantTypes returns the registered grant type values in sorted order,
// suitable for discovery metadata.
func (r *Registry) GrantTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for gt := range r.handlers {
		types = append(types, gt)
	}
	sort.Strings(types)
	return types
}
