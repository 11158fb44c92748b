package auth

import (
	"sync"

	"cardroom/pkg/interfaces"
	"cardroom/pkg/types"
)

// StaticVerifier is a TokenVerifier backed by an in-memory token table. It
// stands in for the external token-issuance service in development and tests;
// production deployments supply their own implementation of the interface.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]*types.Principal
}

// NewStaticVerifier creates a verifier with no registered tokens.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{
		tokens: make(map[string]*types.Principal),
	}
}

// Register associates a token with a principal, replacing any previous entry.
func (v *StaticVerifier) Register(token string, principal *types.Principal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = principal
}

// Revoke removes a token. Revoking an unknown token is a no-op.
func (v *StaticVerifier) Revoke(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, token)
}

// Verify exchanges a token for its principal.
func (v *StaticVerifier) Verify(token string) (*types.Principal, error) {
	if token == "" {
		return nil, interfaces.ErrMissingToken
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	principal, ok := v.tokens[token]
	if !ok {
		return nil, interfaces.ErrInvalidToken
	}
	return principal, nil
}
