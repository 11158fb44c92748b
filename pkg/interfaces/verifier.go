package interfaces

import "cardroom/pkg/types"

// TokenVerifier is the authentication boundary. Token issuance lives outside
// this module; the delivery subsystem only exchanges a handshake token for a
// principal and roles, or a rejection.
type TokenVerifier interface {
	Verify(token string) (*types.Principal, error)
}
