package interfaces

import (
	"context"
	"encoding/json"

	"cardroom/pkg/types"
)

// GameEngine is the game-rule collaborator. The delivery subsystem hands it
// validated player actions and forwards whatever snapshot it returns as an
// opaque game_update payload; the rules themselves live outside this module.
type GameEngine interface {
	// Apply applies an action to a table's game state and returns the
	// resulting state snapshot as a marshaled GameUpdate payload.
	Apply(ctx context.Context, tableID string, action *types.PlayerAction) (json.RawMessage, error)

	// Snapshot returns the current state of a table without mutating it,
	// used to seed newly admitted spectators.
	Snapshot(ctx context.Context, tableID string) (json.RawMessage, error)
}
