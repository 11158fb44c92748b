package engine

import (
	"context"
	"encoding/json"
	"sync"

	"cardroom/pkg/types"
)

// Engine is a deliberately small state tracker: it applies betting actions
// to per-table pot and bet totals and produces game_update snapshots. Hand
// evaluation and dealing live outside the delivery layer.
type Engine struct {
	mu     sync.Mutex
	tables map[string]*tableState
}

type tableState struct {
	phase      string
	pot        int64
	currentBet int64
	lastActor  string
}

// New creates an engine with no table state.
func New() *Engine {
	return &Engine{tables: make(map[string]*tableState)}
}

// Apply folds one validated action into the table's state and returns the
// resulting snapshot as a game_update payload.
func (e *Engine) Apply(ctx context.Context, tableID string, action *types.PlayerAction) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.tables[tableID]
	if st == nil {
		st = &tableState{phase: "preflop"}
		e.tables[tableID] = st
	}

	switch action.Action {
	case types.ActionBet, types.ActionRaise, types.ActionAllIn:
		st.pot += action.Amount
		if action.Amount > st.currentBet {
			st.currentBet = action.Amount
		}
	case types.ActionCall:
		st.pot += st.currentBet
	case types.ActionFold, types.ActionCheck:
		// No pot movement.
	default:
		return nil, types.ErrInvalidAction
	}
	st.lastActor = action.PlayerID

	return st.snapshot(tableID)
}

// Snapshot returns the current state of a table without applying anything.
// Unknown tables yield an empty preflop state so a spectator joining before
// the first action still gets a seed frame.
func (e *Engine) Snapshot(ctx context.Context, tableID string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.tables[tableID]
	if st == nil {
		st = &tableState{phase: "preflop"}
	}
	return st.snapshot(tableID)
}

// Reset clears a table's state, for table end.
func (e *Engine) Reset(tableID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tables, tableID)
}

func (st *tableState) snapshot(tableID string) (json.RawMessage, error) {
	update := &types.GameUpdate{
		TableID:        tableID,
		Phase:          st.phase,
		Pot:            st.pot,
		CurrentBet:     st.currentBet,
		ActivePlayerID: st.lastActor,
	}
	return json.Marshal(update)
}
