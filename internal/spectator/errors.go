package spectator

import "errors"

var (
	ErrNotAuthenticated = errors.New("spectator admission requires an authenticated principal")
	ErrTableFull        = errors.New("table spectator limit reached")
	ErrManagerClosed    = errors.New("spectator manager is closed")
)
