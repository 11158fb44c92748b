package table

import (
	"errors"

	"cardroom/pkg/interfaces"
)

// Table lifecycle errors. Not-found and ended are shared with
// pkg/interfaces so transport code can match them without importing this
// package.
var (
	ErrTableNotFound     = interfaces.ErrTableNotFound
	ErrTableEnded        = interfaces.ErrTableEnded
	ErrTableAlreadyEnded = errors.New("table already ended")
)
