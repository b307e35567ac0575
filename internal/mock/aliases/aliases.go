package aliases

import (
	"github.com/google/uuid"
)

// This file contains interface equivalents for function types used
// throughout this codebase. mockgen can only generate mocks for
// interfaces, so tests pass the mock's Call method wherever one of
// these function types is expected.

// UUIDGenerator is the interface equivalent of util.UUIDGenerator.
type UUIDGenerator interface {
	Call() (uuid.UUID, error)
}
