package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/viant/syncprov/csn"
)

// ErrNotFound is returned by Load when no contextCSN was saved for a suffix.
var ErrNotFound = errors.New("checkpoint: no context csn")

// Store persists a contextCSN per naming context. Save replaces the whole
// vector and is idempotent.
type Store interface {
	Load(ctx context.Context, suffix string) (csn.Set, error)
	Save(ctx context.Context, suffix string, set csn.Set) error
}

// State mirrors a single persisted row: the latest CSN saved for one server
// id of a naming context.
type State struct {
	Suffix    string
	SID       int
	CSN       csn.CSN
	UpdatedAt time.Time
}
