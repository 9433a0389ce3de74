package syncprov

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/viant/syncprov/checkpoint"
	"github.com/viant/syncprov/csn"
)

// DefaultWorkers bounds concurrent delivery tasks when Options.Workers is 0.
const DefaultWorkers = 16

// Options configures a Provider.
type Options struct {
	// Suffix is the DN of the replicated naming context.
	Suffix string
	// ServerID is this provider's sid, used for FIND_MAXCSN and generated
	// CSNs.
	ServerID int
	// Checkpoint sets the operation and time thresholds for persisting the
	// context CSN.
	Checkpoint checkpoint.Config
	// SessionLogSize enables the session log when positive.
	SessionLogSize int
	// NoPresent disables the present phase.
	NoPresent bool
	// UseHint fails stale cookies unless the consumer sent the reload hint.
	UseHint bool
	// Workers bounds concurrent delivery tasks.
	Workers int
	Logger  *slog.Logger
	Now     func() time.Time
}

func (o *Options) init() error {
	if o.ServerID < 0 || o.ServerID > csn.MaxSID {
		return fmt.Errorf("syncprov: server id %d out of range", o.ServerID)
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Checkpoint.Now == nil {
		o.Checkpoint.Now = o.Now
	}
	return nil
}
