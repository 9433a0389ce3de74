package syncprov

import (
	"context"

	"github.com/viant/syncprov/directory"
)

// State is the sync state carried by an entry message.
type State int

const (
	StatePresent State = iota
	StateAdd
	StateModify
	StateDelete
)

func (s State) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateAdd:
		return "add"
	case StateModify:
		return "modify"
	case StateDelete:
		return "delete"
	}
	return "unknown"
}

// InfoKind selects the variant of an InfoMessage.
type InfoKind int

const (
	InfoNewCookie InfoKind = iota
	InfoRefreshDelete
	InfoRefreshPresent
	InfoIDSet
)

func (k InfoKind) String() string {
	switch k {
	case InfoNewCookie:
		return "newCookie"
	case InfoRefreshDelete:
		return "refreshDelete"
	case InfoRefreshPresent:
		return "refreshPresent"
	case InfoIDSet:
		return "syncIdSet"
	}
	return "unknown"
}

// Message is one protocol message sent to a consumer: *EntryMessage,
// *InfoMessage or *DoneMessage.
type Message interface {
	message()
}

// EntryMessage is a search entry with its state marker. Delete messages
// carry no Entry.
type EntryMessage struct {
	State    State
	UUID     string
	DN       string
	Entry    *directory.Entry
	Cookie   string
	Referral bool
}

// InfoMessage is an intermediate sync info message.
type InfoMessage struct {
	Kind   InfoKind
	Cookie string
	// RefreshDone ends the refresh stage of a refresh-and-persist request.
	RefreshDone bool
	// RefreshDeletes marks an ID set as deleted entries rather than present
	// ones.
	RefreshDeletes bool
	UUIDs          []string
}

// DoneMessage ends a request. Err is nil on success.
type DoneMessage struct {
	Cookie         string
	RefreshDeletes bool
	Err            error
}

func (*EntryMessage) message() {}
func (*InfoMessage) message()  {}
func (*DoneMessage) message()  {}

// Sender delivers messages to one consumer. An error stops delivery to that
// consumer.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
