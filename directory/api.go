package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/dn"
	"github.com/viant/syncprov/filter"
)

var (
	ErrNoSuchObject        = errors.New("directory: no such object")
	ErrAlreadyExists       = errors.New("directory: entry already exists")
	ErrNotAllowedOnNonLeaf = errors.New("directory: operation not allowed on non-leaf")
	ErrSizeLimitExceeded   = errors.New("directory: size limit exceeded")
	ErrAdminLimitExceeded  = errors.New("directory: administrative limit exceeded")
	ErrInvalidOp           = errors.New("directory: invalid operation")

	// ErrStop may be returned by a search callback to end the search early
	// without error.
	ErrStop = errors.New("directory: stop search")
)

// Operational attribute names.
const (
	AttrEntryUUID   = "entryUUID"
	AttrEntryCSN    = "entryCSN"
	AttrEntryDN     = "entryDN"
	AttrObjectClass = "objectClass"
	AttrContextCSN  = "contextCSN"
)

// Entry is a directory entry as stored by a Backend.
type Entry struct {
	// ID is the backend's stable row identity; it survives modifications but
	// not delete/re-add.
	ID int64
	// DN and NDN are the presentation and normalized names.
	DN  string
	NDN string
	// UUID is the entryUUID, stable across renames.
	UUID string
	// CSN is the entryCSN of the last change.
	CSN csn.CSN
	// Attrs holds user attributes keyed by lower-cased name.
	Attrs map[string][]string
}

// Get returns the values of attr, including the operational entryUUID,
// entryCSN and entryDN.
func (e *Entry) Get(attr string) []string {
	switch name := strings.ToLower(attr); name {
	case "entryuuid":
		return []string{e.UUID}
	case "entrycsn":
		return []string{string(e.CSN)}
	case "entrydn":
		return []string{e.DN}
	default:
		return e.Attrs[name]
	}
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Attrs = cloneAttrs(e.Attrs)
	return &out
}

func cloneAttrs(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// OpKind enumerates write operations.
type OpKind int

const (
	OpAdd OpKind = iota + 1
	OpModify
	OpDelete
	OpModRDN
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpModRDN:
		return "modrdn"
	}
	return "unknown"
}

// ModType enumerates attribute modifications.
type ModType int

const (
	ModAdd ModType = iota
	ModDelete
	ModReplace
)

// Mod is one attribute change in a Modify.
type Mod struct {
	Type   ModType
	Attr   string
	Values []string
}

// Op is a write submitted to the directory.
type Op struct {
	Kind OpKind
	DN   string
	// Attrs are the attributes of an Add.
	Attrs map[string][]string
	// Mods are the changes of a Modify.
	Mods []Mod
	// NewRDN, DeleteOldRDN and NewSuperior describe a ModRDN.
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
	// CSN is set for changes replicated from another server; the backend
	// stamps the entry with it instead of generating one.
	CSN csn.CSN
}

// Target returns the normalized DN the operation writes to.
func (o *Op) Target() (string, error) { return dn.Normalize(o.DN) }

// NewTarget returns the normalized DN the entry has after the operation.
func (o *Op) NewTarget() (string, error) {
	if o.Kind != OpModRDN {
		return o.Target()
	}
	return dn.Normalize(dn.Rename(o.DN, o.NewRDN, o.NewSuperior))
}

// SearchRequest describes a subtree query.
type SearchRequest struct {
	// Base is the normalized search base.
	Base   string
	Scope  dn.Scope
	Filter filter.Filter
	// SizeLimit caps returned entries; 0 means no limit.
	SizeLimit int
	// AdminLimit caps candidate entries examined; 0 means no limit.
	AdminLimit int
}

// Backend is the storage/query collaborator.
type Backend interface {
	// Search streams the entries matching req to fn in storage order. fn may
	// return ErrStop to end the search successfully.
	Search(ctx context.Context, req SearchRequest, fn func(*Entry) error) error

	// EntryByDN returns the entry with the given normalized DN or
	// ErrNoSuchObject.
	EntryByDN(ctx context.Context, ndn string) (*Entry, error)

	// Commit applies op durably and returns the CSN assigned to it.
	Commit(ctx context.Context, op *Op) (csn.CSN, error)

	// IsReferral reports whether e is a referral object.
	IsReferral(e *Entry) bool
}

// MaxCSNFinder is implemented by backends that can find the newest local
// change without streaming entries.
type MaxCSNFinder interface {
	// MaxCSN returns the greatest entryCSN stamped by sid under base, or ""
	// when there is none.
	MaxCSN(ctx context.Context, base string, sid int) (csn.CSN, error)
}
