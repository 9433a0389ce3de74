package syncprov

import "github.com/viant/syncprov/dn"

// Mode selects between a one-shot refresh and a live subscription.
type Mode int

const (
	RefreshOnly Mode = iota + 1
	RefreshAndPersist
)

func (m Mode) String() string {
	switch m {
	case RefreshOnly:
		return "refreshOnly"
	case RefreshAndPersist:
		return "refreshAndPersist"
	}
	return "unknown"
}

// Request is a sync search.
type Request struct {
	// Base is the presentation DN of the search base.
	Base  string
	Scope dn.Scope
	// Filter is an RFC 4515 filter; empty means (objectClass=*).
	Filter string
	// Cookie is the consumer's last cookie, if any.
	Cookie string
	// ReloadHint tells the provider the consumer accepts a full reload in
	// place of a stale-cookie error.
	ReloadHint bool
	Mode       Mode
	// DerefSearching mirrors derefAliases searching/always, which sync
	// searches reject.
	DerefSearching bool
}
