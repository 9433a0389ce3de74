// Package cookie encodes and decodes sync cookies, the client-held snapshot
// of per-replica CSNs used to resume replication.
//
// The wire form is
//
//	rid=NNN[,sid=XXX][,csn=CSN1;CSN2...]
//
// where rid is a decimal replica id, sid the hex server id of the consumer
// and csn the consumer's per-sid state.
package cookie

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/viant/syncprov/csn"
)

// ErrMalformed marks a cookie that cannot be parsed.
var ErrMalformed = errors.New("cookie: malformed")

const (
	// MaxRID is the largest replica id accepted in a cookie.
	MaxRID = 999
	// NoSID marks a cookie without a consumer server id.
	NoSID = -1
)

// Cookie is a parsed sync cookie.
type Cookie struct {
	RID  int
	SID  int
	CSNs csn.Set
	// ReloadHint is carried by the sync request rather than the cookie
	// string. When set the consumer accepts a full reload in place of a
	// stale-cookie error.
	ReloadHint bool
}

// Compose returns the wire form for the given parts.
func Compose(rid, sid int, set csn.Set) string {
	return (&Cookie{RID: rid, SID: sid, CSNs: set}).String()
}

func (c *Cookie) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rid=%03d", c.RID)
	if c.SID >= 0 {
		fmt.Fprintf(&b, ",sid=%03x", c.SID)
	}
	if len(c.CSNs) > 0 {
		b.WriteString(",csn=")
		b.WriteString(c.CSNs.String())
	}
	return b.String()
}

// Parse decodes s. Any deviation from the wire form yields ErrMalformed.
func Parse(s string) (*Cookie, error) {
	c := &Cookie{RID: -1, SID: NoSID}
	rest := strings.TrimSpace(s)
	if rest == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformed)
	}
	for rest != "" {
		var field string
		if strings.HasPrefix(rest, "csn=") {
			// csn values never contain commas; it is always the last field
			field, rest = rest, ""
		} else if i := strings.IndexByte(rest, ','); i >= 0 {
			field, rest = rest[:i], rest[i+1:]
		} else {
			field, rest = rest, ""
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%w: field %q", ErrMalformed, field)
		}
		switch key {
		case "rid":
			rid, err := strconv.Atoi(value)
			if err != nil || rid < 0 || rid > MaxRID {
				return nil, fmt.Errorf("%w: rid %q", ErrMalformed, value)
			}
			c.RID = rid
		case "sid":
			sid, err := strconv.ParseUint(value, 16, 32)
			if err != nil || sid > csn.MaxSID {
				return nil, fmt.Errorf("%w: sid %q", ErrMalformed, value)
			}
			c.SID = int(sid)
		case "csn":
			if value == "" {
				return nil, fmt.Errorf("%w: empty csn", ErrMalformed)
			}
			set, err := parseCSNs(strings.Split(value, ";"))
			if err != nil {
				return nil, err
			}
			c.CSNs = set
		default:
			return nil, fmt.Errorf("%w: unknown field %q", ErrMalformed, key)
		}
	}
	if c.RID < 0 {
		return nil, fmt.Errorf("%w: missing rid", ErrMalformed)
	}
	return c, nil
}

func parseCSNs(values []string) (csn.Set, error) {
	var set csn.Set
	seen := map[int]bool{}
	for _, v := range values {
		c, err := csn.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		sid, _ := c.SID()
		if seen[sid] {
			return nil, fmt.Errorf("%w: duplicate sid %03x", ErrMalformed, sid)
		}
		seen[sid] = true
		set = set.With(c)
	}
	return set, nil
}

// Normalize drops CSNs for server ids the provider does not know about.
func (c *Cookie) Normalize(known csn.Set) *Cookie {
	out := *c
	out.CSNs = c.CSNs.Restrict(known)
	return &out
}

// HasState reports whether the cookie carries any CSN.
func (c *Cookie) HasState() bool { return c != nil && len(c.CSNs) > 0 }
