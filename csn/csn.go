package csn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInvalid is returned when a string is not a well formed CSN.
var ErrInvalid = errors.New("csn: invalid value")

// MaxSID is the largest server id representable in a CSN.
const MaxSID = 0xfff

const timeLayout = "20060102150405"

// CSN is a change sequence number in the form
// YYYYmmddHHMMSS.uuuuuuZ#cccccc#sid#mmmmmm. CSNs produced by the same server
// order lexicographically.
type CSN string

// New formats a CSN from its components.
func New(t time.Time, count, sid, mod int) CSN {
	t = t.UTC()
	return CSN(fmt.Sprintf("%s.%06dZ#%06x#%03x#%06x",
		t.Format(timeLayout), t.Nanosecond()/1000, count, sid, mod))
}

// Parse validates s and returns it as a CSN.
func Parse(s string) (CSN, error) {
	c := CSN(s)
	if _, err := c.parts(); err != nil {
		return "", err
	}
	return c, nil
}

type parts struct {
	ts    string
	count int
	sid   int
	mod   int
}

func (c CSN) parts() (parts, error) {
	fields := strings.Split(string(c), "#")
	if len(fields) != 4 {
		return parts{}, fmt.Errorf("%w: %q", ErrInvalid, string(c))
	}
	ts := fields[0]
	if len(ts) != len(timeLayout)+8 || ts[len(timeLayout)] != '.' || ts[len(ts)-1] != 'Z' {
		return parts{}, fmt.Errorf("%w: timestamp %q", ErrInvalid, ts)
	}
	if _, err := strconv.Atoi(ts[len(timeLayout)+1 : len(ts)-1]); err != nil {
		return parts{}, fmt.Errorf("%w: timestamp %q", ErrInvalid, ts)
	}
	if _, err := time.Parse(timeLayout, ts[:len(timeLayout)]); err != nil {
		return parts{}, fmt.Errorf("%w: timestamp %q", ErrInvalid, ts)
	}
	var p parts
	p.ts = ts
	var err error
	if p.count, err = parseHex(fields[1], 6); err != nil {
		return parts{}, err
	}
	if p.sid, err = parseHex(fields[2], 3); err != nil {
		return parts{}, err
	}
	if p.mod, err = parseHex(fields[3], 6); err != nil {
		return parts{}, err
	}
	return p, nil
}

func parseHex(s string, width int) (int, error) {
	if len(s) != width {
		return 0, fmt.Errorf("%w: field %q", ErrInvalid, s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: field %q", ErrInvalid, s)
	}
	return int(v), nil
}

// SID returns the server id embedded in c.
func (c CSN) SID() (int, error) {
	p, err := c.parts()
	if err != nil {
		return -1, err
	}
	return p.sid, nil
}

// Time returns the commit time embedded in c.
func (c CSN) Time() (time.Time, error) {
	p, err := c.parts()
	if err != nil {
		return time.Time{}, err
	}
	secs, err := time.Parse(timeLayout, p.ts[:len(timeLayout)])
	if err != nil {
		return time.Time{}, err
	}
	micros, _ := strconv.Atoi(p.ts[len(timeLayout)+1 : len(p.ts)-1])
	return secs.Add(time.Duration(micros) * time.Microsecond), nil
}

// Valid reports whether c is well formed.
func (c CSN) Valid() bool {
	_, err := c.parts()
	return err == nil
}

func (c CSN) String() string { return string(c) }

// Compare orders two CSNs.
func Compare(a, b CSN) int { return strings.Compare(string(a), string(b)) }

// Generator hands out strictly increasing CSNs for one server id.
type Generator struct {
	SID int
	Now func() time.Time

	mu    sync.Mutex
	last  time.Time
	count int
}

// NewGenerator returns a generator stamping sid.
func NewGenerator(sid int) *Generator { return &Generator{SID: sid} }

// Next returns a CSN greater than any previously returned by g.
func (g *Generator) Next() CSN {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	t := now().UTC().Truncate(time.Microsecond)
	if !t.After(g.last) {
		t = g.last
		g.count++
	} else {
		g.last = t
		g.count = 0
	}
	return New(t, g.count, g.SID, 0)
}
