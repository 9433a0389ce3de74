// Package syncadmin exposes provider administration through a SQLite
// virtual table.
//
// Usage:
//
//	CREATE VIRTUAL TABLE sync_admin USING sync_admin(op);
//	SELECT op FROM sync_admin WHERE op MATCH 'checkpoint';
//
// Supported operations are checkpoint, contextcsn, subscriptions, sessionlog
// and writes. Each returns one TEXT row per result line.
package syncadmin

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"modernc.org/sqlite/vtab"

	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/serializer"
	"github.com/viant/syncprov/sessionlog"
	"github.com/viant/syncprov/syncprov"
)

// Target is the provider surface the admin table drives.
type Target interface {
	Checkpoint(ctx context.Context) error
	ContextCSN() csn.Set
	Subscriptions() []*syncprov.Subscription
	SessionLog() *sessionlog.Log
	Writes() *serializer.Serializer
}

// Module implements the sync_admin virtual table module. Driver modules are
// registered once per process, so the module resolves its target on every
// query.
type Module struct {
	mu     sync.RWMutex
	target Target
}

var module = &Module{}

// Register makes sync_admin available on connections opened after the call
// and points it at target.
func Register(db *sql.DB, target Target) error {
	if target == nil {
		return fmt.Errorf("sync_admin: target is nil")
	}
	module.mu.Lock()
	module.target = target
	module.mu.Unlock()
	if err := vtab.RegisterModule(db, "sync_admin", module); err != nil {
		if !strings.Contains(err.Error(), "already registered") {
			return err
		}
	}
	return nil
}

func (m *Module) current() (Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.target == nil {
		return nil, fmt.Errorf("sync_admin: no provider registered")
	}
	return m.target, nil
}

func (m *Module) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.Connect(ctx, args)
}

func (m *Module) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("sync_admin: need at least 3 args")
	}
	if err := ctx.Declare(fmt.Sprintf("CREATE TABLE %s(op)", args[2])); err != nil {
		return nil, err
	}
	return &Table{module: m}, nil
}

// Table is one sync_admin virtual table.
type Table struct{ module *Module }

func (t *Table) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		c := &info.Constraints[i]
		if !c.Usable {
			continue
		}
		if c.Column == 0 && c.Op == vtab.OpMATCH {
			c.ArgIndex = 1
			info.IdxNum = 1
			break
		}
	}
	return nil
}

func (t *Table) Open() (vtab.Cursor, error) { return &Cursor{table: t}, nil }
func (t *Table) Disconnect() error          { return nil }
func (t *Table) Destroy() error             { return nil }

// Cursor iterates the result lines of one operation.
type Cursor struct {
	table *Table
	rows  []string
	pos   int
}

func (c *Cursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.rows = nil
	c.pos = 0
	if idxNum != 1 || len(vals) == 0 || vals[0] == nil {
		return nil
	}
	op, ok := vals[0].(string)
	if !ok {
		return fmt.Errorf("sync_admin: MATCH expects an operation name as TEXT")
	}
	target, err := c.table.module.current()
	if err != nil {
		return err
	}
	c.rows, err = Run(context.Background(), target, op)
	return err
}

func (c *Cursor) Next() error {
	if c.pos < len(c.rows) {
		c.pos++
	}
	return nil
}

func (c *Cursor) Eof() bool { return c.pos >= len(c.rows) }

func (c *Cursor) Column(col int) (vtab.Value, error) {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return nil, fmt.Errorf("sync_admin: Column out of range")
	}
	if col == 0 {
		return c.rows[c.pos], nil
	}
	return nil, nil
}

func (c *Cursor) Rowid() (int64, error) { return int64(c.pos + 1), nil }

func (c *Cursor) Close() error {
	c.rows = nil
	c.pos = 0
	return nil
}

// Run executes one admin operation against target.
func Run(ctx context.Context, target Target, op string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "checkpoint":
		if err := target.Checkpoint(ctx); err != nil {
			return nil, err
		}
		return []string{"checkpointed:" + target.ContextCSN().String()}, nil
	case "contextcsn":
		return target.ContextCSN().Values(), nil
	case "subscriptions":
		subs := target.Subscriptions()
		rows := make([]string, 0, len(subs))
		for _, s := range subs {
			rows = append(rows, fmt.Sprintf("%s base=%s scope=%s filter=%s flags=%s queued=%d",
				s.ID, s.Base(), s.Scope(), s.Filter(), s.Flags(), s.QueueLen()))
		}
		return rows, nil
	case "sessionlog":
		l := target.SessionLog()
		if l == nil {
			return []string{"disabled"}, nil
		}
		return []string{fmt.Sprintf("entries=%d capacity=%d min=%s", l.Len(), l.Capacity(), l.MinCSN())}, nil
	case "writes":
		w := target.Writes()
		var rows []string
		for _, ndn := range w.Targets() {
			rows = append(rows, fmt.Sprintf("%s waiting=%d", ndn, w.Waiting(ndn)))
		}
		return rows, nil
	}
	return nil, fmt.Errorf("sync_admin: unknown operation %q", op)
}
