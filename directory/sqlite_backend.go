package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/dn"
	"github.com/viant/syncprov/filter"
)

// Options configures a SQLiteBackend.
type Options struct {
	// SID is the server id stamped into generated CSNs.
	SID int
	// Suffix is the DN of the naming context; it may be added without a
	// parent entry.
	Suffix string
	// Now overrides the clock used for CSNs.
	Now func() time.Time
}

// SQLiteBackend is a Backend storing entries in a SQLite table. Scope and
// entryCSN lower bounds are evaluated in SQL; the rest of the filter is
// evaluated in Go.
type SQLiteBackend struct {
	db     *sql.DB
	gen    *csn.Generator
	suffix string

	// commits are serialized so CSN order matches commit order
	mu sync.Mutex
}

// NewSQLiteBackend creates a SQLite-backed Backend. It ensures the entries
// schema exists in the provided database.
func NewSQLiteBackend(db *sql.DB, opts Options) (*SQLiteBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("directory: db is nil")
	}
	if opts.SID < 0 || opts.SID > csn.MaxSID {
		return nil, fmt.Errorf("directory: server id %d out of range", opts.SID)
	}
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	suffix, err := dn.Normalize(opts.Suffix)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{
		db:     db,
		gen:    &csn.Generator{SID: opts.SID, Now: opts.Now},
		suffix: suffix,
	}, nil
}

// DB exposes the underlying database handle.
func (s *SQLiteBackend) DB() *sql.DB { return s.db }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const entryColumns = `id, dn, ndn, uuid, csn, attrs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e     Entry
		c     string
		attrs string
	)
	if err := r.Scan(&e.ID, &e.DN, &e.NDN, &e.UUID, &c, &attrs); err != nil {
		return nil, err
	}
	e.CSN = csn.CSN(c)
	if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
		return nil, fmt.Errorf("directory: decode attrs of %s: %w", e.DN, err)
	}
	if e.Attrs == nil {
		e.Attrs = map[string][]string{}
	}
	return &e, nil
}

func load(ctx context.Context, q queryer, ndn string) (*Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE ndn = ?`, ndn))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchObject, ndn)
	}
	return e, err
}

func exists(ctx context.Context, q queryer, ndn string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE ndn = ?`, ndn).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func hasChildren(ctx context.Context, q queryer, ndn string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE parent_ndn = ? LIMIT 1`, ndn).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// EntryByDN returns the entry stored under ndn.
func (s *SQLiteBackend) EntryByDN(ctx context.Context, ndn string) (*Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return load(ctx, s.db, ndn)
}

// IsReferral reports whether e carries objectClass referral.
func (s *SQLiteBackend) IsReferral(e *Entry) bool {
	for _, oc := range e.Get(AttrObjectClass) {
		if strings.EqualFold(oc, "referral") {
			return true
		}
	}
	return false
}

// Search loads the candidates in scope, releases the connection and then
// evaluates the filter, so fn may call back into the backend. entryCSN
// bounds narrow the candidates in SQL; AdminLimit applies to what remains.
func (s *SQLiteBackend) Search(ctx context.Context, req SearchRequest, fn func(*Entry) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.Base != "" {
		ok, err := exists(ctx, s.db, req.Base)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchObject, req.Base)
		}
	}
	query := `SELECT ` + entryColumns + ` FROM entries WHERE dn_in_scope(ndn, ?, ?) = 1`
	args := []any{req.Base, int(req.Scope)}
	if req.Filter != nil {
		if lower, ok := filter.LowerBound(req.Filter, AttrEntryCSN); ok {
			query += ` AND csn >= ?`
			args = append(args, lower)
		}
		if upper, ok := filter.UpperBound(req.Filter, AttrEntryCSN); ok {
			query += ` AND csn <= ?`
			args = append(args, upper)
		}
	}
	query += ` ORDER BY id`

	candidates, err := s.query(ctx, query, args...)
	if err != nil {
		return err
	}
	if req.AdminLimit > 0 && len(candidates) > req.AdminLimit {
		return ErrAdminLimitExceeded
	}
	sent := 0
	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if req.Filter != nil && !req.Filter.Match(e) {
			continue
		}
		sent++
		if req.SizeLimit > 0 && sent > req.SizeLimit {
			return ErrSizeLimitExceeded
		}
		if err := fn(e); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *SQLiteBackend) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *SQLiteBackend) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// MaxCSN returns the greatest entryCSN stamped by sid in the subtree at base.
func (s *SQLiteBackend) MaxCSN(ctx context.Context, base string, sid int) (csn.CSN, error) {
	var out sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(csn) FROM entries WHERE dn_in_scope(ndn, ?, ?) = 1 AND csn_sid(csn) = ?`,
		base, int(dn.ScopeSub), sid).Scan(&out)
	if err != nil {
		return "", err
	}
	return csn.CSN(out.String), nil
}

// Commit applies op in a single transaction and returns its CSN.
func (s *SQLiteBackend) Commit(ctx context.Context, op *Op) (csn.CSN, error) {
	if op == nil {
		return "", fmt.Errorf("%w: nil op", ErrInvalidOp)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ndn, err := op.Target()
	if err != nil {
		return "", err
	}
	if ndn == "" {
		return "", fmt.Errorf("%w: empty DN", ErrInvalidOp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	stamp := op.CSN
	if stamp == "" {
		stamp = s.gen.Next()
	} else if !stamp.Valid() {
		return "", fmt.Errorf("%w: csn %q", ErrInvalidOp, stamp)
	}
	switch op.Kind {
	case OpAdd:
		err = s.add(ctx, tx, op, ndn, stamp)
	case OpModify:
		err = s.modify(ctx, tx, op, ndn, stamp)
	case OpDelete:
		err = s.delete(ctx, tx, ndn)
	case OpModRDN:
		err = s.modrdn(ctx, tx, op, ndn, stamp)
	default:
		err = fmt.Errorf("%w: kind %d", ErrInvalidOp, op.Kind)
	}
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return stamp, nil
}

func (s *SQLiteBackend) checkParent(ctx context.Context, tx *sql.Tx, ndn string) error {
	parent := dn.Parent(ndn)
	if parent == "" || ndn == s.suffix {
		return nil
	}
	ok, err := exists(ctx, tx, parent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrNoSuchObject, parent)
	}
	return nil
}

func (s *SQLiteBackend) add(ctx context.Context, tx *sql.Tx, op *Op, ndn string, stamp csn.CSN) error {
	ok, err := exists(ctx, tx, ndn)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, ndn)
	}
	if err := s.checkParent(ctx, tx, ndn); err != nil {
		return err
	}
	attrs := map[string][]string{}
	for k, v := range op.Attrs {
		name := strings.ToLower(k)
		attrs[name] = append(attrs[name], v...)
	}
	id := uuid.NewString()
	if v := attrs["entryuuid"]; len(v) > 0 {
		id = v[0]
	}
	delete(attrs, "entryuuid")
	delete(attrs, "entrycsn")
	delete(attrs, "entrydn")
	addRDNValues(attrs, dn.RDN(op.DN))

	payload, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entries(ndn, dn, parent_ndn, uuid, csn, attrs) VALUES(?, ?, ?, ?, ?, ?)`,
		ndn, strings.TrimSpace(op.DN), dn.Parent(ndn), id, string(stamp), string(payload))
	return err
}

func (s *SQLiteBackend) modify(ctx context.Context, tx *sql.Tx, op *Op, ndn string, stamp csn.CSN) error {
	e, err := load(ctx, tx, ndn)
	if err != nil {
		return err
	}
	for _, m := range op.Mods {
		name := strings.ToLower(m.Attr)
		switch name {
		case "entryuuid", "entrycsn", "entrydn":
			return fmt.Errorf("%w: %s is not user modifiable", ErrInvalidOp, m.Attr)
		}
		switch m.Type {
		case ModAdd:
			e.Attrs[name] = appendUnique(e.Attrs[name], m.Values...)
		case ModDelete:
			if len(m.Values) == 0 {
				delete(e.Attrs, name)
				continue
			}
			e.Attrs[name] = removeValues(e.Attrs[name], m.Values...)
			if len(e.Attrs[name]) == 0 {
				delete(e.Attrs, name)
			}
		case ModReplace:
			if len(m.Values) == 0 {
				delete(e.Attrs, name)
				continue
			}
			e.Attrs[name] = append([]string(nil), m.Values...)
		default:
			return fmt.Errorf("%w: mod type %d", ErrInvalidOp, m.Type)
		}
	}
	payload, err := json.Marshal(e.Attrs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE entries SET attrs = ?, csn = ? WHERE id = ?`, string(payload), string(stamp), e.ID)
	return err
}

func (s *SQLiteBackend) delete(ctx context.Context, tx *sql.Tx, ndn string) error {
	e, err := load(ctx, tx, ndn)
	if err != nil {
		return err
	}
	children, err := hasChildren(ctx, tx, ndn)
	if err != nil {
		return err
	}
	if children {
		return fmt.Errorf("%w: %s", ErrNotAllowedOnNonLeaf, ndn)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, e.ID)
	return err
}

func (s *SQLiteBackend) modrdn(ctx context.Context, tx *sql.Tx, op *Op, ndn string, stamp csn.CSN) error {
	if op.NewRDN == "" {
		return fmt.Errorf("%w: modrdn without new RDN", ErrInvalidOp)
	}
	e, err := load(ctx, tx, ndn)
	if err != nil {
		return err
	}
	children, err := hasChildren(ctx, tx, ndn)
	if err != nil {
		return err
	}
	if children {
		return fmt.Errorf("%w: %s", ErrNotAllowedOnNonLeaf, ndn)
	}
	newDN := dn.Rename(e.DN, op.NewRDN, op.NewSuperior)
	newNDN, err := dn.Normalize(newDN)
	if err != nil {
		return err
	}
	if newNDN != ndn {
		taken, err := exists(ctx, tx, newNDN)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, newNDN)
		}
	}
	if err := s.checkParent(ctx, tx, newNDN); err != nil {
		return err
	}
	if op.DeleteOldRDN {
		for _, ava := range rdnValues(dn.RDN(e.DN)) {
			e.Attrs[ava[0]] = removeValues(e.Attrs[ava[0]], ava[1])
			if len(e.Attrs[ava[0]]) == 0 {
				delete(e.Attrs, ava[0])
			}
		}
	}
	addRDNValues(e.Attrs, op.NewRDN)
	payload, err := json.Marshal(e.Attrs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE entries SET dn = ?, ndn = ?, parent_ndn = ?, attrs = ?, csn = ? WHERE id = ?`,
		newDN, newNDN, dn.Parent(newNDN), string(payload), string(stamp), e.ID)
	return err
}

// rdnValues splits a presentation RDN into lower-cased type and raw value pairs.
func rdnValues(rdn string) [][2]string {
	var out [][2]string
	for _, ava := range strings.Split(rdn, "+") {
		typ, value, ok := strings.Cut(ava, "=")
		if !ok {
			continue
		}
		out = append(out, [2]string{strings.ToLower(strings.TrimSpace(typ)), strings.TrimSpace(value)})
	}
	return out
}

func addRDNValues(attrs map[string][]string, rdn string) {
	for _, ava := range rdnValues(rdn) {
		attrs[ava[0]] = appendUnique(attrs[ava[0]], ava[1])
	}
}

func appendUnique(values []string, add ...string) []string {
next:
	for _, v := range add {
		for _, cur := range values {
			if strings.EqualFold(cur, v) {
				continue next
			}
		}
		values = append(values, v)
	}
	return values
}

func removeValues(values []string, drop ...string) []string {
	out := values[:0:0]
next:
	for _, v := range values {
		for _, d := range drop {
			if strings.EqualFold(v, d) {
				continue next
			}
		}
		out = append(out, v)
	}
	return out
}

// Ensure SQLiteBackend satisfies the Backend interface.
var _ Backend = (*SQLiteBackend)(nil)
