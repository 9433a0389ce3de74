package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/viant/syncprov/csn"
)

// SQLiteStore keeps the contextCSN in a table of the directory database.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore creates the context table if needed. An empty table name
// selects DefaultContextTable.
func NewSQLiteStore(db *sql.DB, table string) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("checkpoint: db is nil")
	}
	if table == "" {
		table = DefaultContextTable
	}
	table = strings.NewReplacer(".", "_", "-", "_").Replace(table)
	if _, err := db.Exec(ContextTableDDL(table)); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, table: table}, nil
}

// Load returns the saved vector for suffix.
func (s *SQLiteStore) Load(ctx context.Context, suffix string) (csn.Set, error) {
	states, err := s.States(ctx, suffix)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrNotFound
	}
	var set csn.Set
	for _, st := range states {
		set = set.With(st.CSN)
	}
	return set, nil
}

// States returns the persisted rows for suffix ordered by sid.
func (s *SQLiteStore) States(ctx context.Context, suffix string) ([]State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sid, csn, updated_at FROM `+s.table+` WHERE suffix = ? ORDER BY sid`, suffix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []State
	for rows.Next() {
		st := State{Suffix: suffix}
		var (
			value   string
			updated any
		)
		if err := rows.Scan(&st.SID, &value, &updated); err != nil {
			return nil, err
		}
		st.UpdatedAt = asTime(updated)
		if st.CSN, err = csn.Parse(value); err != nil {
			return nil, fmt.Errorf("checkpoint: stored csn for sid %03x: %w", st.SID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Save replaces the vector for suffix in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, suffix string, set csn.Set) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE suffix = ?`, suffix); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+s.table+`(suffix, sid, csn, updated_at) VALUES(?, ?, ?, CURRENT_TIMESTAMP)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range set {
		sid, err := c.SID()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, suffix, sid, string(c)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, _ := time.Parse(time.DateTime, t)
		return parsed
	case []byte:
		parsed, _ := time.Parse(time.DateTime, string(t))
		return parsed
	}
	return time.Time{}
}

var _ Store = (*SQLiteStore)(nil)
