package directory

import (
	"database/sql"
)

const entriesSchema = `
CREATE TABLE IF NOT EXISTS entries (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ndn        TEXT NOT NULL UNIQUE,
    dn         TEXT NOT NULL,
    parent_ndn TEXT NOT NULL,
    uuid       TEXT NOT NULL UNIQUE,
    csn        TEXT NOT NULL,
    attrs      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_parent ON entries(parent_ndn);
CREATE INDEX IF NOT EXISTS entries_csn ON entries(csn);
`

// EnsureSchema creates the entries table in the provided database if it does
// not already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(entriesSchema)
	return err
}
