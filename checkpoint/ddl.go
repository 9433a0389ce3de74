package checkpoint

// DefaultContextTable stores the contextCSN per naming context and server id.
const DefaultContextTable = "sync_context_csn"

// ContextTableDDL returns the DDL for the contextCSN table. The DDL assumes
// SQLite/MySQL-compatible syntax.
func ContextTableDDL(table string) string {
	if table == "" {
		table = DefaultContextTable
	}
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
    suffix     TEXT NOT NULL,
    sid        INTEGER NOT NULL,
    csn        TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(suffix, sid)
);`
}
