// Package engine provides helpers for working with the modernc.org/sqlite
// driver in this module: opening connections and registering the SQL scalar
// functions the directory backend relies on for scope and CSN pushdown.
package engine
