// Package directory defines the directory data model and the storage/query
// collaborator the replication provider sits in front of. It includes:
//   - Entry and Op: the entries and write operations being replicated
//   - Backend: search, lookup, commit and referral detection
//   - SQLiteBackend: a durable Backend over the entries table
//   - Schema helpers to create the entries table
package directory
