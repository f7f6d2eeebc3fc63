// Package storage persists named JSON documents and an operator audit log.
//
// Drivers:
//   - "file": one <name>.json per document, written atomically (tmp + rename)
//   - "sqlite": a single database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and dry runs
package storage
