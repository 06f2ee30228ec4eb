//go:build sqlite
// +build sqlite

package backfila

import (
	_ "github.com/mattn/go-sqlite3"
)

// The sqlite build tag swaps the pure Go driver for the CGO one.
func init() {
	sqlDriverName = "sqlite3"
	sqlConnOptions = "_busy_timeout=5000&_journal_mode=WAL"
}
