//go:build !cgo_sqlite

package main

import (
	_ "modernc.org/sqlite"
)

// sqliteDriver is the database/sql driver name registered by the pure Go build.
const sqliteDriver = "sqlite"
