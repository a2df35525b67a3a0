// Package dbmigrations exposes embedded SQL migrations for flotilla binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into flotilla binaries.
//
//go:embed *.sql
var Files embed.FS
