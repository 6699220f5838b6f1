// Package dbmigrations exposes embedded SQL migrations for courier binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into courier binaries.
//
//go:embed *.sql
var Files embed.FS
