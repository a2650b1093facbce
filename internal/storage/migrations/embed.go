// Package migrations holds the numbered SQLite schema files applied by
// sqlite.DB.Migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
