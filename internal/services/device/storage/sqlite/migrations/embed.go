package migrations

import "embed"

// FS contains embedded SQLite migrations for device storage.
//
//go:embed *.sql
var FS embed.FS
