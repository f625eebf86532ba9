package migrations

import "embed"

// FS contains embedded SQLite migrations for OTP storage.
//
//go:embed *.sql
var FS embed.FS
