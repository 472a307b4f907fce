package migrations

import "embed"

// FS contains embedded SQLite migrations for parcel storage.
//
//go:embed *.sql
var FS embed.FS
