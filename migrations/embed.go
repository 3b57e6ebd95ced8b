// Package migrations embeds the SQLite schema into the binary.
package migrations

import "embed"

// FS holds every *.up.sql file in this directory at its root. Pass it to
// database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
