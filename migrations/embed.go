// Package migrations embeds the SQL schema migrations so binaries can run
// them without external file dependencies.
package migrations

import "embed"

// FS contains all migration files, embedded at build time.
//
//go:embed *.sql
var FS embed.FS
