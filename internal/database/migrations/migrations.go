// Package migrations embeds the SQL migrations for the engine's own tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
