// Package migrations embeds the availability engine SQLite schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
