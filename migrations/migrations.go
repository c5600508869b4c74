// Package migrations embeds the Postgres schema for the reference server.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
