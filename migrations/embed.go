// Package migrations embeds the SQL schema applied by cmd/migrate.
package migrations

import "embed"

// Files holds the *.up.sql and *.down.sql migrations.
//
//go:embed *.sql
var Files embed.FS
