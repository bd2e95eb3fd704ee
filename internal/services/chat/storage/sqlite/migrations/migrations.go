// Package migrations embeds the chat store schema.
package migrations

import "embed"

// FS holds the ordered chat store migrations.
//
//go:embed *.sql
var FS embed.FS
