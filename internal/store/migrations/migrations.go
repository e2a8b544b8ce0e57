// Package migrations embeds the offline cache schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
