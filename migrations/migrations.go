// Package migrations embeds the goose SQL migrations so a deployed binary
// can migrate without carrying the files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
