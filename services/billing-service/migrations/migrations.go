// Package migrations embeds the billing schema so the service can apply it on start.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
