// Package migrations embeds the SQL schema migrations for the sqlite
// credential store driver.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
