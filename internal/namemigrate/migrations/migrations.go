// Package migrations embeds the name-column DDL so the migration CLI can
// apply it without shipping loose SQL files.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
