// Package migrations holds the versioned catalog and warehouse schema.
package migrations

import "embed"

// FS contains every NNN_name.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
