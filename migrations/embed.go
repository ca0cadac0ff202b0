// Package migrations carries the SQL schema files embedded into the
// binaries.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
