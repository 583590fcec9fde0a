package migrations

import "embed"

// FS contains the fresh schema, versioned migration steps and the merge script.
//
//go:embed *.sql
var FS embed.FS
