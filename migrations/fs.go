package migrations

import "embed"

// FS holds the goose SQL migrations compiled into the binary, so a deploy
// is a single artifact with its schema.
//
//go:embed *.sql
var FS embed.FS
