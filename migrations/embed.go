// Package migrations embeds the SQL schema of the stock ledger.
package migrations

import "embed"

// FS holds the numbered golang-migrate files.
//
//go:embed *.sql
var FS embed.FS
