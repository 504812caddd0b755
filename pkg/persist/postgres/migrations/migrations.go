// Package migrations embeds the SQL migration set for the Postgres
// persistent-store backend so it ships inside the io-engine binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
