// Package migrations embeds the Postgres schema applied by
// store.PostgresStore.RunMigrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
