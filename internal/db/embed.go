package db

import "embed"

// migrationFS holds the SQL migrations applied by Open.
//
//go:embed migrations/*.sql
var migrationFS embed.FS
