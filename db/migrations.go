// Package db embeds the SQL migrations applied by the API and cmd/migrate.
package db

import "embed"

// Migrations holds every goose migration under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of Migrations that goose reads from.
const MigrationsDir = "migrations"
