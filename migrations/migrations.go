// Package migrations bundles the schema for both supported databases.
package migrations

import "embed"

// Embedded so the binary migrates without shipping SQL files.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
