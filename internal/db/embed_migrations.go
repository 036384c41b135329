package db

import "embed"

// MigrationFS embeds the users, sessions, and audit_logs schema from internal/db/migrations.
// Used by the migrate runner (cmd/migrate).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
