// Package database provides SQLite connectivity for local state.
//
// The ingestor uses it for the dead-letter store: batches that could not be
// written to InfluxDB after every retry are kept on disk instead of being
// lost.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: "/var/lib/obdtelemetry/deadletter.db", WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_description.up.sql
// at the root of the supplied filesystem. They are applied once each, in
// version order, and recorded in schema_migrations.
//
// All queries use parameterised statements and the file is created with
// mode 0600.
package database
