// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package migration versions the schema of the SQL result store with
golang-migrate.

The measurement_results table and its topic/stored_at index are kept as
embedded SQL files per dialect (sqlite, postgres, mysql). Apply brings a
database up to date and is what the result store runs on open when
database.auto_migrate is set; Migrator and CLI back the "mplane migrate"
command for explicit up, down, goto, force, version and status.

A Migrator owns its database handle: Close closes it.
*/
package migration
