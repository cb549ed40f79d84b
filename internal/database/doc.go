// Copyright (c) Measurement Plane Authors.
// Licensed under the MIT License.

/*
Package database manages the gorm connection pool behind the SQL result
store.

Open picks a dialector from config.DatabaseConfig (sqlite via the pure-Go
glebarez driver, postgres or mysql) and wraps the handle in a PoolManager,
which tunes database/sql limits, pings the server in the background and
runs transactions with exponential-backoff retry on deadlocks,
serialization failures and lock timeouts.
*/
package database
