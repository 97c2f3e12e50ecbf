// Package stores provides the SQLite event journal for livegraph.
// It records engine events (environment failures and recoveries, thread-pool
// failures, topology commits and failures, lock-ups) and the connection set
// of every committed topology. SQLiteStore implements engine.Journal.
// Migrations are embedded and applied with golang-migrate.
package stores
