// Package stores provides the run history persistence layer for fieldtest.
// It records runs, per-test results and the outbound calls each test captured
// in SQLite, with schema migrations embedded and applied by golang-migrate.
package stores
