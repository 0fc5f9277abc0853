// Package sqlite persists evaluation results in a SQLite database whose
// schema is managed by embedded golang-migrate migrations.
package sqlite
