// Package mysql persists an append-only history of task lifecycle events in
// MySQL. It owns the connection pool settings and applies the embedded schema
// migrations before the first write.
package mysql
