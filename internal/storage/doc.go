// Package storage provides the transactional key-value layer behind the
// subscription and availability stores.
//
// Data is grouped into collections ("subscriptions", "availability"); each
// Update runs a read-modify-write against the latest durable state under a
// lock that also excludes other processes (flock for files, an immediate
// transaction for SQLite). The external CRUD API writes the same collections.
package storage
