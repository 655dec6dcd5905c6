// Package storage is the SQL record store of the bot.
//
// It holds tasks, roles and their bound users, notification records with
// their occurrence log, and the operator audit trail. SQLite (modernc, pure
// Go) is the default driver; PostgreSQL is available through lib/pq.
package storage
