// Package storage is the Data Store Adapter: the durable home of accounts,
// scopes, per-entity documents, the session log and the history table.
//
// # Overview
//
// Each scope is a named partition of entity data. Within a scope every
// entity id maps to at most one JSON object document whose "id" field
// always equals the entity id. Nodes never reach this package directly;
// the coordinator reads through the Data Cache and writes after
// authorising a syncData.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│     coordinator (handlers)          │
//	└─────────────────────────────────────┘
//	        │                  │
//	        ▼                  ▼
//	┌──────────────┐   ┌──────────────┐
//	│  cache.Cache │   │  session.Log │
//	└──────────────┘   └──────────────┘
//	        │                  │
//	        ▼                  ▼
//	┌─────────────────────────────────────┐
//	│            Store                    │
//	└─────────────────────────────────────┘
//	        │                  │
//	        ▼                  ▼
//	┌──────────────┐   ┌──────────────┐
//	│ MemoryStore  │   │ SQLiteStore  │
//	└──────────────┘   └──────────────┘
//
// # Accounts and scopes
//
// Accounts and scopes are small and read on every request, so both
// implementations keep them in memory and write through on change.
// Registering a scope appends it to the creating account's allow-list.
// Scope names match ^[A-Za-z_-]+$; a legacy "players:" prefix is stripped
// wherever a scope id is accepted.
//
// Passwords are bcrypt hashes. Unsalted sha1 hex digests imported from
// older deployments are still accepted by VerifyPassword.
//
// # SQLite layout
//
//	accounts(id, password_hash, allowed_scopes JSON)
//	scopes(id, created_by, created_at ms)
//	documents(scope, id, data JSON)         PRIMARY KEY (scope, id)
//	session_log(seq, session_id, op, record) append-only, compacted at start
//	history(id, time, kind, session_id, data_id, severity, node, data)
//
// The database is opened in WAL mode with a single connection.
//
// # Leaderboards
//
// Leaderboard sorts a scope's documents by a numeric top-level field,
// highest first, with documents lacking the field last. Field names are
// restricted to [A-Za-z0-9_].
package storage
