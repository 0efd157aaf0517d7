// Package session owns the durable session registry.
//
// # Overview
//
// A session is the exclusive right of one node to write one entity's data.
// The registry records every session the coordinator has granted, including
// sessions whose node has since disconnected, so that a restarted or
// reconnected node can reclaim what it held and so that a new claimant can
// run the hand-off protocol against the previous owner.
//
// # Durability
//
// Every mutation is appended to a Log before the in-memory view changes:
//
//	Write(s) ──► Log.Put(s) ──ok──► sessions[s.SessionID] = s
//	                         └─err─► unchanged, error returned
//
// On start, Open replays the Log into memory and compacts it so that the log
// holds exactly one entry per live session. The SQLite implementation lives
// in the storage package; MemoryLog is used in tests.
//
// # Invariants
//
//   - HadWrites is monotonic: once true it is never reset by Write
//   - ByDataID and All return sessions ordered by CreatedAt
//   - the registry does not decide ownership; it only records it
package session
