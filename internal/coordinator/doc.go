// Package coordinator implements the control plane that keeps per-player
// stats consistent while players move between game server nodes.
//
// # Overview
//
// Nodes connect over a websocket, authenticate with an account and then
// create a session for every player that joins them. A session is the
// write lease on one player's data: while it exists, only its owner may
// save that player's scopes. When the player shows up on another node the
// coordinator asks the previous owner to flush (requestSync) before the
// new session is created, so progress is never overwritten by a stale copy.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              COORDINATOR                  │
//	├──────────────────────────────────────────┤
//	│  Server (websocket)                       │
//	│    └─ read loop per connection → Receive  │
//	│                                           │
//	│  Scheduler (mu)                           │
//	│    └─ one handler at a time, suspended    │
//	│       around network and storage I/O      │
//	│                                           │
//	│  Handlers                                 │
//	│    auth · useScopes · createSession       │
//	│    syncData · endSession                  │
//	│    requestLeaderboard · requestSnapshot   │
//	│                                           │
//	│  State                                    │
//	│    NodeSet · session.Registry · cache     │
//	│                                           │
//	│  LivenessMonitor                          │
//	│    └─ keepAlive pushes, transport pings   │
//	└──────────────────────────────────────────┘
//
// # Concurrency
//
// Every handler runs while holding the coordinator mutex and releases it
// only inside suspend. Receive does not return until the handler of the
// frame it was given holds the mutex, which keeps frames of one connection
// in arrival order. Replies are written after the mutex is released.
//
// # Error Handling
//
// Handlers return *protocol.Error values; their level tells the node how to
// react (FATAL, SEVERE, WARNING, TIMEOUT). Any other error, or a panic, is
// logged and reported to the node as SEVERE "Internal error".
package coordinator
