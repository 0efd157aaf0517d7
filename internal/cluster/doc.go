// Package cluster describes the coordinator's view of the node network in
// a form that can be served over HTTP and read back by tools.
//
// # Overview
//
// The coordinator keeps its authoritative state (connected nodes, the
// session registry, the data cache) in their own packages. cluster only
// defines the read-only JSON snapshots of that state:
//
//	GET /        Status
//	GET /nodes   []NodeInfo
//	GET /sessions []SessionInfo
//
// Snapshots are copies; mutating them has no effect on the coordinator.
//
// # Client side
//
// GetJSON is the small HTTP helper the kensuke CLI uses to read these views:
//
//	var st cluster.Status
//	if err := cluster.GetJSON(ctx, "http://localhost:8998/", &st); err != nil {
//	    return err
//	}
package cluster
