package coordinator

import (
	"sync"

	"golang.org/x/exp/slices"
)

// NodeSet is the list of live connections, in connection order.
// Thread-safe: protected by its own mutex so the metrics API can read it
// while handlers run.
type NodeSet struct {
	mu    sync.RWMutex
	nodes []*Node
}

func (s *NodeSet) Add(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, n)
}

// Remove deletes n and reports whether it was present.
func (s *NodeSet) Remove(n *Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.nodes, n)
	if i < 0 {
		return false
	}
	s.nodes = slices.Delete(s.nodes, i, i+1)
	return true
}

func (s *NodeSet) Contains(n *Node) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.nodes, n)
}

// All returns a snapshot of the live nodes.
func (s *NodeSet) All() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes)
}

func (s *NodeSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// OwnerOf returns the connected node whose owned set contains sessionID.
func (s *NodeSet) OwnerOf(sessionID string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Owns(sessionID) {
			return n
		}
	}
	return nil
}
