package coordinator

import (
	"context"
	"sort"

	"github.com/golang/glog"

	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/protocol"
	"github.com/dreamware/kensuke/internal/session"
	"github.com/dreamware/kensuke/internal/storage"
)

// syncData stores a node's write of an entity's scopes.
//
// Checks, in order: the session exists (else the node is told to end it),
// the node owns it or may claim it, no newer session has written the
// entity, and every scope is allowed, known and locked by the session.
// Scopes are then written one by one, cache first; a storage failure stops
// the loop and leaves earlier scopes applied.
func (c *Coordinator) syncData(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error) {
	var p protocol.SyncData
	if err := decode(f, &p); err != nil {
		return protocol.Message{}, err
	}

	s, ok := c.sessions.Get(p.Session)
	if !ok {
		glog.Infof("%s: Unable to find session %s", n, p.Session)
		n.send(protocol.Message{Kind: protocol.KindEndSession, Payload: protocol.EndSession{Session: p.Session}})
		return protocol.Message{}, protocol.Severef("Unable to find session %s", p.Session)
	}

	switch owner := c.nodes.OwnerOf(s.SessionID); {
	case owner == nil:
		if s.AccountID != n.Account() {
			return protocol.Message{}, protocol.Severef("Session %s belongs to account %s", s.SessionID, s.AccountID)
		}
		n.claim(s.SessionID)
		c.record(history.Event{Kind: history.KindClaim, SessionID: s.SessionID, DataID: s.DataID, Severity: history.Info, Node: n.Name()})
		glog.Infof("%s: claimed session %s of %s", n, s.SessionID, s.DataID)
	case owner != n:
		glog.Infof("%s: tried to save data for %s, but the session is owned by %s", n, s.DataID, owner)
		return protocol.Message{}, protocol.Severef("Session %s is owned by %s", s.SessionID, owner)
	}

	if err := c.checkLatest(s); err != nil {
		return protocol.Message{}, err
	}

	if !s.HadWrites {
		if err := c.sessions.MarkWritten(ctx, s.SessionID); err != nil {
			glog.Errorf("%s: %v", n, err)
			return protocol.Message{}, protocol.Severef("Database error")
		}
	}

	acc, _ := c.store.Account(n.Account())
	keys := make([]string, 0, len(p.Stats))
	for raw := range p.Stats {
		keys = append(keys, raw)
	}
	sort.Strings(keys)

	for _, raw := range keys {
		id := storage.NormalizeScope(raw)
		if !acc.Allows(id) {
			return protocol.Message{}, protocol.Fatalf("Account %s doesn't have enough permissions to alter '%s' scope", acc.ID, id)
		}
		if _, ok := c.store.Scope(id); !ok {
			return protocol.Message{}, protocol.Fatalf("Tried to synchronize unknown scope '%s'", id)
		}
		if !s.HasScope(id) {
			return protocol.Message{}, protocol.Fatalf("Locked scopes of session %s do not include the scope %s", s.SessionID, id)
		}
	}

	dao := c.cache.Get(s.DataID)
	for i, raw := range keys {
		if i > 0 {
			if err := c.checkLatest(s); err != nil {
				return protocol.Message{}, err
			}
		}
		id := storage.NormalizeScope(raw)
		doc := p.Stats[raw]

		prev, _ := dao.Get(id)
		dao.Put(id, doc)

		var err error
		c.suspend(func() { err = c.store.SaveData(ctx, id, s.DataID, doc) })
		if err != nil {
			glog.Errorf("%s: Error while saving %s: %v", n, s.DataID, err)
			return protocol.Message{}, protocol.Severef("Database error")
		}
		c.record(history.Event{
			Kind:      history.KindSync,
			SessionID: s.SessionID,
			DataID:    s.DataID,
			Severity:  history.Debug,
			Node:      n.Name(),
			Data:      id + " " + history.Diff(prev, doc),
		})
	}

	glog.V(1).Infof("%s: Realm %s saved data for %s", n, s.Realm, s.DataID)
	return protocol.OK("Saved " + s.DataID), nil
}

// checkLatest rejects a write from s when a newer session of the same
// entity has already written.
func (c *Coordinator) checkLatest(s session.StoredSession) error {
	latest, ok := c.sessions.LatestWithWrites(s.DataID)
	if ok && latest.SessionID != s.SessionID && latest.CreatedAt.After(s.CreatedAt) {
		return protocol.Warningf("Late save, %s is already written by session %s", s.DataID, latest.SessionID)
	}
	return nil
}
