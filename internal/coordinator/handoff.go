package coordinator

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/protocol"
	"github.com/dreamware/kensuke/internal/session"
	"github.com/dreamware/kensuke/internal/storage"
)

// createSession hands the entity over to n.
//
// Algorithm:
//  1. reject a session id that already exists, or an entity whose session
//     is being created by another request
//  2. for every earlier session of the entity, ask its connected owner to
//     flush with requestSync; an unreachable owner yields TIMEOUT inside the
//     warm-up window and has its session discarded after it
//  3. resolve the locked scope set from the node's scopes and the request
//  4. load the entity's data through the cache
//  5. persist the new session, claim it for n and reply with the data
//
// Nothing is persisted before step 5, so a failure at any step leaves the
// previous state intact apart from sessions the hand-off ended.
func (c *Coordinator) createSession(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error) {
	var p protocol.CreateSession
	if err := decode(f, &p); err != nil {
		return protocol.Message{}, err
	}
	if p.Session == "" {
		return protocol.Message{}, protocol.Severef("No session provided")
	}
	if p.PlayerID == "" {
		return protocol.Message{}, protocol.Severef("No playerId provided")
	}
	if _, ok := c.sessions.Get(p.Session); ok {
		glog.Warningf("%s: %s tried to create an existing session: %s", n, p.Realm, p.Session)
		return protocol.Message{}, protocol.Severef("Session already exists")
	}
	if other, busy := c.creating[p.PlayerID]; busy {
		return protocol.Message{}, protocol.Severef("Session %s of %s is being created", other, p.PlayerID)
	}
	c.creating[p.PlayerID] = p.Session
	defer delete(c.creating, p.PlayerID)

	previous := c.sessions.ByDataID(p.PlayerID)
	if len(previous) == 0 {
		glog.Infof("%s: Player %s joined the network on %s", n, p.PlayerID, p.Realm)
	}
	for _, old := range previous {
		if err := c.handOff(ctx, n, p, old); err != nil {
			return protocol.Message{}, err
		}
	}

	scopes, err := c.lockScopes(ctx, n, p.Scopes)
	if err != nil {
		return protocol.Message{}, err
	}

	dao := c.cache.Get(p.PlayerID)
	var data map[string]json.RawMessage
	c.suspend(func() { data, err = dao.Data(ctx, scopes) })
	if err != nil {
		glog.Errorf("%s: loading %s: %v", n, p.PlayerID, err)
		return protocol.Message{}, protocol.Severef("Database error")
	}

	if _, ok := c.sessions.Get(p.Session); ok {
		return protocol.Message{}, protocol.Severef("Session already exists")
	}
	if !c.nodes.Contains(n) {
		return protocol.Message{}, protocol.Severef("Connection closed")
	}

	s := session.StoredSession{
		SessionID: p.Session,
		DataID:    p.PlayerID,
		AccountID: n.Account(),
		NodeName:  n.Name(),
		Realm:     p.Realm,
		ScopeIDs:  scopes,
		CreatedAt: c.now(),
	}
	if err := c.sessions.Write(ctx, s); err != nil {
		glog.Errorf("%s: %v", n, err)
		return protocol.Message{}, protocol.Severef("Database error")
	}
	n.claim(s.SessionID)
	c.record(history.Event{Kind: history.KindCreate, SessionID: s.SessionID, DataID: s.DataID, Severity: history.Info, Node: n.Name()})

	glog.Infof("%s: Sending data of %s to %s", n, p.PlayerID, p.Realm)
	return protocol.Message{
		Kind:    protocol.KindSyncData,
		Payload: protocol.SyncData{Session: s.SessionID, Stats: data},
	}, nil
}

// handOff settles one earlier session of the entity before a new one is
// created. It returns an error only when the new session must not be
// created.
func (c *Coordinator) handOff(ctx context.Context, n *Node, p protocol.CreateSession, old session.StoredSession) error {
	// an earlier hand-off step may have suspended while this one ended
	if _, ok := c.sessions.Get(old.SessionID); !ok {
		return nil
	}
	owner := c.nodes.OwnerOf(old.SessionID)
	if owner == nil {
		if c.inWarmup() {
			glog.Infof("%s: owner of session %s of %s has not reconnected yet", n, old.SessionID, old.DataID)
			return protocol.Timeoutf("Previous session of %s is not reachable yet", old.DataID)
		}
		glog.Infof("%s: discarding orphaned session %s of %s left by %s", n, old.SessionID, old.DataID, old.NodeName)
		if err := c.sessions.Remove(ctx, old.SessionID); err != nil {
			glog.Errorf("%s: %v", n, err)
			return protocol.Severef("Database error")
		}
		c.record(history.Event{Kind: history.KindDiscard, SessionID: old.SessionID, DataID: old.DataID, Severity: history.Warning, Node: old.NodeName})
		return nil
	}

	glog.Infof("%s: Player %s connected to %s, asking %s to synchronize stats...", n, old.DataID, p.Realm, owner)

	var reply *protocol.Frame
	var err error
	msg := protocol.Message{Kind: protocol.KindRequestSync, Payload: protocol.RequestSync{Session: old.SessionID}}
	c.suspend(func() { reply, err = owner.talker.SendAndAwait(ctx, owner.Version(), msg) })
	if err == nil {
		err = reply.Err()
	}

	if level, _ := protocol.LevelOf(err); err != nil && level != protocol.LevelWarning {
		glog.Infof("%s: %s failed to save data for %s: %v", n, owner, old.DataID, err)
		return c.forceEnd(ctx, old, owner)
	}

	// the old owner usually ends the session itself after flushing
	if _, ok := c.sessions.Get(old.SessionID); ok {
		if err := c.sessions.Remove(ctx, old.SessionID); err != nil {
			glog.Errorf("%s: %v", n, err)
			return protocol.Severef("Database error")
		}
		owner.release(old.SessionID)
		c.record(history.Event{Kind: history.KindEnd, SessionID: old.SessionID, DataID: old.DataID, Severity: history.Debug, Node: owner.Name()})
	}
	return nil
}

// forceEnd drops a session whose owner could not flush it. Unsaved data of
// that session is lost.
func (c *Coordinator) forceEnd(ctx context.Context, old session.StoredSession, owner *Node) error {
	if _, ok := c.sessions.Get(old.SessionID); !ok {
		return nil
	}
	if err := c.sessions.Remove(ctx, old.SessionID); err != nil {
		glog.Errorf("%s: %v", owner, err)
		return protocol.Severef("Database error")
	}
	owner.release(old.SessionID)
	owner.send(protocol.Message{Kind: protocol.KindEndSession, Payload: protocol.EndSession{Session: old.SessionID}})
	c.record(history.Event{Kind: history.KindForceEnd, SessionID: old.SessionID, DataID: old.DataID, Severity: history.Severe, Node: owner.Name()})
	glog.Warningf("%s: session %s of %s was ended without a final save", owner, old.SessionID, old.DataID)
	return nil
}

// lockScopes returns n's granted scopes plus the requested ones, checking
// and registering each requested scope.
func (c *Coordinator) lockScopes(ctx context.Context, n *Node, requested []string) ([]string, error) {
	scopes := n.Scopes()
	for _, raw := range requested {
		id := storage.NormalizeScope(raw)
		if err := c.ensureScope(ctx, n, id); err != nil {
			return nil, err
		}
		if !slices.Contains(scopes, id) {
			scopes = append(scopes, id)
		}
	}
	return scopes, nil
}
