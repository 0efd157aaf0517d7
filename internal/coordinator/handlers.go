package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/protocol"
	"github.com/dreamware/kensuke/internal/storage"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 1000
)

func (c *Coordinator) auth(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error) {
	var p protocol.Auth
	if err := decode(f, &p); err != nil {
		return protocol.Message{}, err
	}
	if n.Authorized() {
		return protocol.Message{}, protocol.Warningf("Already authorized as %s.", n.Account())
	}

	// password hashing is slow; other connections keep running meanwhile
	var acc storage.Account
	var err error
	c.suspend(func() { acc, err = c.store.Authenticate(p.Login, p.Password) })
	if err != nil {
		glog.Warningf("%s: failed login as %q", n, p.Login)
		return protocol.Message{}, protocol.Fatalf("Invalid credentials")
	}
	if n.Authorized() {
		return protocol.Message{}, protocol.Warningf("Already authorized as %s.", n.Account())
	}
	if !c.nodes.Contains(n) {
		return protocol.Message{}, protocol.Severef("Connection closed")
	}

	n.authorize(acc.ID, p.NodeName, protocol.VersionOf(p.Version))
	glog.Infof("%s: Node authorized as %s, protocol version is %s", n, acc.ID, n.Version())

	c.reclaim(n, p.ActiveSessions)
	return protocol.OK(fmt.Sprintf("Successfully authorized as %s", acc.ID)), nil
}

// reclaim restores ownership of sessions a reconnecting node reports as
// still active. Sessions the registry no longer knows are ended on the node.
func (c *Coordinator) reclaim(n *Node, sessionIDs []string) {
	for _, id := range sessionIDs {
		s, ok := c.sessions.Get(id)
		if !ok {
			glog.Infof("%s: reported unknown session %s, ending it", n, id)
			n.send(protocol.Message{Kind: protocol.KindEndSession, Payload: protocol.EndSession{Session: id}})
			continue
		}
		if s.AccountID != n.Account() {
			glog.Warningf("%s: reported session %s of account %s", n, id, s.AccountID)
			continue
		}
		if owner := c.nodes.OwnerOf(id); owner != nil && owner != n {
			glog.Warningf("%s: reported session %s already owned by %s", n, id, owner)
			continue
		}
		n.claim(id)
		c.record(history.Event{Kind: history.KindClaim, SessionID: id, DataID: s.DataID, Severity: history.Info, Node: n.Name()})
		glog.Infof("%s: reclaimed session %s of %s", n, id, s.DataID)
	}
}

func (c *Coordinator) useScopes(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error) {
	var p protocol.UseScopes
	if err := decode(f, &p); err != nil {
		return protocol.Message{}, err
	}
	for _, raw := range p.Scopes {
		id := storage.NormalizeScope(raw)
		if n.HasScope(id) {
			continue
		}
		if err := c.ensureScope(ctx, n, id); err != nil {
			return protocol.Message{}, err
		}
		n.grant(id)
	}
	return protocol.OK("All ok."), nil
}

// ensureScope registers id for n's account if it does not exist yet and
// checks that the account may use it.
func (c *Coordinator) ensureScope(ctx context.Context, n *Node, id string) error {
	if _, ok := c.store.Scope(id); !ok {
		var err error
		c.suspend(func() { _, err = c.store.RegisterScope(ctx, id, n.Account()) })
		switch {
		case err == nil, errors.Is(err, storage.ErrScopeExists):
		case errors.Is(err, storage.ErrMalformedScope):
			return protocol.Fatalf("Malformed scope name %s", id)
		default:
			glog.Errorf("%s: registering scope %s: %v", n, id, err)
			return protocol.Severef("Database error")
		}
	}
	acc, ok := c.store.Account(n.Account())
	if !ok || !acc.Allows(id) {
		return protocol.Fatalf("Not enough permissions to use %s scope", id)
	}
	return nil
}

func (c *Coordinator) endSession(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error) {
	var p protocol.EndSession
	if err := decode(f, &p); err != nil {
		return protocol.Message{}, err
	}

	s, ok := c.sessions.Get(p.Session)
	if !ok {
		glog.Warningf("%s: Tried to end a dead session %s", n, p.Session)
		return protocol.OK("Already dead"), nil
	}
	owner := c.nodes.OwnerOf(s.SessionID)
	if owner != nil && owner != n {
		return protocol.Message{}, protocol.Severef("Session %s is owned by %s", s.SessionID, owner)
	}
	if owner == nil && s.AccountID != n.Account() {
		return protocol.Message{}, protocol.Severef("Session %s belongs to account %s", s.SessionID, s.AccountID)
	}

	if err := c.sessions.Remove(ctx, s.SessionID); err != nil {
		glog.Errorf("%s: %v", n, err)
		return protocol.Message{}, protocol.Severef("Database error")
	}
	n.release(s.SessionID)
	c.record(history.Event{Kind: history.KindEnd, SessionID: s.SessionID, DataID: s.DataID, Severity: history.Debug, Node: n.Name()})
	glog.Infof("%s: %s closed the session %s of %s", n, s.Realm, s.SessionID, s.DataID)
	return protocol.OK("Ok"), nil
}

func (c *Coordinator) requestLeaderboard(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error) {
	var p protocol.RequestLeaderboard
	if err := decode(f, &p); err != nil {
		return protocol.Message{}, err
	}
	scope := storage.NormalizeScope(p.Scope)
	if err := c.readable(n, scope); err != nil {
		return protocol.Message{}, err
	}
	extra := make([]string, 0, len(p.ExtraScopes))
	for _, raw := range p.ExtraScopes {
		id := storage.NormalizeScope(raw)
		if err := c.readable(n, id); err != nil {
			return protocol.Message{}, err
		}
		extra = append(extra, id)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}

	start := time.Now()
	var entries []storage.Entry
	var err error
	c.suspend(func() { entries, err = c.store.Leaderboard(ctx, scope, p.Field, limit) })
	if errors.Is(err, storage.ErrBadField) {
		return protocol.Message{}, protocol.Severef("Malformed field %s", p.Field)
	}
	if err != nil {
		glog.Errorf("%s: leaderboard %s.%s: %v", n, scope, p.Field, err)
		return protocol.Message{}, protocol.Severef("Database error")
	}

	var out []any
	if n.Version() == protocol.V0 {
		out = make([]any, len(entries))
		for i, e := range entries {
			out[i] = e.Data
		}
	} else {
		rows, err := c.leaderboardRows(ctx, scope, entries, extra, p.ExtraIDs)
		if err != nil {
			glog.Errorf("%s: leaderboard join: %v", n, err)
			return protocol.Message{}, protocol.Severef("Database error")
		}
		out = rows
	}

	glog.V(1).Infof("%s: leaderboard for %s by %s (limit %d) took %v", n, scope, p.Field, limit, time.Since(start))
	return protocol.Message{Kind: protocol.KindLeaderboardState, Payload: protocol.LeaderboardState{Entries: out}}, nil
}

// leaderboardRows builds the version 1 entry list: ranked rows first, then
// one unranked row per extra id, with every extra scope joined in.
func (c *Coordinator) leaderboardRows(ctx context.Context, scope string, entries []storage.Entry, extraScopes, extraIDs []string) ([]any, error) {
	rows := make([]*protocol.LeaderboardEntry, 0, len(entries)+len(extraIDs))
	index := make(map[string]*protocol.LeaderboardEntry, cap(rows))
	for i, e := range entries {
		row := &protocol.LeaderboardEntry{ID: e.ID, Position: i + 1, Data: protocol.Stats{scope: e.Data}}
		rows = append(rows, row)
		index[e.ID] = row
	}

	var unranked []string
	for _, id := range extraIDs {
		if _, ok := index[id]; ok {
			continue
		}
		row := &protocol.LeaderboardEntry{ID: id, Data: protocol.Stats{}}
		rows = append(rows, row)
		index[id] = row
		unranked = append(unranked, id)
	}

	join := func(scope string, ids []string) error {
		if len(ids) == 0 {
			return nil
		}
		var batch map[string]json.RawMessage
		var err error
		c.suspend(func() { batch, err = c.store.ReadDataBatch(ctx, scope, ids) })
		if err != nil {
			return err
		}
		for _, id := range ids {
			index[id].Data[scope] = batch[id]
		}
		return nil
	}

	if err := join(scope, unranked); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	for _, extra := range extraScopes {
		if err := join(extra, ids); err != nil {
			return nil, err
		}
	}

	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out, nil
}

func (c *Coordinator) requestSnapshot(ctx context.Context, n *Node, f *protocol.Frame) (protocol.Message, error) {
	var p protocol.RequestSnapshot
	if err := decode(f, &p); err != nil {
		return protocol.Message{}, err
	}
	if p.ID == "" {
		return protocol.Message{}, protocol.Severef("No id provided")
	}
	scopes := make([]string, 0, len(p.Scopes))
	for _, raw := range p.Scopes {
		id := storage.NormalizeScope(raw)
		if err := c.readable(n, id); err != nil {
			return protocol.Message{}, err
		}
		scopes = append(scopes, id)
	}

	glog.V(1).Infof("%s: snapshot of %s in %v", n, p.ID, scopes)
	dao := c.cache.Get(p.ID)
	var data map[string]json.RawMessage
	var err error
	c.suspend(func() { data, err = dao.Data(ctx, scopes) })
	if err != nil {
		glog.Errorf("%s: snapshot of %s: %v", n, p.ID, err)
		return protocol.Message{}, protocol.Severef("Database error")
	}
	return protocol.Message{Kind: protocol.KindSnapshotData, Payload: protocol.SnapshotData{Stats: data}}, nil
}

// readable checks that scope exists and n's account may read it.
func (c *Coordinator) readable(n *Node, scope string) error {
	if _, ok := c.store.Scope(scope); !ok {
		return protocol.Fatalf("Scope %s doesn't exist", scope)
	}
	acc, ok := c.store.Account(n.Account())
	if !ok || !acc.Allows(scope) {
		return protocol.Fatalf("Account %s doesn't have access to the scope %s", n.Account(), scope)
	}
	return nil
}
