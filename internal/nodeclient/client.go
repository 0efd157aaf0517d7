// Package nodeclient is the game-server side of the coordinator protocol.
// It keeps one websocket open, answers requestSync pushes and exposes the
// node operations as blocking calls.
package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/dreamware/kensuke/internal/protocol"
	"github.com/dreamware/kensuke/internal/talk"
)

const writeTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	Login    string
	Password string
	NodeName string
	Version  int           // protocol version declared at auth, 0 or 1
	Timeout  time.Duration // reply timeout, talk.DefaultTimeout if zero

	// ActiveSessions are sessions held from an earlier connection. They are
	// reported at auth so the coordinator hands them back.
	ActiveSessions []string

	// OnRequestSync returns the latest data of a session the coordinator
	// wants flushed before the player moves. A nil callback answers with an
	// empty syncData.
	OnRequestSync func(sessionID string) (protocol.Stats, error)

	// OnEndSession is called when the coordinator ends a session this node
	// still holds.
	OnEndSession func(sessionID string)
}

// Client is one authenticated node connection.
type Client struct {
	opts    Options
	ws      *websocket.Conn
	talker  *talk.Talker
	version protocol.Version

	wmu sync.Mutex

	mu       sync.Mutex
	sessions map[string]struct{}

	keepAlives atomic.Int64

	done chan struct{}
	err  error
}

// Dial connects to the coordinator at url and authenticates.
//
// Example:
//
//	c, err := nodeclient.Dial(ctx, "ws://localhost:8999", nodeclient.Options{
//	    Login: "lobby", Password: "secret", NodeName: "lobby-1", Version: 1,
//	})
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := newClient(ws, opts)
	if err := c.Auth(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(ws *websocket.Conn, opts Options) *Client {
	c := &Client{
		opts:     opts,
		ws:       ws,
		version:  protocol.VersionOf(opts.Version),
		sessions: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, id := range opts.ActiveSessions {
		c.sessions[id] = struct{}{}
	}
	c.talker = talk.NewClient(c, opts.Timeout)
	go c.readLoop()
	return c
}

// WriteMessage sends one text frame. It implements talk.Writer.
func (c *Client) WriteMessage(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection and fails pending calls.
func (c *Client) Close() error {
	c.talker.Close()
	return c.ws.Close()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// KeepAlives returns how many keepAlive pushes have arrived.
func (c *Client) KeepAlives() int64 { return c.keepAlives.Load() }

// Sessions returns the ids of sessions this node holds.
func (c *Client) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) track(sessionID string, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held {
		c.sessions[sessionID] = struct{}{}
	} else {
		delete(c.sessions, sessionID)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.talker.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			glog.Warningf("[nodeclient] dropping frame: %v", err)
			continue
		}
		if c.talker.Accept(f) {
			continue
		}
		switch f.Kind() {
		case protocol.KindKeepAlive:
			c.keepAlives.Add(1)
		case protocol.KindRequestSync:
			go c.answerRequestSync(f)
		case protocol.KindEndSession:
			var p protocol.EndSession
			if f.Unmarshal(&p) == nil {
				c.track(p.Session, false)
				if c.opts.OnEndSession != nil {
					c.opts.OnEndSession(p.Session)
				}
			}
		case protocol.KindError:
			glog.Warningf("[nodeclient] coordinator error: %v", f.Err())
		default:
			glog.V(1).Infof("[nodeclient] ignoring %s", f.Kind())
		}
	}
}

// answerRequestSync replies on the request's own talk id with the session's
// latest data, then forgets the session.
func (c *Client) answerRequestSync(f *protocol.Frame) {
	var p protocol.RequestSync
	if err := f.Unmarshal(&p); err != nil {
		c.talker.Reply(c.version, f.TalkID(), protocol.Severef("Malformed requestSync packet").Reply())
		return
	}

	stats := protocol.Stats{}
	if c.opts.OnRequestSync != nil {
		var err error
		if stats, err = c.opts.OnRequestSync(p.Session); err != nil {
			var pe *protocol.Error
			if !errors.As(err, &pe) {
				pe = protocol.Severef("%v", err)
			}
			c.talker.Reply(c.version, f.TalkID(), pe.Reply())
			return
		}
	}

	msg := protocol.Message{Kind: protocol.KindSyncData, Payload: protocol.SyncData{Session: p.Session, Stats: stats}}
	if err := c.talker.Reply(c.version, f.TalkID(), msg); err != nil {
		glog.Warningf("[nodeclient] answering requestSync for %s: %v", p.Session, err)
		return
	}
	c.track(p.Session, false)
}

// call sends a correlated request and returns the reply. Error replies come
// back as *protocol.Error on both protocol versions.
func (c *Client) call(ctx context.Context, kind protocol.Kind, payload any) (*protocol.Frame, error) {
	f, err := c.talker.SendAndAwait(ctx, c.version, protocol.Message{Kind: kind, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := f.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Client) expect(f *protocol.Frame, kind protocol.Kind, v any) error {
	if f.Kind() != kind {
		return fmt.Errorf("unexpected %s reply, want %s", f.Kind(), kind)
	}
	if v == nil {
		return nil
	}
	return f.Unmarshal(v)
}

// Auth authenticates the connection and reports the held sessions so the
// coordinator can hand them back.
func (c *Client) Auth(ctx context.Context) error {
	f, err := c.call(ctx, protocol.KindAuth, protocol.Auth{
		Login:          c.opts.Login,
		Password:       c.opts.Password,
		NodeName:       c.opts.NodeName,
		Version:        c.opts.Version,
		ActiveSessions: c.Sessions(),
	})
	if err != nil {
		return err
	}
	return c.expect(f, protocol.KindOk, nil)
}

func (c *Client) UseScopes(ctx context.Context, scopes ...string) error {
	f, err := c.call(ctx, protocol.KindUseScopes, protocol.UseScopes{Scopes: scopes})
	if err != nil {
		return err
	}
	return c.expect(f, protocol.KindOk, nil)
}

// CreateSession takes over playerID and returns its data for every locked
// scope.
func (c *Client) CreateSession(ctx context.Context, playerID, sessionID, realm string, scopes ...string) (protocol.Stats, error) {
	f, err := c.call(ctx, protocol.KindCreateSession, protocol.CreateSession{
		PlayerID: playerID,
		Session:  sessionID,
		Realm:    realm,
		Scopes:   scopes,
	})
	if err != nil {
		return nil, err
	}
	var p protocol.SyncData
	if err := c.expect(f, protocol.KindSyncData, &p); err != nil {
		return nil, err
	}
	c.track(sessionID, true)
	return p.Stats, nil
}

func (c *Client) SyncData(ctx context.Context, sessionID string, stats protocol.Stats) error {
	f, err := c.call(ctx, protocol.KindSyncData, protocol.SyncData{Session: sessionID, Stats: stats})
	if err != nil {
		return err
	}
	return c.expect(f, protocol.KindOk, nil)
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	f, err := c.call(ctx, protocol.KindEndSession, protocol.EndSession{Session: sessionID})
	if err != nil {
		return err
	}
	c.track(sessionID, false)
	return c.expect(f, protocol.KindOk, nil)
}

// Leaderboard returns the raw entries: scope documents on version 0,
// LeaderboardEntry objects on version 1.
func (c *Client) Leaderboard(ctx context.Context, req protocol.RequestLeaderboard) ([]json.RawMessage, error) {
	f, err := c.call(ctx, protocol.KindRequestLeaderboard, req)
	if err != nil {
		return nil, err
	}
	var p struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := c.expect(f, protocol.KindLeaderboardState, &p); err != nil {
		return nil, err
	}
	return p.Entries, nil
}

func (c *Client) Snapshot(ctx context.Context, id string, scopes ...string) (protocol.Stats, error) {
	f, err := c.call(ctx, protocol.KindRequestSnapshot, protocol.RequestSnapshot{ID: id, Scopes: scopes})
	if err != nil {
		return nil, err
	}
	var p protocol.SnapshotData
	if err := c.expect(f, protocol.KindSnapshotData, &p); err != nil {
		return nil, err
	}
	return p.Stats, nil
}
