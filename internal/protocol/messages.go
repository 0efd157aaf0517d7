package protocol

import "encoding/json"

// Kind is the closed set of message types carried in a frame's "type" field.
type Kind string

const (
	KindAuth               Kind = "auth"
	KindUseScopes          Kind = "useScopes"
	KindCreateSession      Kind = "createSession"
	KindSyncData           Kind = "syncData"
	KindEndSession         Kind = "endSession"
	KindRequestSync        Kind = "requestSync"
	KindRequestLeaderboard Kind = "requestLeaderboard"
	KindRequestSnapshot    Kind = "requestSnapshot"
	KindKeepAlive          Kind = "keepAlive"

	KindOk               Kind = "ok"
	KindError            Kind = "error"
	KindLeaderboardState Kind = "leaderboardState"
	KindSnapshotData     Kind = "snapshotData"
)

var kinds = map[Kind]struct{}{
	KindAuth: {}, KindUseScopes: {}, KindCreateSession: {}, KindSyncData: {},
	KindEndSession: {}, KindRequestSync: {}, KindRequestLeaderboard: {},
	KindRequestSnapshot: {}, KindKeepAlive: {}, KindOk: {}, KindError: {},
	KindLeaderboardState: {}, KindSnapshotData: {},
}

// Known reports whether k is part of the message catalog.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// Message is an outbound (kind, payload) pair before version-specific encoding.
type Message struct {
	Kind    Kind
	Payload any
}

// Empty reports whether m carries nothing to send.
func (m Message) Empty() bool {
	return m.Kind == ""
}

// Stats maps a scope id to the entity's document in that scope. A document
// that was never written is JSON null.
type Stats map[string]json.RawMessage

type Ok struct {
	Message string `json:"message"`
}

// OK builds an "ok" reply.
func OK(message string) Message {
	return Message{Kind: KindOk, Payload: Ok{Message: message}}
}

type Auth struct {
	Login          string   `json:"login"`
	Password       string   `json:"password"`
	NodeName       string   `json:"nodeName"`
	Version        int      `json:"version"`
	ActiveSessions []string `json:"activeSessions,omitempty"`
}

type UseScopes struct {
	Scopes []string `json:"scopes"`
}

type CreateSession struct {
	PlayerID string   `json:"playerId"`
	Session  string   `json:"session"`
	Realm    string   `json:"realm"`
	Scopes   []string `json:"scopes,omitempty"`
}

type SyncData struct {
	Session string `json:"session"`
	Stats   Stats  `json:"stats"`
}

type EndSession struct {
	Session string `json:"session"`
}

type RequestSync struct {
	Session string `json:"session"`
}

type RequestLeaderboard struct {
	Scope       string   `json:"scope"`
	Field       string   `json:"field"`
	Limit       int      `json:"limit"`
	ExtraScopes []string `json:"extraScopes,omitempty"`
	ExtraIDs    []string `json:"extraIds,omitempty"`
}

// LeaderboardEntry is the per-row shape for protocol version 1 and later.
// Older nodes receive the raw scope documents instead.
type LeaderboardEntry struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
	Data     Stats  `json:"data"`
}

type LeaderboardState struct {
	Entries []any `json:"entries"`
}

type RequestSnapshot struct {
	ID     string   `json:"id"`
	Scopes []string `json:"scopes"`
}

type SnapshotData struct {
	Stats Stats `json:"stats"`
}

type KeepAlive struct{}
