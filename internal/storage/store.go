package storage

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/session"
)

// Sentinel errors returned by Store implementations.
var (
	ErrUnknownScope   = errors.New("unknown scope")
	ErrUnknownAccount = errors.New("unknown account")
	ErrAccountExists  = errors.New("account already exists")
	ErrScopeExists    = errors.New("scope already exists")
	ErrMalformedScope = errors.New("malformed scope name")
	ErrBadField       = errors.New("malformed leaderboard field")
)

// Account is a node login together with the scopes it may use.
type Account struct {
	ID            string   `json:"id" yaml:"id" toml:"id"`
	PasswordHash  string   `json:"passwordHash" yaml:"passwordHash" toml:"passwordHash"`
	AllowedScopes []string `json:"allowedScopes" yaml:"allowedScopes" toml:"allowedScopes"`
}

// Allows reports whether scope is on the account's allow-list.
func (a Account) Allows(scope string) bool {
	return slices.Contains(a.AllowedScopes, NormalizeScope(scope))
}

func (a Account) clone() Account {
	a.AllowedScopes = slices.Clone(a.AllowedScopes)
	return a
}

// Scope is a named partition of entity data.
type Scope struct {
	ID        string    `json:"id"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is one leaderboard row: an entity id and its document.
type Entry struct {
	ID   string
	Data json.RawMessage
}

// Stats summarises stored documents.
type Stats struct {
	Scopes    int `json:"scopes"`
	Accounts  int `json:"accounts"`
	Documents int `json:"documents"`
	Bytes     int `json:"bytes"`
}

// Store is the Data Store Adapter: accounts, scopes and one JSON document
// per (scope, entity id). ReadData returns a nil document when the entity
// has never been saved. Documents are stored with their "id" field set to
// the entity id.
type Store interface {
	Account(id string) (Account, bool)
	Accounts() []Account
	Authenticate(login, password string) (Account, error)
	RegisterAccount(ctx context.Context, id, password string) (Account, error)
	PutAccount(ctx context.Context, a Account) error

	Scope(id string) (Scope, bool)
	Scopes() []Scope
	RegisterScope(ctx context.Context, id, owner string) (Scope, error)

	ReadData(ctx context.Context, scope, id string) (json.RawMessage, error)
	ReadDataBatch(ctx context.Context, scope string, ids []string) (map[string]json.RawMessage, error)
	SaveData(ctx context.Context, scope, id string, data json.RawMessage) error
	Leaderboard(ctx context.Context, scope, field string, limit int) ([]Entry, error)

	// SessionLog is the durable log behind the session registry.
	SessionLog() session.Log

	history.Sink

	Stats() Stats
	Close() error
}

// leaderboardField limits leaderboard sort keys to top-level field names.
var leaderboardField = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// NormalizeScope strips the legacy "players:" collection prefix.
func NormalizeScope(id string) string {
	return strings.TrimPrefix(id, "players:")
}

// withID returns data as an object with its "id" field set to id.
func withID(id string, data json.RawMessage) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	doc["id"] = raw
	return json.Marshal(doc)
}
