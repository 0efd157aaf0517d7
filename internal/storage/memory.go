package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/session"
)

// MemoryStore is a Store that keeps everything in process memory.
// Thread-safe: all operations are protected by a read-write mutex.
type MemoryStore struct {
	*directory

	mu      sync.RWMutex                          // Protects docs and history
	docs    map[string]map[string]json.RawMessage // scope -> entity id -> document
	history []history.Event
	log     *session.MemoryLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		directory: newDirectory(),
		docs:      make(map[string]map[string]json.RawMessage),
		log:       session.NewMemoryLog(),
	}
}

func (m *MemoryStore) Account(id string) (Account, bool) { return m.account(id) }

func (m *MemoryStore) Accounts() []Account { return m.allAccounts() }

func (m *MemoryStore) Authenticate(login, password string) (Account, error) {
	return m.authenticate(login, password)
}

func (m *MemoryStore) RegisterAccount(ctx context.Context, id, password string) (Account, error) {
	a, err := m.newAccount(id, password)
	if err != nil {
		return Account{}, err
	}
	m.putAccount(a)
	return a, nil
}

func (m *MemoryStore) PutAccount(ctx context.Context, a Account) error {
	m.putAccount(a)
	return nil
}

func (m *MemoryStore) Scope(id string) (Scope, bool) { return m.scope(id) }

func (m *MemoryStore) Scopes() []Scope { return m.allScopes() }

func (m *MemoryStore) RegisterScope(ctx context.Context, id, owner string) (Scope, error) {
	s, acc, err := m.newScope(id, owner)
	if err != nil {
		return Scope{}, err
	}
	m.putAccount(acc)
	m.putScope(s)
	return s, nil
}

// ReadData returns a copy of the stored document, or nil if none exists.
func (m *MemoryStore) ReadData(ctx context.Context, scope, id string) (json.RawMessage, error) {
	scope, err := m.knownScope(scope)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[scope][id]
	if !ok {
		return nil, nil
	}
	return copyDoc(doc), nil
}

func (m *MemoryStore) ReadDataBatch(ctx context.Context, scope string, ids []string) (map[string]json.RawMessage, error) {
	scope, err := m.knownScope(scope)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		if doc, ok := m.docs[scope][id]; ok {
			out[id] = copyDoc(doc)
		}
	}
	return out, nil
}

// SaveData replaces the document of id in scope.
func (m *MemoryStore) SaveData(ctx context.Context, scope, id string, data json.RawMessage) error {
	scope, err := m.knownScope(scope)
	if err != nil {
		return err
	}
	doc, err := withID(id, data)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", scope, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.docs[scope] == nil {
		m.docs[scope] = make(map[string]json.RawMessage)
	}
	m.docs[scope][id] = doc
	return nil
}

// Leaderboard sorts documents by a numeric top-level field, highest first.
// Documents without a numeric value for field sort last.
func (m *MemoryStore) Leaderboard(ctx context.Context, scope, field string, limit int) ([]Entry, error) {
	scope, err := m.knownScope(scope)
	if err != nil {
		return nil, err
	}
	if !leaderboardField.MatchString(field) {
		return nil, fmt.Errorf("%w: %q", ErrBadField, field)
	}

	type ranked struct {
		entry Entry
		value float64
		ok    bool
	}

	m.mu.RLock()
	rows := make([]ranked, 0, len(m.docs[scope]))
	for id, doc := range m.docs[scope] {
		var fields map[string]json.RawMessage
		r := ranked{entry: Entry{ID: id, Data: copyDoc(doc)}}
		if json.Unmarshal(doc, &fields) == nil {
			r.ok = json.Unmarshal(fields[field], &r.value) == nil && fields[field] != nil
		}
		rows = append(rows, r)
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ok != b.ok {
			return a.ok
		}
		if a.value != b.value {
			return a.value > b.value
		}
		return a.entry.ID < b.entry.ID
	})

	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry
	}
	return out, nil
}

func (m *MemoryStore) SessionLog() session.Log { return m.log }

// AppendHistory keeps events in memory; History returns them.
func (m *MemoryStore) AppendHistory(ctx context.Context, events []history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, events...)
	return nil
}

// History returns every event appended so far.
func (m *MemoryStore) History() []history.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]history.Event(nil), m.history...)
}

// Stats returns counts and the total document size in bytes.
func (m *MemoryStore) Stats() Stats {
	accounts, scopes := m.counts()

	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Accounts: accounts, Scopes: scopes}
	for _, docs := range m.docs {
		for _, doc := range docs {
			st.Documents++
			st.Bytes += len(doc)
		}
	}
	return st
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) knownScope(scope string) (string, error) {
	s, ok := m.scope(scope)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return s.ID, nil
}

func copyDoc(doc json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(doc))
	copy(out, doc)
	return out
}
