package storage

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

var scopeName = regexp.MustCompile(`^[A-Za-z_-]+$`)

// directory is the in-memory view of accounts and scopes shared by every
// Store implementation. Persistence is left to the caller.
type directory struct {
	mu       sync.RWMutex
	accounts map[string]Account
	scopes   map[string]Scope
}

func newDirectory() *directory {
	return &directory{
		accounts: make(map[string]Account),
		scopes:   make(map[string]Scope),
	}
}

func (d *directory) account(id string) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[id]
	return a.clone(), ok
}

func (d *directory) allAccounts() []Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Account, 0, len(d.accounts))
	for _, a := range d.accounts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *directory) putAccount(a Account) {
	for i, s := range a.AllowedScopes {
		a.AllowedScopes[i] = NormalizeScope(s)
	}
	d.mu.Lock()
	d.accounts[a.ID] = a.clone()
	d.mu.Unlock()
}

func (d *directory) authenticate(login, password string) (Account, error) {
	a, ok := d.account(login)
	if !ok || !VerifyPassword(a.PasswordHash, password) {
		return Account{}, ErrUnknownAccount
	}
	return a, nil
}

// newAccount validates id and builds the record RegisterAccount persists.
func (d *directory) newAccount(id, password string) (Account, error) {
	if id == "" {
		return Account{}, fmt.Errorf("account id cannot be empty")
	}
	if _, ok := d.account(id); ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, id)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, err
	}
	return Account{ID: id, PasswordHash: hash, AllowedScopes: []string{}}, nil
}

func (d *directory) scope(id string) (Scope, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.scopes[NormalizeScope(id)]
	return s, ok
}

func (d *directory) allScopes() []Scope {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Scope, 0, len(d.scopes))
	for _, s := range d.scopes {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *directory) putScope(s Scope) {
	d.mu.Lock()
	d.scopes[s.ID] = s
	d.mu.Unlock()
}

// newScope validates a scope registration and returns the scope together
// with the owner account updated to allow it.
func (d *directory) newScope(id, owner string) (Scope, Account, error) {
	id = NormalizeScope(id)
	if !scopeName.MatchString(id) {
		return Scope{}, Account{}, fmt.Errorf("%w: %q", ErrMalformedScope, id)
	}
	if _, ok := d.scope(id); ok {
		return Scope{}, Account{}, fmt.Errorf("%w: %s", ErrScopeExists, id)
	}
	acc, ok := d.account(owner)
	if !ok {
		return Scope{}, Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, owner)
	}
	if !acc.Allows(id) {
		acc.AllowedScopes = append(acc.AllowedScopes, id)
	}
	return Scope{ID: id, CreatedBy: owner, CreatedAt: time.Now()}, acc, nil
}

func (d *directory) counts() (accounts, scopes int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts), len(d.scopes)
}
