package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dreamware/kensuke/internal/history"
	"github.com/dreamware/kensuke/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	allowed_scopes TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS scopes (
	id TEXT PRIMARY KEY,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	scope TEXT NOT NULL,
	id TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (scope, id)
);
CREATE TABLE IF NOT EXISTS session_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	op TEXT NOT NULL,
	record TEXT
);
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time INTEGER NOT NULL,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL,
	data_id TEXT NOT NULL,
	severity INTEGER NOT NULL,
	node TEXT,
	data TEXT
);
CREATE INDEX IF NOT EXISTS history_data_id ON history (data_id);
`

// SQLiteStore is a Store backed by a single SQLite database file. Accounts
// and scopes are loaded into memory at open and written through on change.
type SQLiteStore struct {
	*directory
	db  *sql.DB
	log *SessionLog
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer keeps the session log strictly ordered
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{directory: newDirectory(), db: db}
	s.log = &SessionLog{db: db}
	if err := s.load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	accounts, scopes := s.counts()
	glog.Infof("Loaded %d accounts and %d scopes from %s", accounts, scopes, path)
	return s, nil
}

func (s *SQLiteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, password_hash, allowed_scopes FROM accounts`)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	for rows.Next() {
		var a Account
		var scopes string
		if err := rows.Scan(&a.ID, &a.PasswordHash, &scopes); err != nil {
			rows.Close()
			return fmt.Errorf("load accounts: %w", err)
		}
		if err := json.Unmarshal([]byte(scopes), &a.AllowedScopes); err != nil {
			glog.Warningf("Account %s has unreadable scopes: %v", a.ID, err)
		}
		if a.AllowedScopes == nil {
			a.AllowedScopes = []string{}
		}
		s.putAccount(a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, created_by, created_at FROM scopes`)
	if err != nil {
		return fmt.Errorf("load scopes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc Scope
		var created int64
		if err := rows.Scan(&sc.ID, &sc.CreatedBy, &created); err != nil {
			return fmt.Errorf("load scopes: %w", err)
		}
		sc.CreatedAt = time.UnixMilli(created)
		s.putScope(sc)
	}
	return rows.Err()
}

func (s *SQLiteStore) Account(id string) (Account, bool) { return s.account(id) }

func (s *SQLiteStore) Accounts() []Account { return s.allAccounts() }

func (s *SQLiteStore) Authenticate(login, password string) (Account, error) {
	return s.authenticate(login, password)
}

func (s *SQLiteStore) RegisterAccount(ctx context.Context, id, password string) (Account, error) {
	a, err := s.newAccount(id, password)
	if err != nil {
		return Account{}, err
	}
	if err := s.PutAccount(ctx, a); err != nil {
		return Account{}, err
	}
	glog.Infof("Registered account %s", id)
	return a, nil
}

// PutAccount inserts or replaces an account record as given.
func (s *SQLiteStore) PutAccount(ctx context.Context, a Account) error {
	if a.AllowedScopes == nil {
		a.AllowedScopes = []string{}
	}
	scopes, err := json.Marshal(a.AllowedScopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, password_hash, allowed_scopes) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET password_hash = excluded.password_hash, allowed_scopes = excluded.allowed_scopes`,
		a.ID, a.PasswordHash, string(scopes))
	if err != nil {
		return fmt.Errorf("write account %s: %w", a.ID, err)
	}
	s.putAccount(a)
	return nil
}

func (s *SQLiteStore) Scope(id string) (Scope, bool) { return s.scope(id) }

func (s *SQLiteStore) Scopes() []Scope { return s.allScopes() }

// RegisterScope creates scope id owned by account owner and adds it to the
// owner's allow-list, in one transaction.
func (s *SQLiteStore) RegisterScope(ctx context.Context, id, owner string) (Scope, error) {
	sc, acc, err := s.newScope(id, owner)
	if err != nil {
		return Scope{}, err
	}
	scopes, err := json.Marshal(acc.AllowedScopes)
	if err != nil {
		return Scope{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Scope{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO scopes (id, created_by, created_at) VALUES (?, ?, ?)`,
		sc.ID, sc.CreatedBy, sc.CreatedAt.UnixMilli()); err != nil {
		return Scope{}, fmt.Errorf("register scope %s: %w", sc.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET allowed_scopes = ? WHERE id = ?`,
		string(scopes), acc.ID); err != nil {
		return Scope{}, fmt.Errorf("grant scope %s: %w", sc.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return Scope{}, err
	}

	s.putAccount(acc)
	s.putScope(sc)
	glog.Infof("Registered scope %s for %s", sc.ID, owner)
	return sc, nil
}

func (s *SQLiteStore) ReadData(ctx context.Context, scope, id string) (json.RawMessage, error) {
	scope, err := s.knownScope(scope)
	if err != nil {
		return nil, err
	}
	var data string
	err = s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE scope = ? AND id = ?`, scope, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", scope, id, err)
	}
	return json.RawMessage(data), nil
}

func (s *SQLiteStore) ReadDataBatch(ctx context.Context, scope string, ids []string) (map[string]json.RawMessage, error) {
	scope, err := s.knownScope(scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, scope)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT id, data FROM documents WHERE scope = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch read %s: %w", scope, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out[id] = json.RawMessage(data)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveData(ctx context.Context, scope, id string, data json.RawMessage) error {
	scope, err := s.knownScope(scope)
	if err != nil {
		return err
	}
	doc, err := withID(id, data)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", scope, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (scope, id, data) VALUES (?, ?, ?)
		 ON CONFLICT(scope, id) DO UPDATE SET data = excluded.data`,
		scope, id, string(doc))
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", scope, id, err)
	}
	return nil
}

// Leaderboard orders documents by json_extract(data, field), highest
// first. NULLs sort last.
func (s *SQLiteStore) Leaderboard(ctx context.Context, scope, field string, limit int) ([]Entry, error) {
	scope, err := s.knownScope(scope)
	if err != nil {
		return nil, err
	}
	if !leaderboardField.MatchString(field) {
		return nil, fmt.Errorf("%w: %q", ErrBadField, field)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE scope = ?
		 ORDER BY json_extract(data, ?) IS NULL, json_extract(data, ?) DESC, id
		 LIMIT ?`,
		scope, "$."+field, "$."+field, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard %s.%s: %w", scope, field, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var data string
		if err := rows.Scan(&e.ID, &data); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SessionLog() session.Log { return s.log }

// AppendHistory writes a batch of events in one transaction.
func (s *SQLiteStore) AppendHistory(ctx context.Context, events []history.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history (time, kind, session_id, data_id, severity, node, data) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.Time.UnixMilli(), string(e.Kind), e.SessionID, e.DataID,
			int(e.Severity), e.Node, e.Data); err != nil {
			return fmt.Errorf("append history: %w", err)
		}
	}
	return tx.Commit()
}

// History returns the most recent events for dataID, newest first.
func (s *SQLiteStore) History(ctx context.Context, dataID string, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, kind, session_id, data_id, severity, node, data FROM history
		 WHERE data_id = ? ORDER BY id DESC LIMIT ?`, dataID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Event
	for rows.Next() {
		var e history.Event
		var at int64
		var kind string
		var node, data sql.NullString
		if err := rows.Scan(&at, &kind, &e.SessionID, &e.DataID, &e.Severity, &node, &data); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(at)
		e.Kind = history.Kind(kind)
		e.Node = node.String
		e.Data = data.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats counts documents and their total size.
func (s *SQLiteStore) Stats() Stats {
	accounts, scopes := s.counts()
	st := Stats{Accounts: accounts, Scopes: scopes}
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM documents`)
	if err := row.Scan(&st.Documents, &st.Bytes); err != nil {
		glog.Warningf("document stats: %v", err)
	}
	return st
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) knownScope(scope string) (string, error) {
	sc, ok := s.scope(scope)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return sc.ID, nil
}
