package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dreamware/kensuke/internal/session"
)

const (
	opPut    = "put"
	opDelete = "del"
)

// SessionLog is the append-only session_log table. Each registry mutation
// adds a row; replay applies rows in seq order.
type SessionLog struct {
	db *sql.DB
}

func (l *SessionLog) Load(ctx context.Context) ([]session.StoredSession, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT session_id, op, record FROM session_log ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	live := make(map[string]session.StoredSession)
	var order []string
	for rows.Next() {
		var id, op string
		var record sql.NullString
		if err := rows.Scan(&id, &op, &record); err != nil {
			return nil, err
		}
		switch op {
		case opPut:
			var s session.StoredSession
			if err := json.Unmarshal([]byte(record.String), &s); err != nil {
				return nil, fmt.Errorf("session %s: %w", id, err)
			}
			if _, ok := live[id]; !ok {
				order = append(order, id)
			}
			live[id] = s
		case opDelete:
			delete(live, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]session.StoredSession, 0, len(live))
	for _, id := range order {
		if s, ok := live[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (l *SessionLog) Put(ctx context.Context, s session.StoredSession) error {
	record, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO session_log (session_id, op, record) VALUES (?, ?, ?)`,
		s.SessionID, opPut, string(record))
	return err
}

func (l *SessionLog) Delete(ctx context.Context, sessionID string) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO session_log (session_id, op) VALUES (?, ?)`,
		sessionID, opDelete)
	return err
}

// Compact rewrites the log as one put per live session.
func (l *SessionLog) Compact(ctx context.Context, live []session.StoredSession) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_log`); err != nil {
		return err
	}
	for _, s := range live {
		record, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_log (session_id, op, record) VALUES (?, ?, ?)`,
			s.SessionID, opPut, string(record)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
