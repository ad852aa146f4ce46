// Package event implements append-only event logging against tasks
// and time-windowed event queries.
package event

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/store"
)

// Type is one of the four event log types.
type Type string

const (
	TypeDecision  Type = "decision"
	TypeBlocker   Type = "blocker"
	TypeMilestone Type = "milestone"
	TypeNote      Type = "note"
)

// ValidType reports whether s names a known event type.
func ValidType(s string) bool {
	switch Type(s) {
	case TypeDecision, TypeBlocker, TypeMilestone, TypeNote:
		return true
	}
	return false
}

// Event is one immutable log entry attached to a task.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Type      Type      `json:"type"`
	Body      string    `json:"body"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager records and queries events against an open Store.
type Manager struct {
	st        *store.Store
	sessionID string
}

// New builds a Manager bound to st, attributing events it writes to
// sessionID when the caller doesn't override it.
func New(st *store.Store, sessionID string) *Manager {
	return &Manager{st: st, sessionID: sessionID}
}

// Add appends an event to taskID, or to the currently focused task if
// taskID is nil, failing with NoFocus if nothing is focused.
func (m *Manager) Add(ctx context.Context, taskID *int64, typ Type, body string) (*Event, error) {
	if !ValidType(string(typ)) {
		return nil, ieerrors.New(ieerrors.KindUnknownEventType, string(typ), nil)
	}

	var ev *Event
	err := m.st.WithTx(ctx, func(tx *sql.Tx) error {
		id := taskID
		if id == nil {
			focus, err := currentFocus(ctx, tx)
			if err != nil {
				return err
			}
			if focus == nil {
				return ieerrors.New(ieerrors.KindNoFocus, "no task is currently focused; pass --task-id", nil)
			}
			id = focus
		}

		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id = ?", *id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return ieerrors.New(ieerrors.KindTaskNotFound, fmt.Sprintf("task %d not found", *id), nil)
			}
			return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "check task", err)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO events (task_id, log_type, body, session_id) VALUES (?, ?, ?, ?)",
			*id, string(typ), body, m.sessionID)
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindIntegrityViolation, "insert event", err)
		}
		eventID, err := res.LastInsertId()
		if err != nil {
			return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read inserted event id", err)
		}

		ev, err = getTx(ctx, tx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Event("added %s event %d on task %d", ev.Type, ev.ID, ev.TaskID)
	return ev, nil
}

// Get loads a single event by ID.
func (m *Manager) Get(ctx context.Context, id int64) (*Event, error) {
	row := m.st.DB().QueryRowContext(ctx,
		"SELECT id, task_id, log_type, body, session_id, created_at FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ieerrors.New(ieerrors.KindTaskNotFound, fmt.Sprintf("event %d not found", id), nil)
	}
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "get event", err)
	}
	return ev, nil
}

// List returns events for taskID (or across all tasks if taskID is
// nil) within the given lookback window, newest first.
func (m *Manager) List(ctx context.Context, taskID *int64, since time.Duration, limit int) ([]*Event, error) {
	query := `SELECT id, task_id, log_type, body, session_id, created_at FROM events WHERE 1=1`
	var args []any

	if taskID != nil {
		query += " AND task_id = ?"
		args = append(args, *taskID)
	}
	if since > 0 {
		query += " AND created_at >= datetime('now', ?)"
		args = append(args, fmt.Sprintf("-%d seconds", int(since.Seconds())))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "list events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "scan event", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

var sinceDurationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseSinceDuration parses the `Ns`/`Nm`/`Nh`/`Nd` lookback syntax
// (seconds, minutes, hours, days).
func ParseSinceDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	match := sinceDurationRe.FindStringSubmatch(s)
	if match == nil {
		return 0, ieerrors.New(ieerrors.KindInvalidArgument,
			fmt.Sprintf("invalid duration %q; expected e.g. 30s, 15m, 2h, 7d", s), nil)
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, ieerrors.New(ieerrors.KindInvalidArgument, "invalid duration number", nil)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[match[2]]
	return time.Duration(n) * unit, nil
}

func currentFocus(ctx context.Context, tx *sql.Tx) (*int64, error) {
	var raw string
	err := tx.QueryRowContext(ctx, "SELECT value FROM workspace_state WHERE key = 'current_task_id'").Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "read focus", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindCorruptState, "parse focus value", err)
	}
	return &id, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func getTx(ctx context.Context, tx *sql.Tx, id int64) (*Event, error) {
	row := tx.QueryRowContext(ctx, "SELECT id, task_id, log_type, body, session_id, created_at FROM events WHERE id = ?", id)
	return scanEvent(row)
}

func scanEvent(s scanner) (*Event, error) {
	var ev Event
	var typ string
	if err := s.Scan(&ev.ID, &ev.TaskID, &typ, &ev.Body, &ev.SessionID, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Type = Type(typ)
	return &ev, nil
}
