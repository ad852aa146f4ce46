// Package search runs full-text queries over task names/specs and
// event bodies, against the FTS5 indexes the store's triggers keep in
// sync with the base tables.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"intentengine/internal/event"
	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/store"
	"intentengine/internal/task"
)

// HitKind distinguishes a task hit from an event hit in search results.
type HitKind string

const (
	HitTask  HitKind = "task"
	HitEvent HitKind = "event"
)

// Hit is one search result. Task hits carry the matched task and which
// field (name or spec) matched; event hits carry the matched event and
// the owning task's ancestry from root to leaf. Snippets wrap matched
// terms in ** markers.
type Hit struct {
	Kind       HitKind      `json:"kind"`
	Task       *task.Task   `json:"task,omitempty"`
	Event      *event.Event `json:"event,omitempty"`
	Snippet    string       `json:"match_snippet"`
	MatchField string       `json:"match_field,omitempty"`
	TaskChain  []int64      `json:"task_chain,omitempty"`
}

// Engine runs queries against an open Store.
type Engine struct {
	st     *store.Store
	tasks  *task.Manager
	events *event.Manager
}

// New builds an Engine bound to st.
func New(st *store.Store) *Engine {
	return &Engine{st: st, tasks: task.New(st, ""), events: event.New(st, "")}
}

// Params narrows a Query call.
type Params struct {
	IncludeTasks  bool
	IncludeEvents bool
	Limit         int
}

// DefaultParams returns include_tasks=true, include_events=true,
// limit=20.
func DefaultParams() Params {
	return Params{IncludeTasks: true, IncludeEvents: true, Limit: 20}
}

// rankedHit pairs a Hit with its bm25 rank (lower is more relevant)
// and source timestamp so task and event results can be merged into
// one relevance order before the global limit applies.
type rankedHit struct {
	hit  *Hit
	rank float64
	at   time.Time
}

// Query runs query against the task and/or event indexes. Results from
// both kinds are merged by relevance (bm25 ascending, i.e. best
// first), ties broken newest first, and the limit applies globally
// across kinds rather than per kind.
func (e *Engine) Query(ctx context.Context, query string, params Params) ([]*Hit, error) {
	timer := logging.StartTimer(logging.CategorySearch, "Query")
	defer timer.Stop()

	if params.Limit <= 0 {
		params.Limit = 20
	}
	if !params.IncludeTasks && !params.IncludeEvents {
		params.IncludeTasks, params.IncludeEvents = true, true
	}
	ftsQuery, err := Translate(query)
	if err != nil {
		return nil, err
	}

	var ranked []rankedHit
	if params.IncludeTasks {
		taskHits, err := e.queryTasks(ctx, ftsQuery, params.Limit)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, taskHits...)
	}
	if params.IncludeEvents {
		eventHits, err := e.queryEvents(ctx, ftsQuery, params.Limit)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, eventHits...)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].rank != ranked[j].rank {
			return ranked[i].rank < ranked[j].rank
		}
		return ranked[i].at.After(ranked[j].at)
	})
	if len(ranked) > params.Limit {
		ranked = ranked[:params.Limit]
	}

	hits := make([]*Hit, len(ranked))
	for i, r := range ranked {
		hits[i] = r.hit
	}
	logging.Search("query %q -> %d hits", query, len(hits))
	return hits, nil
}

// Rebuild repopulates both FTS indexes from their content tables, for
// recovery after an index/base mismatch.
func (e *Engine) Rebuild(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategorySearch, "Rebuild")
	defer timer.Stop()

	return e.st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"task_fts", "event_fts"} {
			stmt := fmt.Sprintf("INSERT INTO %s(%s) VALUES('rebuild')", table, table)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return ieerrors.Wrap(ieerrors.KindCorruptState, "rebuild "+table, err)
			}
		}
		logging.Search("search indexes rebuilt")
		return nil
	})
}

func (e *Engine) queryTasks(ctx context.Context, ftsQuery string, limit int) ([]rankedHit, error) {
	rows, err := e.st.DB().QueryContext(ctx, `
		SELECT t.id,
			snippet(task_fts, 0, '**', '**', '...', 10),
			snippet(task_fts, 1, '**', '**', '...', 10),
			bm25(task_fts)
		FROM task_fts JOIN tasks t ON t.id = task_fts.rowid
		WHERE task_fts MATCH ?
		ORDER BY bm25(task_fts)
		LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, classifyFTSError(err)
	}
	defer rows.Close()

	type rawHit struct {
		id                       int64
		nameSnippet, specSnippet string
		rank                     float64
	}
	var raw []rawHit
	for rows.Next() {
		var r rawHit
		if err := rows.Scan(&r.id, &r.nameSnippet, &r.specSnippet, &r.rank); err != nil {
			return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "scan task hit", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var hits []rankedHit
	for _, r := range raw {
		t, err := e.tasks.Get(ctx, r.id)
		if err != nil {
			return nil, err
		}
		h := &Hit{Kind: HitTask, Task: t}
		// A column snippet contains the ** markers only when the match
		// fell inside it; prefer name when both did (e.g. a shared token).
		if strings.Contains(r.nameSnippet, "**") {
			h.Snippet = r.nameSnippet
			h.MatchField = "name"
		} else {
			h.Snippet = r.specSnippet
			h.MatchField = "spec"
		}
		hits = append(hits, rankedHit{hit: h, rank: r.rank, at: t.CreatedAt})
	}
	return hits, nil
}

func (e *Engine) queryEvents(ctx context.Context, ftsQuery string, limit int) ([]rankedHit, error) {
	rows, err := e.st.DB().QueryContext(ctx, `
		SELECT ev.id, snippet(event_fts, 0, '**', '**', '...', 10), bm25(event_fts)
		FROM event_fts JOIN events ev ON ev.id = event_fts.rowid
		WHERE event_fts MATCH ?
		ORDER BY bm25(event_fts)
		LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, classifyFTSError(err)
	}
	defer rows.Close()

	type rawHit struct {
		id      int64
		snippet string
		rank    float64
	}
	var raw []rawHit
	for rows.Next() {
		var r rawHit
		if err := rows.Scan(&r.id, &r.snippet, &r.rank); err != nil {
			return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "scan event hit", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var hits []rankedHit
	for _, r := range raw {
		ev, err := e.events.Get(ctx, r.id)
		if err != nil {
			return nil, err
		}
		chain, err := taskChain(ctx, e.st.DB(), ev.TaskID)
		if err != nil {
			return nil, err
		}
		h := &Hit{Kind: HitEvent, Event: ev, Snippet: r.snippet, TaskChain: chain}
		hits = append(hits, rankedHit{hit: h, rank: r.rank, at: ev.CreatedAt})
	}
	return hits, nil
}

// taskChain walks parent_id upward from taskID and returns the chain
// in root-to-leaf order.
func taskChain(ctx context.Context, db *sql.DB, taskID int64) ([]int64, error) {
	chain := []int64{taskID}
	cur := taskID
	for {
		var parent sql.NullInt64
		err := db.QueryRowContext(ctx, "SELECT parent_id FROM tasks WHERE id = ?", cur).Scan(&parent)
		if err != nil || !parent.Valid {
			break
		}
		chain = append(chain, parent.Int64)
		cur = parent.Int64
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func classifyFTSError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "fts5") || strings.Contains(msg, "syntax error") {
		return ieerrors.New(ieerrors.KindInvalidArgument, fmt.Sprintf("invalid search query: %v", err), nil)
	}
	return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "search query", err)
}
