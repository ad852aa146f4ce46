package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"intentengine/internal/dependency"
	"intentengine/internal/event"
	"intentengine/internal/ieerrors"
	"intentengine/internal/planner"
	"intentengine/internal/search"
	"intentengine/internal/task"
)

// envelope is the response shape every REST endpoint uses:
// `{data: ...}` on success, `{code, message, details?}` on failure.
type envelope struct {
	Data any `json:"data,omitempty"`
}

type errEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Service) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/plan", s.handlePlan)
	mux.HandleFunc("/api/current", s.handleCurrent)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{"status": "ok"})
	})
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := task.ListFilter{}
		if st := r.URL.Query().Get("status"); st != "" {
			status := task.Status(st)
			filter.Status = &status
		}
		tasks, err := s.tasks.List(r.Context(), filter)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeData(w, http.StatusOK, tasks)

	case http.MethodPost:
		var in task.CreateInput
		if !decodeBody(w, r, &in) {
			return
		}
		t, err := s.tasks.Create(r.Context(), in)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.hub.broadcastJSON(newWSMessage("task_created", t))
		writeData(w, http.StatusCreated, t)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	idStr, action, _ := strings.Cut(idStr, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeErr(w, ieerrors.New(ieerrors.KindInvalidArgument, "invalid task id", nil))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		withCtx := r.URL.Query().Get("with_context") == "true"
		if withCtx {
			t, ctxData, err := s.tasks.GetWithContext(r.Context(), id)
			if err != nil {
				writeErr(w, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"task": t, "context": ctxData})
			return
		}
		t, err := s.tasks.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeData(w, http.StatusOK, t)

	case action == "" && r.Method == http.MethodPatch:
		var in task.UpdateInput
		if !decodeBody(w, r, &in) {
			return
		}
		t, err := s.tasks.Update(r.Context(), id, in)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.hub.broadcastJSON(newWSMessage("task_updated", t))
		writeData(w, http.StatusOK, t)

	case action == "" && r.Method == http.MethodDelete:
		cascade := r.URL.Query().Get("cascade") == "true"
		if err := s.tasks.Delete(r.Context(), id, cascade); err != nil {
			writeErr(w, err)
			return
		}
		s.hub.broadcastJSON(newWSMessage("task_deleted", map[string]int64{"id": id}))
		writeData(w, http.StatusOK, map[string]any{"deleted": id})

	case action == "start" && r.Method == http.MethodPost:
		t, err := s.tasks.Start(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.hub.broadcastJSON(newWSMessage("task_focused", t))
		writeData(w, http.StatusOK, t)

	case action == "depends-on" && r.Method == http.MethodPost:
		var body struct {
			BlockingID int64 `json:"blocking_id"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		if err := s.addDependency(r.Context(), body.BlockingID, id); err != nil {
			writeErr(w, err)
			return
		}
		s.hub.broadcastJSON(newWSMessage("dependency_added", map[string]int64{
			"blocking_id": body.BlockingID, "blocked_id": id,
		}))
		writeData(w, http.StatusOK, map[string]any{"blocking_id": body.BlockingID, "blocked_id": id})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// addDependency wraps dependency.AddEdgeTx in its own transaction for
// the REST surface, which has no other mutation to batch it with.
func (s *Service) addDependency(ctx context.Context, blockingID, blockedID int64) error {
	return s.st.WithTx(ctx, func(tx *sql.Tx) error {
		return dependency.AddEdgeTx(ctx, tx, blockingID, blockedID)
	})
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var taskID *int64
		if v := r.URL.Query().Get("task_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeErr(w, ieerrors.New(ieerrors.KindInvalidArgument, "invalid task_id", nil))
				return
			}
			taskID = &id
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		since, err := event.ParseSinceDuration(r.URL.Query().Get("since"))
		if err != nil {
			writeErr(w, err)
			return
		}
		events, err := s.events.List(r.Context(), taskID, since, limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeData(w, http.StatusOK, events)

	case http.MethodPost:
		var body struct {
			TaskID *int64     `json:"task_id"`
			Type   event.Type `json:"type"`
			Body   string     `json:"body"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		ev, err := s.events.Add(r.Context(), body.TaskID, body.Type, body.Body)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.hub.broadcastJSON(newWSMessage("event_added", ev))
		writeData(w, http.StatusCreated, ev)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	params := search.DefaultParams()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := r.URL.Query().Get("include_tasks"); v != "" {
		params.IncludeTasks = v == "true"
	}
	if v := r.URL.Query().Get("include_events"); v != "" {
		params.IncludeEvents = v == "true"
	}
	hits, err := s.search.Query(r.Context(), q, params)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, hits)
}

func (s *Service) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var plan planner.Plan
	if !decodeBody(w, r, &plan) {
		return
	}
	result, err := planner.Apply(r.Context(), s.st, s.sessionID, plan)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.hub.broadcastJSON(newWSMessage("plan_applied", result))
	writeData(w, http.StatusOK, result)
}

func (s *Service) handleCurrent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t, err := s.tasks.Focus(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeData(w, http.StatusOK, t)
	case http.MethodPost:
		var body struct {
			ID int64 `json:"id"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		t, err := s.tasks.Switch(r.Context(), body.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.hub.broadcastJSON(newWSMessage("task_focused", t))
		writeData(w, http.StatusOK, t)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		writeErr(w, ieerrors.New(ieerrors.KindInvalidArgument, "missing request body", nil))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, ieerrors.New(ieerrors.KindInvalidArgument, "invalid JSON body: "+err.Error(), nil))
		return false
	}
	return true
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeErr(w http.ResponseWriter, err error) {
	kind := ieerrors.KindStoreUnavailable
	details := map[string]any(nil)
	if e, ok := ieerrors.As(err); ok {
		kind = e.Kind
		details = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	json.NewEncoder(w).Encode(errEnvelope{Code: string(kind), Message: err.Error(), Details: details})
}
