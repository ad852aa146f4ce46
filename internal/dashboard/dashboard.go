// Package dashboard runs the local HTTP+WebSocket server exposing
// task and event operations to a browser UI and relaying mutation
// notifications to connected clients.
package dashboard

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"intentengine/internal/event"
	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/search"
	"intentengine/internal/store"
	"intentengine/internal/task"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
)

// Service is the Dashboard Service: an HTTP server over a single
// project's Store, plus a notify listener that relays Dashboard
// Notifier pushes to connected WebSocket clients.
type Service struct {
	st        *store.Store
	sessionID string
	tasks     *task.Manager
	events    *event.Manager
	search    *search.Engine

	bind string
	cors bool
	lock *flock.Flock

	hub *hub

	httpServer *http.Server
	notifyLn   net.Listener
}

// New builds a Service over st that will serve HTTP on bind once
// started.
func New(st *store.Store, sessionID, bind string, cors bool) *Service {
	return &Service{
		st:        st,
		sessionID: sessionID,
		tasks:     task.New(st, sessionID),
		events:    event.New(st, sessionID),
		search:    search.New(st),
		bind:      bind,
		cors:      cors,
		hub:       newHub(),
	}
}

// Start acquires the advisory lock at lockPath (reclaiming it if the
// PID that holds it is no longer alive), then begins serving HTTP on
// bind and the notify-relay listener on notifyPort.
func (s *Service) Start(lockPath string, notifyPort int) error {
	s.lock = flock.New(lockPath)
	locked, err := s.lock.TryLock()
	if err != nil {
		return ieerrors.Wrap(ieerrors.KindStoreUnavailable, "acquire dashboard lock", err)
	}
	if !locked {
		if reclaimStaleLock(lockPath) {
			locked, err = s.lock.TryLock()
		}
		if !locked {
			return ieerrors.New(ieerrors.KindLockBusy,
				"another dashboard instance already holds the lock at "+lockPath, nil)
		}
	}
	if err := os.WriteFile(lockPath+".pid", []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		logging.Dashboard("write pid file: %v", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              s.bind,
		Handler:           withCORS(mux, s.cors),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return ieerrors.Wrap(ieerrors.KindPortInUse, "bind dashboard http", err)
	}

	notifyAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(notifyPort))
	s.notifyLn, err = net.Listen("tcp", notifyAddr)
	if err != nil {
		ln.Close()
		return ieerrors.Wrap(ieerrors.KindPortInUse, "bind notify relay", err)
	}
	go s.acceptNotifies()

	go s.hub.run()

	logging.Dashboard("listening on %s (notify relay on %s)", s.bind, notifyAddr)
	return s.httpServer.Serve(ln)
}

// Stop gracefully shuts down the HTTP server, the notify listener,
// and releases the lock file.
func (s *Service) Stop(ctx context.Context) error {
	if s.notifyLn != nil {
		s.notifyLn.Close()
	}
	s.hub.closeAll()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.lock != nil {
		s.lock.Unlock()
	}
	return err
}

// acceptNotifies accepts one-shot connections from the Dashboard
// Notifier (internal/notify), reads a single newline-delimited JSON
// payload, and relays it to every connected WebSocket client.
func (s *Service) acceptNotifies() {
	for {
		conn, err := s.notifyLn.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			dec := json.NewDecoder(conn)
			var payload json.RawMessage
			if err := dec.Decode(&payload); err != nil {
				return
			}
			s.hub.broadcast(payload)
		}()
	}
}

// reclaimStaleLock checks whether the PID recorded alongside path is
// still alive; if not, it removes the lock file so a fresh TryLock
// can succeed.
func reclaimStaleLock(path string) bool {
	pidBytes, err := os.ReadFile(path + ".pid")
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(pidBytes))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// On Unix, FindProcess always succeeds; signal 0 is the standard
	// liveness probe that sends nothing but reports ESRCH if the pid
	// is gone.
	if sigErr := proc.Signal(syscall.Signal(0)); sigErr != nil {
		logging.Dashboard("reclaiming stale dashboard lock held by dead pid %d", pid)
		os.Remove(path)
		os.Remove(path + ".pid")
		return true
	}
	return false
}

func withCORS(next http.Handler, enabled bool) http.Handler {
	if !enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// newClientID synthesizes a WebSocket client identifier for the hub's
// `init` handshake message.
func newClientID() string {
	return uuid.NewString()
}
