// Package project locates the per-project state folder, lazily
// initializes it on first write, and opens the Store that backs every
// other component.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"intentengine/internal/ieconfig"
	"intentengine/internal/ieerrors"
	"intentengine/internal/logging"
	"intentengine/internal/store"
)

// dbFileName is the SQLite file inside the state folder.
const dbFileName = "intent.db"

// Context bundles everything a command needs once the project root has
// been resolved: the open Store, the loaded Config, the state folder
// path, and a session ID for event attribution.
type Context struct {
	Root      string
	StateDir  string
	Store     *store.Store
	Config    *ieconfig.Config
	SessionID string
}

// Close releases the underlying Store connection.
func (c *Context) Close() error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// Open resolves the project root by walking upward from cwd looking
// for ieconfig.StateFolderName. If allowInit is true and no state
// folder is found, one is created at cwd itself (lazy init on first
// write command). If allowInit is false and no state
// folder is found anywhere up to the filesystem root, Open returns a
// KindNotAProject error.
func Open(cwd string, allowInit bool) (*Context, error) {
	root, found, err := findRoot(cwd)
	if err != nil {
		return nil, err
	}

	if !found {
		if !allowInit {
			return nil, ieerrors.New(ieerrors.KindNotAProject,
				"no "+ieconfig.StateFolderName+" folder found above "+cwd+
					"; run a write command (e.g. `ie task add`) here to initialize one", nil)
		}
		root = cwd
	}

	stateDir := filepath.Join(root, ieconfig.StateFolderName)

	if !found {
		if err := initStateDir(stateDir); err != nil {
			return nil, err
		}
		logging.Project("initialized new project at %s", root)
	}

	cfg, err := ieconfig.Load(stateDir)
	if err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindCorruptState, "load config", err)
	}

	if err := logging.Initialize(stateDir, cfg.Logging.RetentionDays, cfg.Logging.JSONFormat); err != nil {
		return nil, ieerrors.Wrap(ieerrors.KindStoreUnavailable, "initialize logging", err)
	}

	st, err := store.Open(filepath.Join(stateDir, dbFileName))
	if err != nil {
		return nil, err
	}

	sessionID := ieconfig.SessionID()
	if sessionID == "" {
		sessionID = "unattributed"
	}

	return &Context{
		Root:      root,
		StateDir:  stateDir,
		Store:     st,
		Config:    cfg,
		SessionID: sessionID,
	}, nil
}

// findRoot walks upward from start looking for a state folder,
// stopping at the filesystem root. It never crosses a permission
// error silently: an unreadable directory along the way is reported
// as KindPermissionDenied rather than treated as "not found".
func findRoot(start string) (root string, found bool, err error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", false, fmt.Errorf("resolving %s: %w", start, err)
	}

	dir := abs
	for {
		candidate := filepath.Join(dir, ieconfig.StateFolderName)
		info, statErr := os.Stat(candidate)
		switch {
		case statErr == nil && info.IsDir():
			return dir, true, nil
		case statErr != nil && !os.IsNotExist(statErr):
			return "", false, ieerrors.Wrap(ieerrors.KindPermissionDenied,
				"checking "+candidate, statErr)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

func initStateDir(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return ieerrors.Wrap(ieerrors.KindPermissionDenied, "create "+stateDir, err)
	}
	cfg := ieconfig.Default()
	if err := cfg.Save(stateDir); err != nil {
		return ieerrors.Wrap(ieerrors.KindPermissionDenied, "write config", err)
	}
	return nil
}

// EnsureSessionID synthesizes a random session ID and exports it into
// the process environment when IE_SESSION_ID is unset, so that every
// event recorded by this process shares one session attribution even
// across multiple project.Open calls (e.g. a long-running dashboard).
func EnsureSessionID(generate func() string) string {
	if existing := ieconfig.SessionID(); existing != "" {
		return existing
	}
	id := generate()
	os.Setenv("IE_SESSION_ID", id)
	return id
}

