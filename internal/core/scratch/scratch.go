// Package scratch manages per-session scratch directories used for managed
// downloads and upload staging. Each directory is exclusively owned by the
// session that created it and removed only by that session's cleanup path.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager creates and tears down scratch directories under a base path.
type Manager struct {
	base string

	mu   sync.Mutex
	dirs map[string]string // session id -> directory
}

func NewManager(base string) (*Manager, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch base %s: %w", base, err)
	}
	return &Manager{base: base, dirs: make(map[string]string)}, nil
}

// Create allocates a private directory for the session under kind (e.g.
// "downloads", "uploads"). Creating twice for the same session and kind
// returns the existing directory.
func (m *Manager) Create(sessionID, kind string) (string, error) {
	key := sessionID + "/" + kind

	m.mu.Lock()
	defer m.mu.Unlock()
	if dir, ok := m.dirs[key]; ok {
		return dir, nil
	}

	dir := filepath.Join(m.base, sessionID, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir for session %s: %w", sessionID, err)
	}
	m.dirs[key] = dir
	return dir, nil
}

// List returns the file names currently present in the session's directory.
func (m *Manager) List(sessionID, kind string) ([]string, error) {
	m.mu.Lock()
	dir, ok := m.dirs[sessionID+"/"+kind]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no %s scratch directory for session %s", kind, sessionID)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Remove deletes every scratch directory owned by the session. Removal
// failures are logged, not escalated: the session is already gone.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	var doomed []string
	for key, dir := range m.dirs {
		if filepath.Dir(key) == sessionID {
			doomed = append(doomed, dir)
			delete(m.dirs, key)
		}
	}
	m.mu.Unlock()

	if len(doomed) == 0 {
		return
	}
	root := filepath.Join(m.base, sessionID)
	if err := os.RemoveAll(root); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove scratch directory")
	}
}
