package worker

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/quailyquaily/morphlink/internal/fsstore"
)

// sessionMap binds a chat's session key to the transcript file its agent
// child uses. Persisted so that restarts keep every conversation on its
// existing transcript; /new swaps in a fresh file.
type sessionMap struct {
	path string
	dir  string

	mu sync.Mutex
	m  map[string]string
}

func openSessionMap(path, sessionsDir string, logger *slog.Logger) (*sessionMap, error) {
	if err := fsstore.EnsureDir(sessionsDir, 0o700); err != nil {
		return nil, fmt.Errorf("sessions dir: %w", err)
	}
	s := &sessionMap{path: path, dir: sessionsDir, m: make(map[string]string)}
	found, warn := fsstore.ReadJSONLenient(path, &s.m)
	if warn != nil && logger != nil {
		logger.Debug("session_map_unreadable", "path", path, "error", warn)
	}
	if !found || s.m == nil {
		s.m = make(map[string]string)
	}
	return s, nil
}

// File returns the session file for key, minting one on first use.
func (s *sessionMap) File(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if file, ok := s.m[key]; ok && strings.TrimSpace(file) != "" {
		return file, nil
	}
	return s.assignLocked(key)
}

// Reset discards the key's binding and mints a fresh session file. The old
// transcript is left on disk for the operator to inspect.
func (s *sessionMap) Reset(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignLocked(key)
}

func (s *sessionMap) assignLocked(key string) (string, error) {
	file := filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", sanitizeSessionKey(key), uuid.NewString()[:8]))
	s.m[key] = file
	if err := fsstore.WriteJSONAtomic(s.path, s.m); err != nil {
		return "", fmt.Errorf("session map save: %w", err)
	}
	return file, nil
}

func sanitizeSessionKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
