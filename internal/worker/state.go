package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/quailyquaily/morphlink/internal/fsstore"
)

// runtimeState is the durable snapshot the worker carries across restarts:
// the Telegram update offset, the check-trigger watermark, and a little
// telemetry for /status.
type runtimeState struct {
	Offset              int64     `json:"offset"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckAt         time.Time `json:"last_check_at,omitzero"`
	LastCheckSource     string    `json:"last_check_source,omitempty"`
	LastCheckOutcome    string    `json:"last_check_outcome,omitempty"`
	TriggerWatermark    time.Time `json:"trigger_watermark,omitzero"`
	LeaderNonce         string    `json:"leader_nonce,omitempty"`
}

type stateStore struct {
	path  string
	state runtimeState
}

func openStateStore(path string, logger *slog.Logger) *stateStore {
	s := &stateStore{path: path}
	found, warn := fsstore.ReadJSONLenient(path, &s.state)
	if warn != nil && logger != nil {
		logger.Debug("worker_state_unreadable", "path", path, "error", warn)
	}
	if !found {
		s.state = runtimeState{}
	}
	return s
}

func (s *stateStore) save() error {
	if err := fsstore.WriteJSONAtomic(s.path, s.state); err != nil {
		return fmt.Errorf("worker state save: %w", err)
	}
	return nil
}
