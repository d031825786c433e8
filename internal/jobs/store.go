// Package jobs promotes prompts that outgrow the synchronous budget into
// cancellable, listable background jobs that survive restarts.
package jobs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quailyquaily/morphlink/internal/fsstore"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

type Job struct {
	ID                  string `json:"id"`
	UpdateID            int64  `json:"update_id,omitempty"`
	ChatID              int64  `json:"chat_id"`
	UserID              int64  `json:"user_id,omitempty"`
	MessageID           int64  `json:"message_id,omitempty"`
	SessionKey          string `json:"session_key,omitempty"`
	SessionFile         string `json:"session_file,omitempty"`
	PromptText          string `json:"prompt_text,omitempty"`
	CreatedAtMs         int64  `json:"created_at_ms"`
	StartedAtMs         int64  `json:"started_at_ms,omitempty"`
	FinishedAtMs        int64  `json:"finished_at_ms,omitempty"`
	Status              Status `json:"status"`
	CancelRequestedAtMs int64  `json:"cancel_requested_at_ms,omitempty"`
	Error               string `json:"error,omitempty"`
}

// Store is the persisted job table. Every mutation writes the whole table
// atomically; loads are lenient like every other worker state file.
type Store struct {
	path string

	mu   sync.Mutex
	jobs map[string]Job
}

func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, jobs: make(map[string]Job)}
	var loaded []Job
	found, _ := fsstore.ReadJSONLenient(path, &loaded)
	if found {
		for _, job := range loaded {
			if job.ID == "" {
				continue
			}
			s.jobs[job.ID] = job
		}
	}
	return s, nil
}

func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

// Put upserts one job and persists the table.
func (s *Store) Put(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("jobs: job has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return s.persistLocked()
}

// List returns jobs newest first.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs > out[j].CreatedAtMs })
	return out
}

func (s *Store) persistLocked() error {
	list := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		list = append(list, job)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAtMs < list[j].CreatedAtMs })
	if err := fsstore.WriteJSONAtomic(s.path, list); err != nil {
		return fmt.Errorf("jobs persist: %w", err)
	}
	return nil
}
