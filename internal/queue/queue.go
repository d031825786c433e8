package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/quailyquaily/morphlink/internal/fsstore"
)

// store is the shared persistence shape behind both queues: load on open,
// persist on every mutation, lenient decode. Safe for concurrent use:
// background job completions append and flush from their own goroutines.
type store[T any] struct {
	path string

	mu    sync.Mutex
	items []T
}

func openStore[T any](path string, logger *slog.Logger) (*store[T], error) {
	s := &store[T]{path: path}
	var items []T
	found, warn := fsstore.ReadJSONLenient(path, &items)
	if warn != nil && logger != nil {
		logger.Warn("queue_load_corrupt", "path", path, "error", warn.Error())
	}
	if found {
		s.items = items
	}
	return s, nil
}

func (s *store[T]) append(item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return s.persistLocked()
}

func (s *store[T]) replace(items []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]T(nil), items...)
	return s.persistLocked()
}

func (s *store[T]) persistLocked() error {
	items := s.items
	if items == nil {
		items = []T{}
	}
	if err := fsstore.WriteJSONAtomic(s.path, items); err != nil {
		return fmt.Errorf("queue persist %s: %w", s.path, err)
	}
	return nil
}

func (s *store[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.items...)
}

func (s *store[T]) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Inbound is the durable queue of received, unprocessed envelopes. An
// envelope is appended and persisted before the update offset advances,
// so updates are never lost even if the process dies mid-drain.
type Inbound struct {
	s *store[InboundEnvelope]
}

func OpenInbound(path string, logger *slog.Logger) (*Inbound, error) {
	s, err := openStore[InboundEnvelope](path, logger)
	if err != nil {
		return nil, err
	}
	return &Inbound{s: s}, nil
}

func (q *Inbound) Append(env InboundEnvelope) error { return q.s.append(env) }
func (q *Inbound) Items() []InboundEnvelope         { return q.s.snapshot() }
func (q *Inbound) Len() int                         { return q.s.size() }

// Remove drops the envelope at index and persists. Draining is FIFO, so
// callers normally remove index 0.
func (q *Inbound) Remove(index int) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()
	if index < 0 || index >= len(q.s.items) {
		return fmt.Errorf("inbound remove: index %d out of range", index)
	}
	items := append([]InboundEnvelope(nil), q.s.items[:index]...)
	items = append(items, q.s.items[index+1:]...)
	q.s.items = items
	return q.s.persistLocked()
}

// Outbound is the durable queue of ready-to-send replies.
type Outbound struct {
	s *store[OutboundEnvelope]
}

func OpenOutbound(path string, logger *slog.Logger) (*Outbound, error) {
	s, err := openStore[OutboundEnvelope](path, logger)
	if err != nil {
		return nil, err
	}
	return &Outbound{s: s}, nil
}

func (q *Outbound) Append(env OutboundEnvelope) error { return q.s.append(env) }
func (q *Outbound) Items() []OutboundEnvelope         { return q.s.snapshot() }
func (q *Outbound) Len() int                          { return q.s.size() }

// Replace rewrites the whole queue; the outbound drain uses it to retain
// retryable failures (with Attempt bumped) and drop everything else.
func (q *Outbound) Replace(items []OutboundEnvelope) error { return q.s.replace(items) }
