package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	text    string
	err     error
	release chan struct{}
}

func (r *fakeRunner) RunPrompt(ctx context.Context, text string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.text, r.err
}

type recordedNotify struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordedNotify) notify(chatID, replyTo int64, text string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	n.mu.Unlock()
}

func (n *recordedNotify) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func newTestManager(t *testing.T, runner PromptRunner, cancel CancelHook) (*Manager, *recordedNotify) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "jobs.json"))
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	notify := &recordedNotify{}
	m, err := NewManager(ManagerOptions{
		Store:             store,
		Runner:            runner,
		Cancel:            cancel,
		Notify:            notify.notify,
		BackgroundTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, notify
}

func TestPromoteAcknowledgesThenCompletes(t *testing.T) {
	runner := &fakeRunner{text: "late but done"}
	m, notify := newTestManager(t, runner, nil)

	job, err := m.Promote(context.Background(), PromoteParams{
		ChatID:     42,
		PromptText: "slow question",
	})
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if job.Status != StatusRunning {
		t.Fatalf("Promote() status = %s, want running", job.Status)
	}
	msgs := notify.all()
	if len(msgs) < 1 || !strings.Contains(msgs[0], job.ID) {
		t.Fatalf("acknowledgement missing job id: %v", msgs)
	}

	m.Wait()
	if got := m.PendingBackground(); got != 0 {
		t.Fatalf("PendingBackground() = %d, want 0", got)
	}
	msgs = notify.all()
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want ack + exactly one completion", msgs)
	}
	if !strings.Contains(msgs[1], "late but done") {
		t.Fatalf("completion message = %q", msgs[1])
	}
	final, _ := m.store.Get(job.ID)
	if final.Status != StatusFinished || final.FinishedAtMs == 0 {
		t.Fatalf("final job = %+v, want finished", final)
	}
}

func TestPromoteBackgroundError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("agent fell over")}
	m, notify := newTestManager(t, runner, nil)
	job, err := m.Promote(context.Background(), PromoteParams{ChatID: 42, PromptText: "q"})
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	m.Wait()
	final, _ := m.store.Get(job.ID)
	if final.Status != StatusError || !strings.Contains(final.Error, "agent fell over") {
		t.Fatalf("final job = %+v, want error status", final)
	}
	msgs := notify.all()
	if len(msgs) != 2 || !strings.Contains(msgs[1], "failed") {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestCancelRunningJob(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{text: "never seen", release: release}
	cancelCalls := 0
	var mu sync.Mutex
	hook := func(ctx context.Context) error {
		mu.Lock()
		cancelCalls++
		mu.Unlock()
		return nil
	}
	m, notify := newTestManager(t, runner, hook)

	job, err := m.Promote(context.Background(), PromoteParams{ChatID: 42, PromptText: "q"})
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	got, err := m.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.Status != StatusCancelled || got.CancelRequestedAtMs == 0 {
		t.Fatalf("Cancel() job = %+v, want cancelled", got)
	}
	mu.Lock()
	if cancelCalls != 1 {
		mu.Unlock()
		t.Fatalf("cancel hook calls = %d, want 1", cancelCalls)
	}
	mu.Unlock()

	if !strings.Contains(FormatList(m.List(), time.Now()), string(StatusCancelled)) {
		t.Fatalf("FormatList() = %q, want cancelled entry", FormatList(m.List(), time.Now()))
	}

	// Late completion of the cancelled attempt posts nothing new.
	before := len(notify.all())
	close(release)
	m.Wait()
	if after := len(notify.all()); after != before {
		t.Fatalf("messages after late completion = %d, want %d", after, before)
	}
	final, _ := m.store.Get(job.ID)
	if final.Status != StatusCancelled {
		t.Fatalf("final status = %s, want cancelled after late completion", final.Status)
	}
}

func TestCancelUnknownAndNonRunning(t *testing.T) {
	m, _ := newTestManager(t, &fakeRunner{}, nil)
	if _, err := m.Cancel(context.Background(), "nope"); err == nil {
		t.Fatalf("Cancel(unknown) error = nil, want error")
	}
	job, err := m.Promote(context.Background(), PromoteParams{ChatID: 1, PromptText: "q"})
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	m.Wait()
	if _, err := m.Cancel(context.Background(), job.ID); err == nil {
		t.Fatalf("Cancel(finished) error = nil, want error")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	if err := store.Put(Job{ID: "abc12345", ChatID: 9, Status: StatusRunning, CreatedAtMs: 100}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	store2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() reopen error = %v", err)
	}
	job, ok := store2.Get("abc12345")
	if !ok || job.ChatID != 9 || job.Status != StatusRunning {
		t.Fatalf("Get() after reopen = %+v, %v", job, ok)
	}
}

func TestFormatListEmpty(t *testing.T) {
	if got := FormatList(nil, time.Now()); got != "No jobs." {
		t.Fatalf("FormatList(nil) = %q", got)
	}
}
