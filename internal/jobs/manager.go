package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PromptRunner is the slice of the RPC bridge the manager needs: the
// background attempt re-issues the identical prompt on the same session.
type PromptRunner interface {
	RunPrompt(ctx context.Context, text string, timeout time.Duration) (string, error)
}

// CancelHook is the bridge's best-effort turn cancellation.
type CancelHook func(ctx context.Context) error

// Notify posts a chat-facing message for the job's originating chat.
type Notify func(chatID int64, replyToMessageID int64, text string)

type Manager struct {
	store   *Store
	runner  PromptRunner
	cancel  CancelHook
	notify  Notify
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

type ManagerOptions struct {
	Store *Store
	// Runner executes the background attempt.
	Runner PromptRunner
	// Cancel is optional; /cancel still flips the status without it.
	Cancel CancelHook
	Notify Notify
	Logger *slog.Logger
	// BackgroundTimeout bounds the re-issued attempt. Zero means a much
	// larger budget than the synchronous one, not unbounded forever.
	BackgroundTimeout time.Duration
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("jobs: store is required")
	}
	if opts.Notify == nil {
		return nil, fmt.Errorf("jobs: notify is required")
	}
	timeout := opts.BackgroundTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Manager{
		store:   opts.Store,
		runner:  opts.Runner,
		cancel:  opts.Cancel,
		notify:  opts.Notify,
		logger:  opts.Logger,
		timeout: timeout,
		pending: make(map[string]struct{}),
		now:     time.Now,
	}, nil
}

// PromoteParams carries everything the job row needs from the timed-out
// foreground attempt.
type PromoteParams struct {
	UpdateID    int64
	ChatID      int64
	UserID      int64
	MessageID   int64
	SessionKey  string
	SessionFile string
	PromptText  string
}

// Promote turns a timed-out foreground prompt into a background job: the
// acknowledgement goes out immediately, the identical prompt is re-issued
// on the same session, and the completion message is posted whenever the
// attempt resolves.
func (m *Manager) Promote(ctx context.Context, params PromoteParams) (Job, error) {
	if m.runner == nil {
		return Job{}, fmt.Errorf("jobs: no prompt runner configured")
	}
	nowMs := m.now().UnixMilli()
	job := Job{
		ID:          shortJobID(),
		UpdateID:    params.UpdateID,
		ChatID:      params.ChatID,
		UserID:      params.UserID,
		MessageID:   params.MessageID,
		SessionKey:  params.SessionKey,
		SessionFile: params.SessionFile,
		PromptText:  params.PromptText,
		CreatedAtMs: nowMs,
		StartedAtMs: nowMs,
		Status:      StatusRunning,
	}
	if err := m.store.Put(job); err != nil {
		return Job{}, err
	}
	m.notify(job.ChatID, job.MessageID, fmt.Sprintf("⏳ Still working on it. Job %s started; I'll post the result here. /jobs to list, /cancel %s to stop.", job.ID, job.ID))

	m.mu.Lock()
	m.pending[job.ID] = struct{}{}
	m.mu.Unlock()
	m.wg.Add(1)
	go m.runBackground(job)

	if m.logger != nil {
		m.logger.Info("job_promoted", "job_id", job.ID, "chat_id", job.ChatID, "prompt_len", len(job.PromptText))
	}
	return job, nil
}

func (m *Manager) runBackground(job Job) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.pending, job.ID)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	text, err := m.runner.RunPrompt(ctx, job.PromptText, m.timeout)

	current, ok := m.store.Get(job.ID)
	if !ok {
		current = job
	}
	if current.Status == StatusCancelled {
		// The user gave up on this turn; its late output is dropped.
		if m.logger != nil {
			m.logger.Info("job_finished_after_cancel", "job_id", job.ID)
		}
		return
	}

	current.FinishedAtMs = m.now().UnixMilli()
	if err != nil {
		current.Status = StatusError
		current.Error = err.Error()
		if putErr := m.store.Put(current); putErr != nil && m.logger != nil {
			m.logger.Warn("job_persist_error", "job_id", job.ID, "error", putErr.Error())
		}
		m.notify(job.ChatID, job.MessageID, fmt.Sprintf("❌ Job %s failed: %s", job.ID, err.Error()))
		return
	}
	current.Status = StatusFinished
	if putErr := m.store.Put(current); putErr != nil && m.logger != nil {
		m.logger.Warn("job_persist_error", "job_id", job.ID, "error", putErr.Error())
	}
	reply := strings.TrimSpace(text)
	if reply == "" {
		reply = "(empty result)"
	}
	m.notify(job.ChatID, job.MessageID, fmt.Sprintf("✅ Job %s done:\n%s", job.ID, reply))
}

// Cancel marks the job cancelled and fires the bridge's cancel hook once.
// It acknowledges synchronously; the cancellation being observed by the
// child is not awaited.
func (m *Manager) Cancel(ctx context.Context, id string) (Job, error) {
	job, ok := m.store.Get(id)
	if !ok {
		return Job{}, fmt.Errorf("jobs: no job %s", id)
	}
	if job.Status != StatusRunning {
		return job, fmt.Errorf("jobs: job %s is already %s", id, job.Status)
	}
	job.CancelRequestedAtMs = m.now().UnixMilli()
	job.Status = StatusCancelled
	job.FinishedAtMs = job.CancelRequestedAtMs
	if err := m.store.Put(job); err != nil {
		return Job{}, err
	}
	if m.cancel != nil {
		if err := m.cancel(ctx); err != nil && m.logger != nil {
			m.logger.Warn("job_cancel_hook_error", "job_id", id, "error", err.Error())
		}
	}
	if m.logger != nil {
		m.logger.Info("job_cancelled", "job_id", id)
	}
	return job, nil
}

func (m *Manager) List() []Job { return m.store.List() }

// PendingBackground counts background attempts still awaiting resolution.
func (m *Manager) PendingBackground() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Wait blocks until all background attempts resolve. Test and shutdown
// helper.
func (m *Manager) Wait() { m.wg.Wait() }

// FormatList renders the /jobs reply.
func FormatList(list []Job, now time.Time) string {
	if len(list) == 0 {
		return "No jobs."
	}
	var b strings.Builder
	b.WriteString("Jobs:\n")
	for _, job := range list {
		age := now.Sub(time.UnixMilli(job.CreatedAtMs)).Round(time.Second)
		fmt.Fprintf(&b, "• %s — %s (age %s)\n", job.ID, job.Status, age)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortJobID() string {
	id := uuid.NewString()
	return id[:8]
}
