// Package worker composes the durable pieces (lease, trigger channel,
// queues, RPC bridge, job manager) into the poll-driven runtime behind
// `morphlink worker`.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/morphlink/internal/checktrigger"
	"github.com/quailyquaily/morphlink/internal/fsstore"
	"github.com/quailyquaily/morphlink/internal/jobs"
	"github.com/quailyquaily/morphlink/internal/leader"
	"github.com/quailyquaily/morphlink/internal/queue"
	"github.com/quailyquaily/morphlink/internal/rpc"
	"github.com/quailyquaily/morphlink/internal/statepaths"
	"github.com/quailyquaily/morphlink/internal/telegram"
	"github.com/spf13/viper"
)

// TelegramAPI is the slice of the Bot API the runtime needs. The concrete
// client lives in internal/telegram; tests substitute a scripted fake.
type TelegramAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, replyToMessageID int64) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// Bridge is the RPC session surface the runtime dispatches through.
// *rpc.Session satisfies it.
type Bridge interface {
	RunPrompt(ctx context.Context, text string, timeout time.Duration) (rpc.PromptResult, error)
	RunSlash(ctx context.Context, text, botUsername string, timeout time.Duration) (string, error)
	Abort(ctx context.Context) error
	Dispose()
	Disposed() bool
	SessionFile() string
}

// Transcriber turns inbound media into prompt text. Providers are
// collaborators; the runtime only needs this one method.
type Transcriber interface {
	Transcribe(ctx context.Context, media queue.MediaRef) (string, error)
}

// Speaker renders text to speech for /tts, returning the audio file path.
type Speaker interface {
	Speak(ctx context.Context, text string) (string, error)
}

// BridgeFactory spawns an agent bridge bound to a session file.
type BridgeFactory func(ctx context.Context, sessionFile string) (Bridge, error)

// Paths locates every durable file the runtime touches. Tests point this
// at a temp dir; production uses PathsFromState.
type Paths struct {
	Lease        string
	LeaseLock    string
	CheckTrigger string
	Inbound      string
	Outbound     string
	Jobs         string
	State        string
	SessionMap   string
	SessionsDir  string
	EventLog     string
	Operators    string
}

func PathsFromState() Paths {
	return Paths{
		Lease:        statepaths.LeasePath(),
		LeaseLock:    statepaths.LeaseLockPath(),
		CheckTrigger: statepaths.CheckTriggerPath(),
		Inbound:      statepaths.InboundQueuePath(),
		Outbound:     statepaths.OutboundQueuePath(),
		Jobs:         statepaths.JobStorePath(),
		State:        statepaths.RuntimeStatePath(),
		SessionMap:   statepaths.SessionMapPath(),
		SessionsDir:  statepaths.SessionsDir(),
		EventLog:     statepaths.EventLogPath(),
		Operators:    statepaths.OperatorConfigPath(),
	}
}

type Config struct {
	PollTimeout       time.Duration
	ForegroundTimeout time.Duration
	BackgroundTimeout time.Duration
	SlashTimeout      time.Duration
	LeaseStale        time.Duration
	MaxSendAttempts   int
	Authz             AuthzConfig
}

func ConfigFromViper() Config {
	cfg := Config{
		PollTimeout:       viper.GetDuration("worker.poll_timeout"),
		ForegroundTimeout: viper.GetDuration("worker.foreground_timeout"),
		BackgroundTimeout: viper.GetDuration("worker.background_timeout"),
		SlashTimeout:      viper.GetDuration("worker.slash_timeout"),
		LeaseStale:        viper.GetDuration("worker.lease_stale"),
		MaxSendAttempts:   viper.GetInt("worker.max_send_attempts"),
		Authz:             AuthzFromViper(),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 25 * time.Second
	}
	if c.ForegroundTimeout <= 0 {
		c.ForegroundTimeout = 90 * time.Second
	}
	if c.BackgroundTimeout <= 0 {
		c.BackgroundTimeout = 30 * time.Minute
	}
	if c.SlashTimeout <= 0 {
		c.SlashTimeout = 60 * time.Second
	}
	if c.LeaseStale <= 0 {
		// Must comfortably exceed the worst-case poll cycle (long poll
		// plus a foreground prompt attempt), or a follower could steal
		// the lease while the leader is mid-drain.
		c.LeaseStale = 5 * time.Minute
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = 5
	}
	return c
}

type Options struct {
	Logger      *slog.Logger
	Config      Config
	Paths       Paths
	Telegram    TelegramAPI
	Bridge      Bridge        // pre-built bridge; tests use this
	NewBridge   BridgeFactory // spawns bridges per session file
	Transcriber Transcriber
	Speaker     Speaker
	BotID       int64
	BotUsername string
	Now         func() time.Time
}

type Runtime struct {
	logger    *slog.Logger
	cfg       Config
	paths     Paths
	tg        TelegramAPI
	newBridge BridgeFactory

	// bridgeMu guards bridge: the poll goroutine replaces it in
	// ensureBridge while background job goroutines read it.
	bridgeMu sync.Mutex
	bridge   Bridge

	transcriber Transcriber
	speaker     Speaker
	now         func() time.Time

	idMu        sync.RWMutex
	botID       int64
	botUsername string

	leaderState *leader.State
	sendMu      sync.Mutex
	inbound     *queue.Inbound
	outbound    *queue.Outbound
	jobs        *jobs.Manager
	sessions    *sessionMap
	state       *stateStore
	events      *fsstore.JSONLWriter
}

func New(opts Options) (*Runtime, error) {
	if opts.Telegram == nil {
		return nil, fmt.Errorf("worker: telegram client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()
	if opts.Paths.Operators != "" {
		authz, err := LoadOperatorFile(opts.Paths.Operators, cfg.Authz)
		if err != nil {
			logger.Warn("operators_file_unreadable", "path", opts.Paths.Operators, "error", err)
		} else {
			cfg.Authz = authz
		}
	}

	inbound, err := queue.OpenInbound(opts.Paths.Inbound, logger)
	if err != nil {
		return nil, fmt.Errorf("worker: inbound queue: %w", err)
	}
	outbound, err := queue.OpenOutbound(opts.Paths.Outbound, logger)
	if err != nil {
		return nil, fmt.Errorf("worker: outbound queue: %w", err)
	}
	sessions, err := openSessionMap(opts.Paths.SessionMap, opts.Paths.SessionsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("worker: session map: %w", err)
	}
	jobStore, err := jobs.OpenStore(opts.Paths.Jobs)
	if err != nil {
		return nil, fmt.Errorf("worker: job store: %w", err)
	}
	var events *fsstore.JSONLWriter
	if opts.Paths.EventLog != "" {
		events, err = fsstore.NewJSONLWriter(opts.Paths.EventLog, 0)
		if err != nil {
			return nil, fmt.Errorf("worker: event log: %w", err)
		}
	}

	r := &Runtime{
		logger:      logger,
		cfg:         cfg,
		paths:       opts.Paths,
		tg:          opts.Telegram,
		bridge:      opts.Bridge,
		newBridge:   opts.NewBridge,
		transcriber: opts.Transcriber,
		speaker:     opts.Speaker,
		now:         opts.Now,
		leaderState: leader.NewState(),
		inbound:     inbound,
		outbound:    outbound,
		sessions:    sessions,
		state:       openStateStore(opts.Paths.State, logger),
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	r.SetIdentity(opts.BotID, opts.BotUsername)
	r.events = events

	manager, err := jobs.NewManager(jobs.ManagerOptions{
		Store:             jobStore,
		Runner:            bridgeRunner{r: r},
		Cancel:            r.abortBridge,
		Notify:            r.notifyChat,
		Logger:            logger,
		BackgroundTimeout: cfg.BackgroundTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: job manager: %w", err)
	}
	r.jobs = manager
	return r, nil
}

// PollOnce runs one full cycle: lease tick, fetch (when leading or
// forced), enqueue, drain inbound, drain outbound, persist state.
// Per-item failures are logged and never abort the cycle.
func (r *Runtime) PollOnce(ctx context.Context, force bool) error {
	tick, err := leader.Tick(ctx, r.leaderState, leader.TickParams{
		LeasePath: r.paths.Lease,
		LockPath:  r.paths.LeaseLock,
		Now:       r.now(),
		Stale:     r.cfg.LeaseStale,
	})
	if err != nil {
		// Treated as follower for this cycle; the lease file may be on
		// a briefly unavailable filesystem.
		r.logger.Warn("lease_tick_error", "error", err)
	}
	if tick.BecameLeader {
		r.logger.Info("lease_acquired", "nonce", r.leaderState.Nonce)
	}
	if tick.IsLeader {
		r.state.state.LeaderNonce = r.leaderState.Nonce
	} else {
		r.state.state.LeaderNonce = ""
	}

	if tick.IsLeader || force {
		if err := r.fetchAndEnqueue(ctx); err != nil {
			r.state.state.ConsecutiveFailures++
			if telegram.IsPollTimeoutError(err) {
				r.logger.Debug("poll_timeout", "error", err)
			} else {
				r.logger.Warn("poll_fetch_error", "error", err, "consecutive_failures", r.state.state.ConsecutiveFailures)
			}
		} else {
			r.state.state.ConsecutiveFailures = 0
		}
	}

	r.drainInbound(ctx)
	r.drainOutbound(ctx)

	if err := r.state.save(); err != nil {
		r.logger.Warn("worker_state_save_error", "error", err)
	}
	return nil
}

func (r *Runtime) fetchAndEnqueue(ctx context.Context) error {
	updates, err := r.tg.GetUpdates(ctx, r.state.state.Offset, r.cfg.PollTimeout)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.UpdateID)
		env, ok := r.envelopeFromUpdate(u)
		if !ok {
			continue
		}
		allowed, reason := r.cfg.Authz.Allow(env, r.mentioned(u))
		if !allowed {
			r.logger.Info("update_denied", "update_id", env.UpdateID, "chat_id", env.ChatID, "reason", reason)
			r.appendEvent("inbound_denied", env.ChatID, env.UpdateID, reason)
			continue
		}
		if err := r.inbound.Append(env); err != nil {
			// Offset must not advance past an update that is not yet
			// durable, so the whole batch is retried next cycle.
			return fmt.Errorf("enqueue update %d: %w", env.UpdateID, err)
		}
	}
	r.state.state.Offset = advanceOffset(r.state.state.Offset, ids)
	return nil
}

// refreshLease re-runs the lease tick while the runtime is already
// leading. Inbound drains can take longer than the stale window when
// an agent prompt runs long, and a lease that is not refreshed
// mid-drain would let a second process take over while this one is
// still dispatching.
func (r *Runtime) refreshLease(ctx context.Context) {
	if !r.leaderState.Leading {
		return
	}
	_, err := leader.Tick(ctx, r.leaderState, leader.TickParams{
		LeasePath: r.paths.Lease,
		LockPath:  r.paths.LeaseLock,
		Now:       r.now(),
		Stale:     r.cfg.LeaseStale,
	})
	if err != nil {
		r.logger.Warn("lease_refresh_error", "error", err)
	}
}

// advanceOffset moves to max(ids)+1, never backwards.
func advanceOffset(current int64, ids []int64) int64 {
	next := current
	for _, id := range ids {
		if id+1 > next {
			next = id + 1
		}
	}
	return next
}

// HandleCheckTrigger consumes a pending trigger request and, when one is
// new, forces a full poll cycle regardless of leadership.
func (r *Runtime) HandleCheckTrigger(ctx context.Context) (bool, error) {
	res := checktrigger.Consume(r.paths.CheckTrigger, r.state.state.TriggerWatermark)
	if !res.Triggered {
		return false, nil
	}
	r.state.state.TriggerWatermark = res.NextSeen
	r.state.state.LastCheckAt = r.now()
	r.state.state.LastCheckSource = res.Request.Source
	if r.state.state.LastCheckSource == "" {
		r.state.state.LastCheckSource = res.Request.RequesterRole
	}
	r.logger.Info("check_trigger_consumed", "requester_pid", res.Request.RequesterPID, "source", res.Request.Source)

	err := r.PollOnce(ctx, true)
	if err != nil {
		r.state.state.LastCheckOutcome = "error: " + err.Error()
	} else {
		r.state.state.LastCheckOutcome = "ok"
	}
	if saveErr := r.state.save(); saveErr != nil {
		r.logger.Warn("worker_state_save_error", "error", saveErr)
	}
	return true, err
}

// drainOutbound is serialized: a job completion can flush from its own
// goroutine while the poll loop is mid-cycle, and an interleaved
// snapshot-then-replace would lose envelopes.
func (r *Runtime) drainOutbound(ctx context.Context) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	items := r.outbound.Items()
	if len(items) == 0 {
		return
	}
	var retained []queue.OutboundEnvelope
	for _, env := range items {
		err := r.tg.SendMessage(ctx, env.ChatID, env.Payload, env.ReplyToMessageID)
		if err == nil {
			r.appendEvent("outbound_sent", env.ChatID, 0, "")
			continue
		}
		env.Attempt++
		if telegram.IsRetryable(err) && env.Attempt < r.cfg.MaxSendAttempts {
			r.logger.Warn("outbound_send_retryable", "chat_id", env.ChatID, "attempt", env.Attempt, "error", err)
			retained = append(retained, env)
			continue
		}
		r.logger.Error("outbound_send_dropped", "chat_id", env.ChatID, "attempt", env.Attempt, "error", err)
		r.appendEvent("outbound_dropped", env.ChatID, 0, err.Error())
	}
	if err := r.outbound.Replace(retained); err != nil {
		r.logger.Warn("outbound_persist_error", "error", err)
	}
}

// enqueueReply persists the reply before any send attempt so a crash
// between handling and sending cannot lose it. It takes the send lock:
// an append racing a drain's snapshot-then-replace would be erased.
func (r *Runtime) enqueueReply(chatID, replyToMessageID int64, text string) {
	if text == "" {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	env := queue.OutboundEnvelope{ChatID: chatID, Payload: text, ReplyToMessageID: replyToMessageID}
	if err := r.outbound.Append(env); err != nil {
		r.logger.Error("outbound_enqueue_error", "chat_id", chatID, "error", err)
	}
}

// notifyChat is the job manager's completion sink. Background jobs finish
// between poll cycles, so the reply is enqueued durably and flushed
// immediately on a best-effort basis.
func (r *Runtime) notifyChat(chatID, replyToMessageID int64, text string) {
	r.enqueueReply(chatID, replyToMessageID, text)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.drainOutbound(ctx)
}

func (r *Runtime) currentBridge() Bridge {
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()
	return r.bridge
}

func (r *Runtime) abortBridge(ctx context.Context) error {
	bridge := r.currentBridge()
	if bridge == nil || bridge.Disposed() {
		return nil
	}
	return bridge.Abort(ctx)
}

// ensureBridge returns a live bridge bound to sessionFile, replacing the
// current one when the session changed (e.g. after /new). Replacement
// disposes the old session, so a background job still running on it fails
// with a disposed error and posts its failure message; /new means the
// operator abandoned that session, so failing fast is the intended
// outcome rather than finishing against a discarded transcript.
func (r *Runtime) ensureBridge(ctx context.Context, sessionFile string) (Bridge, error) {
	r.bridgeMu.Lock()
	defer r.bridgeMu.Unlock()
	if r.bridge != nil && !r.bridge.Disposed() {
		if r.newBridge == nil || r.bridge.SessionFile() == sessionFile {
			return r.bridge, nil
		}
	}
	if r.newBridge == nil {
		if r.bridge != nil {
			return r.bridge, nil
		}
		return nil, fmt.Errorf("agent bridge is not configured (set agent.argv)")
	}
	if r.bridge != nil && !r.bridge.Disposed() {
		r.bridge.Dispose()
	}
	bridge, err := r.newBridge(ctx, sessionFile)
	if err != nil {
		return nil, fmt.Errorf("agent bridge start: %w", err)
	}
	r.bridge = bridge
	r.logger.Info("rpc_bridge_ready", "session_file", sessionFile)
	return bridge, nil
}

// Close disposes the bridge, waits for background jobs, and releases the
// lease so another contender can take over immediately.
func (r *Runtime) Close(ctx context.Context) error {
	if bridge := r.currentBridge(); bridge != nil && !bridge.Disposed() {
		bridge.Dispose()
	}
	r.jobs.Wait()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event_log_close_error", "error", err)
		}
	}
	if err := leader.Release(ctx, r.leaderState, r.paths.Lease, r.paths.LeaseLock); err != nil {
		return fmt.Errorf("worker close: %w", err)
	}
	return nil
}

// Jobs exposes the manager for the CLI status surface.
func (r *Runtime) Jobs() *jobs.Manager { return r.jobs }

// SetIdentity records the bot's own id and username, used for reply-to-bot
// and group-mention checks. Safe to call after the loop is running: the
// startup getMe may fail on a flaky network and be retried in background.
func (r *Runtime) SetIdentity(botID int64, username string) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	r.botID = botID
	r.botUsername = strings.TrimPrefix(username, "@")
}

func (r *Runtime) identity() (int64, string) {
	r.idMu.RLock()
	defer r.idMu.RUnlock()
	return r.botID, r.botUsername
}

type auditRecord struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	ChatID   int64     `json:"chat_id,omitempty"`
	UpdateID int64     `json:"update_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

func (r *Runtime) appendEvent(kind string, chatID, updateID int64, detail string) {
	if r.events == nil {
		return
	}
	rec := auditRecord{At: r.now(), Kind: kind, ChatID: chatID, UpdateID: updateID, Detail: detail}
	if err := r.events.AppendJSON(rec); err != nil {
		r.logger.Debug("event_log_append_error", "error", err)
	}
}

// bridgeRunner adapts the runtime's bridge to the job manager's runner.
// Promotion happens right after a foreground attempt on the same bridge,
// so the background retry lands on the same session.
type bridgeRunner struct{ r *Runtime }

func (b bridgeRunner) RunPrompt(ctx context.Context, text string, timeout time.Duration) (string, error) {
	bridge := b.r.currentBridge()
	if bridge == nil || bridge.Disposed() {
		return "", fmt.Errorf("agent bridge is not available")
	}
	res, err := bridge.RunPrompt(ctx, text, timeout)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
