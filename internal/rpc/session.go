package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const (
	// Children disable their own worker subsystem via this env var so a
	// spawned agent never long-polls the same bot account recursively.
	ChildWorkerDisabledEnv = "MORPHLINK_WORKER_DISABLED"

	sessionFileEnv = "MORPHLINK_SESSION_FILE"

	maxFrameBytes = 4 * 1024 * 1024
	waiterBacklog = 64
)

// Default substrings of stderr lines that are diagnostic noise. Anything
// that matches none of these rejects the in-flight commands.
var defaultStderrAllow = []string{
	"deprecat",
	"experimental",
	"punycode",
	"warning",
	"debugger",
}

type Options struct {
	// Argv is the child command line, argv[0] included.
	Argv []string
	// SessionFile is the transcript the child binds this session to.
	SessionFile string
	Env         []string
	StderrAllow []string
	Logger      *slog.Logger
}

// Session owns one live agent subprocess. All liveness is per-command:
// losing one command's waiter never tears down the child.
type Session struct {
	opts   Options
	logger *slog.Logger

	proc  *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu       sync.Mutex
	waiters  map[string]chan Event
	disposed bool

	inventoryMu sync.Mutex
	inventory   []CommandInfo
	haveInv     bool

	done chan struct{}
}

// Start spawns the agent child and begins routing its stdio.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("rpc: missing agent command (set worker.agent_command)")
	}
	if strings.TrimSpace(opts.SessionFile) == "" {
		return nil, fmt.Errorf("rpc: missing session file")
	}
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(env,
		ChildWorkerDisabledEnv+"=1",
		sessionFileEnv+"="+opts.SessionFile,
	)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("rpc: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rpc: start agent %q: %w", opts.Argv[0], err)
	}

	s := newSession(opts, stdin, stdout, stderr)
	s.proc = cmd
	if s.logger != nil {
		s.logger.Info("rpc_session_start", "argv0", opts.Argv[0], "pid", cmd.Process.Pid, "session_file", opts.SessionFile)
	}
	return s, nil
}

// newSession wires the routing loops over arbitrary pipes. Tests use this
// directly with a scripted fake on the other end.
func newSession(opts Options, stdin io.WriteCloser, stdout, stderr io.Reader) *Session {
	s := &Session{
		opts:    opts,
		logger:  opts.Logger,
		stdin:   stdin,
		waiters: make(map[string]chan Event),
		done:    make(chan struct{}),
	}
	go s.readLoop(stdout)
	if stderr != nil {
		go s.stderrLoop(stderr)
	}
	return s
}

func (s *Session) SessionFile() string { return s.opts.SessionFile }

func (s *Session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		ev, err := decodeEvent(line)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("rpc_frame_error", "error", err.Error())
			}
			s.failInflight(err)
			continue
		}
		s.route(ev)
	}
	// Child closed stdout: everything still waiting is an orphan.
	s.failInflight(fmt.Errorf("%w: agent stream closed", ErrDisposed))
	close(s.done)
}

func (s *Session) stderrLoop(stderr io.Reader) {
	allow := s.opts.StderrAllow
	if allow == nil {
		allow = defaultStderrAllow
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if stderrAllowed(line, allow) {
			if s.logger != nil {
				s.logger.Debug("rpc_agent_stderr", "line", line)
			}
			continue
		}
		if s.logger != nil {
			s.logger.Warn("rpc_agent_stderr_fatal", "line", line)
		}
		s.failInflight(fmt.Errorf("%w: agent stderr: %s", ErrProtocol, line))
	}
}

func stderrAllowed(line string, allow []string) bool {
	lower := strings.ToLower(line)
	for _, frag := range allow {
		if strings.Contains(lower, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}

func (s *Session) route(ev Event) {
	if strings.TrimSpace(ev.ID) == "" {
		if s.logger != nil {
			s.logger.Debug("rpc_event_uncorrelated", "type", string(ev.Type))
		}
		return
	}
	s.mu.Lock()
	ch := s.waiters[ev.ID]
	s.mu.Unlock()
	if ch == nil {
		if s.logger != nil {
			s.logger.Debug("rpc_event_orphaned", "type", string(ev.Type), "id", ev.ID)
		}
		return
	}
	select {
	case ch <- ev:
	default:
		if s.logger != nil {
			s.logger.Warn("rpc_event_dropped", "type", string(ev.Type), "id", ev.ID)
		}
	}
}

// failInflight rejects every outstanding waiter. Used for protocol
// violations and child death; the next command may still be attempted.
func (s *Session) failInflight(err error) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[string]chan Event)
	s.mu.Unlock()
	for id, ch := range waiters {
		ev := Event{Type: EventResponse, ID: id, Error: err.Error(), Success: boolPtr(false)}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Session) register(id string) (chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	ch := make(chan Event, waiterBacklog)
	s.waiters[id] = ch
	return ch, nil
}

func (s *Session) unregister(id string) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

func (s *Session) send(cmd Command) error {
	data, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("rpc: write command %s: %w", cmd.Type, err)
	}
	return nil
}

// Abort asks the child to cancel its in-flight turn. Best effort: the
// caller does not wait for the cancellation to be observed.
func (s *Session) Abort(ctx context.Context) error {
	cmd := Command{ID: newCommandID(), Type: CommandAbort}
	return s.send(cmd)
}

// Dispose terminates the child and rejects all outstanding commands.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.failInflight(ErrDisposed)
	_ = s.stdin.Close()
	if s.proc != nil && s.proc.Process != nil {
		_ = s.proc.Process.Kill()
		_ = s.proc.Wait()
	}
	if s.logger != nil {
		s.logger.Info("rpc_session_disposed", "session_file", s.opts.SessionFile)
	}
}

// Disposed reports whether the session has been torn down (or its child
// stream has closed), so the runtime can respawn before the next prompt.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func boolPtr(v bool) *bool { return &v }
