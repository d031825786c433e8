package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeAgent scripts the child side of the protocol over in-memory pipes.
type fakeAgent struct {
	t       *testing.T
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter

	mu   sync.Mutex
	seen []Command
}

func newFakeAgent(t *testing.T, handle func(a *fakeAgent, cmd Command)) (*Session, *fakeAgent) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	a := &fakeAgent{t: t, stdoutW: stdoutW, stderrW: stderrW}
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var cmd Command
			if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
				continue
			}
			a.mu.Lock()
			a.seen = append(a.seen, cmd)
			a.mu.Unlock()
			if handle != nil {
				handle(a, cmd)
			}
		}
	}()

	s := newSession(Options{SessionFile: "sessions/test.jsonl"}, stdinW, stdoutR, stderrR)
	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
		_ = stderrW.Close()
	})
	return s, a
}

func (a *fakeAgent) emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		a.t.Fatalf("emit marshal error = %v", err)
	}
	if _, err := a.stdoutW.Write(append(data, '\n')); err != nil {
		a.t.Logf("emit write error = %v", err)
	}
}

func (a *fakeAgent) commands() []Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Command(nil), a.seen...)
}

func (a *fakeAgent) respondOK(id string) {
	a.emit(Event{Type: EventResponse, ID: id, Success: boolPtr(true)})
}

func TestRunPromptResolvesAssistantText(t *testing.T) {
	s, _ := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type != CommandPrompt {
			return
		}
		a.respondOK(cmd.ID)
		a.emit(Event{Type: EventAgentStart, ID: cmd.ID})
		a.emit(Event{Type: EventMessageUpdate, ID: cmd.ID, Text: "thinking"})
		a.emit(Event{Type: EventMessageEnd, ID: cmd.ID, Text: "the answer"})
		a.emit(Event{Type: EventAgentEnd, ID: cmd.ID})
	})

	res, err := s.RunPrompt(context.Background(), "question", 5*time.Second)
	if err != nil {
		t.Fatalf("RunPrompt() error = %v", err)
	}
	if res.Text != "the answer" || res.EarlyResolve {
		t.Fatalf("RunPrompt() = %+v, want final text", res)
	}
}

func TestRunPromptEarlyResolveWithoutAgentEnd(t *testing.T) {
	s, _ := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type != CommandPrompt {
			return
		}
		a.respondOK(cmd.ID)
		a.emit(Event{Type: EventMessageEnd, ID: cmd.ID, Text: "partial but complete"})
		// agent_end never arrives.
	})

	res, err := s.RunPrompt(context.Background(), "question", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("RunPrompt() error = %v", err)
	}
	if res.Text != "partial but complete" || !res.EarlyResolve {
		t.Fatalf("RunPrompt() = %+v, want early resolve", res)
	}
}

func TestRunPromptTimeout(t *testing.T) {
	s, _ := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type == CommandPrompt {
			a.respondOK(cmd.ID)
		}
	})
	_, err := s.RunPrompt(context.Background(), "question", 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("RunPrompt() error = %v, want ErrTimeout", err)
	}
}

func TestRunPromptFailureResponse(t *testing.T) {
	s, _ := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type == CommandPrompt {
			a.emit(Event{Type: EventResponse, ID: cmd.ID, Success: boolPtr(false), Error: "model exploded"})
		}
	})
	_, err := s.RunPrompt(context.Background(), "question", 5*time.Second)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("RunPrompt() error = %v, want ErrProtocol", err)
	}
}

func TestRunPromptBusyRetriesExactlyOnceWithFollowUp(t *testing.T) {
	s, a := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type != CommandPrompt {
			return
		}
		if cmd.StreamingBehavior == "" {
			a.emit(Event{Type: EventResponse, ID: cmd.ID, Success: boolPtr(false), Error: "agent is busy"})
			return
		}
		a.respondOK(cmd.ID)
		a.emit(Event{Type: EventMessageEnd, ID: cmd.ID, Text: "real output"})
		a.emit(Event{Type: EventAgentEnd, ID: cmd.ID})
	})

	res, err := s.RunPrompt(context.Background(), "question", 5*time.Second)
	if err != nil {
		t.Fatalf("RunPrompt() error = %v", err)
	}
	if res.Text != "real output" {
		t.Fatalf("RunPrompt() text = %q, want real output", res.Text)
	}
	prompts := 0
	for _, cmd := range a.commands() {
		if cmd.Type == CommandPrompt {
			prompts++
			if prompts == 2 && cmd.StreamingBehavior != StreamingFollowUp {
				t.Fatalf("second attempt streamingBehavior = %q, want %q", cmd.StreamingBehavior, StreamingFollowUp)
			}
		}
	}
	if prompts != 2 {
		t.Fatalf("prompt attempts = %d, want 2", prompts)
	}
}

func TestRunPromptNotifySuppliesReplyText(t *testing.T) {
	s, _ := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type != CommandPrompt {
			return
		}
		a.respondOK(cmd.ID)
		a.emit(Event{Type: EventExtensionUIRequest, ID: cmd.ID, Kind: "notify", Text: "deploy finished"})
		a.emit(Event{Type: EventAgentEnd, ID: cmd.ID})
	})
	res, err := s.RunPrompt(context.Background(), "deploy", 5*time.Second)
	if err != nil {
		t.Fatalf("RunPrompt() error = %v", err)
	}
	if res.Text != "deploy finished" {
		t.Fatalf("RunPrompt() text = %q, want notify text", res.Text)
	}
}

func TestStderrNoiseIsIgnoredButJunkIsFatal(t *testing.T) {
	s, a := newFakeAgent(t, nil)
	go func() {
		_, _ = a.stderrW.Write([]byte("(node) DeprecationWarning: something old\n"))
		time.Sleep(50 * time.Millisecond)
		_, _ = a.stderrW.Write([]byte("segfault at 0x0\n"))
	}()
	_, err := s.RunPrompt(context.Background(), "question", 5*time.Second)
	if err == nil {
		t.Fatalf("RunPrompt() error = nil, want fatal stderr rejection")
	}
}

func TestDisposeRejectsOutstanding(t *testing.T) {
	s, _ := newFakeAgent(t, nil)
	done := make(chan error, 1)
	go func() {
		_, err := s.RunPrompt(context.Background(), "question", 10*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	s.Dispose()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("RunPrompt() error = nil, want rejection after Dispose")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RunPrompt() did not return after Dispose")
	}
	if !s.Disposed() {
		t.Fatalf("Disposed() = false, want true")
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"type":"mystery","id":"x"}`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("decodeEvent() error = %v, want ErrProtocol", err)
	}
	if _, err := decodeEvent([]byte(`not json`)); !errors.Is(err, ErrProtocol) {
		t.Fatalf("decodeEvent() error = %v, want ErrProtocol", err)
	}
}

func TestNormalizeSlash(t *testing.T) {
	if got := NormalizeSlash("/compact@morphlink_bot now", "morphlink_bot"); got != "/compact now" {
		t.Fatalf("NormalizeSlash() = %q, want /compact now", got)
	}
	if got := NormalizeSlash("/compact@other_bot now", "morphlink_bot"); got != "/compact@other_bot now" {
		t.Fatalf("NormalizeSlash() = %q, want mention kept for another bot", got)
	}
	if got := NormalizeSlash("plain text", "morphlink_bot"); got != "plain text" {
		t.Fatalf("NormalizeSlash() = %q, want passthrough", got)
	}
	if got := SlashName("/Status@morphlink_bot verbose"); got != "status" {
		t.Fatalf("SlashName() = %q, want status", got)
	}
}

func inventoryHandler(inventory []CommandInfo) func(a *fakeAgent, cmd Command) {
	return func(a *fakeAgent, cmd Command) {
		switch cmd.Type {
		case CommandGetCommands:
			a.emit(Event{Type: EventResponse, ID: cmd.ID, Success: boolPtr(true), Command: inventory})
		case CommandPrompt:
			a.respondOK(cmd.ID)
			a.emit(Event{Type: EventAgentEnd, ID: cmd.ID})
		}
	}
}

func TestRunSlashSynthesizesAcknowledgement(t *testing.T) {
	s, _ := newFakeAgent(t, inventoryHandler([]CommandInfo{{Name: "compact"}}))
	out, err := s.RunSlash(context.Background(), "/compact@morphlink_bot now", "morphlink_bot", 5*time.Second)
	if err != nil {
		t.Fatalf("RunSlash() error = %v", err)
	}
	if out != "✅ /compact now executed." {
		t.Fatalf("RunSlash() = %q, want synthesized acknowledgement", out)
	}
}

func TestRunSlashInteractiveOnlyRejectedBeforeDispatch(t *testing.T) {
	s, a := newFakeAgent(t, inventoryHandler([]CommandInfo{{Name: "config", Interactive: true}}))
	_, err := s.RunSlash(context.Background(), "/config", "", 5*time.Second)
	if !errors.Is(err, ErrInteractiveOnly) {
		t.Fatalf("RunSlash() error = %v, want ErrInteractiveOnly", err)
	}
	for _, cmd := range a.commands() {
		if cmd.Type == CommandPrompt {
			t.Fatalf("interactive-only command was dispatched: %+v", cmd)
		}
	}
}

func TestRunSlashUnknownCommand(t *testing.T) {
	s, _ := newFakeAgent(t, inventoryHandler([]CommandInfo{{Name: "compact"}}))
	_, err := s.RunSlash(context.Background(), "/frobnicate", "", 5*time.Second)
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("RunSlash() error = %v, want ErrUnknownCommand", err)
	}
}

func TestRunSlashFailsClosedWithoutInventory(t *testing.T) {
	s, a := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type == CommandGetCommands {
			a.emit(Event{Type: EventResponse, ID: cmd.ID, Success: boolPtr(false), Error: "inventory broken"})
		}
	})
	_, err := s.RunSlash(context.Background(), "/compact", "", 5*time.Second)
	if !errors.Is(err, ErrInventoryUnavailable) {
		t.Fatalf("RunSlash() error = %v, want ErrInventoryUnavailable", err)
	}
	for _, cmd := range a.commands() {
		if cmd.Type == CommandPrompt {
			t.Fatalf("slash command dispatched with no inventory: %+v", cmd)
		}
	}
}

func TestCommandsMemoizedPerSession(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	s, _ := newFakeAgent(t, func(a *fakeAgent, cmd Command) {
		if cmd.Type == CommandGetCommands {
			mu.Lock()
			calls++
			mu.Unlock()
			a.emit(Event{Type: EventResponse, ID: cmd.ID, Success: boolPtr(true), Command: []CommandInfo{{Name: "compact"}}})
		}
	})
	for i := 0; i < 3; i++ {
		if _, err := s.Commands(context.Background()); err != nil {
			t.Fatalf("Commands() error = %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("get_commands calls = %d, want 1", calls)
	}
}

func TestStderrAllowlist(t *testing.T) {
	if !stderrAllowed("ExperimentalWarning: fetch", defaultStderrAllow) {
		t.Fatalf("stderrAllowed(experimental) = false, want true")
	}
	if stderrAllowed("panic: nil pointer", defaultStderrAllow) {
		t.Fatalf("stderrAllowed(panic) = true, want false")
	}
}
