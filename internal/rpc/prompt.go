package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PromptResult is the resolved output of one prompt turn. Text may be
// empty for pure-acknowledgement turns (slash commands that emit only
// response + agent_end); EarlyResolve marks the message_end-without-
// agent_end case.
type PromptResult struct {
	Text         string
	EarlyResolve bool
}

// promptState is the explicit machine behind RunPrompt.
//
//	awaitingAck      --response(fail)-->            rejected
//	awaitingAck      --response(ok)/any stream-->   awaitingTerminal
//	awaitingTerminal --message_end-->               terminal text recorded
//	awaitingTerminal --agent_end-->                 resolved
//	awaitingTerminal --timeout, message_end seen--> resolved early
//	any              --timeout otherwise-->         rejected (ErrTimeout)
//
// message_update and extension_ui_request(notify) feed the candidate text
// without changing state. The message_end-without-agent_end resolution is
// a first-class transition, not a flag bolted on at timeout.
type promptState int

const (
	awaitingAck promptState = iota
	awaitingTerminal
)

// RunPrompt sends one prompt and resolves it per the correlation rules.
// A busy response is retried exactly once with followUp streaming; the
// second attempt's outcome is final.
func (s *Session) RunPrompt(ctx context.Context, text string, timeout time.Duration) (PromptResult, error) {
	res, err := s.runPromptOnce(ctx, text, "", timeout)
	if err == nil || !errors.Is(err, ErrBusy) {
		return res, err
	}
	if s.logger != nil {
		s.logger.Info("rpc_prompt_busy_retry", "session_file", s.opts.SessionFile)
	}
	return s.runPromptOnce(ctx, text, StreamingFollowUp, timeout)
}

func (s *Session) runPromptOnce(ctx context.Context, text, streamingBehavior string, timeout time.Duration) (PromptResult, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	id := newCommandID()
	ch, err := s.register(id)
	if err != nil {
		return PromptResult{}, err
	}
	defer s.unregister(id)

	cmd := Command{
		ID:                id,
		Type:              CommandPrompt,
		Message:           text,
		StreamingBehavior: streamingBehavior,
	}
	if err := s.send(cmd); err != nil {
		return PromptResult{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	state := awaitingAck
	var (
		candidateText  string
		haveMessageEnd bool
	)

	for {
		select {
		case <-ctx.Done():
			return PromptResult{}, ctx.Err()
		case <-timer.C:
			// Abandon the wait, not the work: the child keeps running its
			// turn; only this await gives up.
			if state == awaitingTerminal && haveMessageEnd {
				return PromptResult{Text: candidateText, EarlyResolve: true}, nil
			}
			return PromptResult{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case ev := <-ch:
			switch ev.Type {
			case EventResponse:
				if ev.Success != nil && !*ev.Success {
					return PromptResult{}, mapResponseError(ev.Error)
				}
				state = awaitingTerminal
			case EventAgentStart:
				state = awaitingTerminal
			case EventMessageUpdate:
				state = awaitingTerminal
				if strings.TrimSpace(ev.Text) != "" {
					candidateText = ev.Text
				}
			case EventMessageEnd:
				state = awaitingTerminal
				haveMessageEnd = true
				if strings.TrimSpace(ev.Text) != "" {
					candidateText = ev.Text
				}
			case EventExtensionUIRequest:
				// A notify request may carry the reply when the turn
				// produces no message_end.
				if ev.Kind == "notify" && !haveMessageEnd && strings.TrimSpace(ev.Text) != "" {
					candidateText = ev.Text
				}
			case EventAgentEnd:
				return PromptResult{Text: candidateText}, nil
			}
		}
	}
}

func mapResponseError(message string) error {
	lower := strings.ToLower(strings.TrimSpace(message))
	switch {
	case strings.Contains(lower, "busy") || strings.Contains(lower, "already processing") || strings.Contains(lower, "in progress"):
		return fmt.Errorf("%w: %s", ErrBusy, message)
	case strings.Contains(lower, "unknown command"):
		return fmt.Errorf("%w: %s", ErrUnknownCommand, message)
	case strings.Contains(lower, "disposed"):
		return fmt.Errorf("%w: %s", ErrDisposed, message)
	default:
		return fmt.Errorf("%w: %s", ErrProtocol, message)
	}
}

func newCommandID() string { return uuid.NewString() }
