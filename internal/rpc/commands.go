package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const inventoryTimeout = 20 * time.Second

// Commands resolves the child's slash-command inventory. Resolved once per
// session; a failed fetch is not cached, so a later slash attempt retries,
// but until it succeeds slash dispatch fails closed.
func (s *Session) Commands(ctx context.Context) ([]CommandInfo, error) {
	s.inventoryMu.Lock()
	defer s.inventoryMu.Unlock()
	if s.haveInv {
		return s.inventory, nil
	}

	id := newCommandID()
	ch, err := s.register(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
	}
	defer s.unregister(id)

	if err := s.send(Command{ID: id, Type: CommandGetCommands}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
	}

	timer := time.NewTimer(inventoryTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrInventoryUnavailable, ctx.Err())
		case <-timer.C:
			return nil, fmt.Errorf("%w: timed out", ErrInventoryUnavailable)
		case ev := <-ch:
			switch ev.Type {
			case EventResponse:
				if ev.Success != nil && !*ev.Success {
					return nil, fmt.Errorf("%w: %s", ErrInventoryUnavailable, ev.Error)
				}
				s.inventory = ev.Command
				s.haveInv = true
				if s.logger != nil {
					s.logger.Debug("rpc_commands_loaded", "count", len(s.inventory))
				}
				return s.inventory, nil
			default:
				// get_commands answers with a single response frame.
			}
		}
	}
}

// NormalizeSlash strips a trailing bot mention from the command word:
// "/cmd@bot args" becomes "/cmd args". Non-slash text passes through.
func NormalizeSlash(text, botUsername string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text
	}
	word, rest, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(word, '@'); at > 0 {
		mention := word[at+1:]
		if botUsername == "" || strings.EqualFold(mention, botUsername) {
			word = word[:at]
		}
	}
	if rest == "" {
		return word
	}
	return word + " " + rest
}

// SlashName extracts the bare command name ("/status args" -> "status").
func SlashName(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word, _, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(word, '@'); at > 0 {
		word = word[:at]
	}
	return strings.ToLower(word)
}

// RunSlash arbitrates and dispatches one slash command. Classification
// runs against the inventory before anything is sent: interactive-only
// commands are rejected outright, unknown ones are mapped to a specific
// user-facing error, and an unavailable inventory fails closed.
func (s *Session) RunSlash(ctx context.Context, text, botUsername string, timeout time.Duration) (string, error) {
	normalized := NormalizeSlash(text, botUsername)
	name := SlashName(normalized)
	if name == "" {
		return "", fmt.Errorf("rpc: not a slash command: %q", text)
	}

	inventory, err := s.Commands(ctx)
	if err != nil {
		return "", err
	}
	var info *CommandInfo
	for i := range inventory {
		if strings.EqualFold(inventory[i].Name, name) {
			info = &inventory[i]
			break
		}
	}
	if info == nil {
		return "", fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
	if info.Interactive {
		return "", fmt.Errorf("%w: /%s", ErrInteractiveOnly, name)
	}

	res, err := s.RunPrompt(ctx, normalized, timeout)
	if err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			return "", fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
		}
		return "", err
	}
	if strings.TrimSpace(res.Text) != "" {
		return res.Text, nil
	}
	// Slash commands typically emit only response + agent_end; synthesize
	// a deterministic acknowledgement.
	return fmt.Sprintf("✅ %s executed.", normalized), nil
}
