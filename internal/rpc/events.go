// Package rpc is the bridge to the agent subprocess: one child per runtime
// instance, line-delimited JSON over stdio, commands tagged with an id and
// answered by a stream of id-correlated events.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type CommandType string

const (
	CommandPrompt      CommandType = "prompt"
	CommandGetCommands CommandType = "get_commands"
	CommandAbort       CommandType = "abort"
)

// StreamingFollowUp queues a prompt behind the agent's in-flight turn
// instead of rejecting it.
const StreamingFollowUp = "followUp"

type Command struct {
	ID                string      `json:"id"`
	Type              CommandType `json:"type"`
	Message           string      `json:"message,omitempty"`
	StreamingBehavior string      `json:"streamingBehavior,omitempty"`
}

type EventType string

const (
	EventResponse           EventType = "response"
	EventAgentStart         EventType = "agent_start"
	EventMessageUpdate      EventType = "message_update"
	EventMessageEnd         EventType = "message_end"
	EventAgentEnd           EventType = "agent_end"
	EventExtensionUIRequest EventType = "extension_ui_request"
)

// Event is the tagged union over everything the child emits. Which fields
// are meaningful depends on Type; the bridge matches exhaustively at the
// boundary and treats unknown types as protocol violations.
type Event struct {
	Type    EventType     `json:"type"`
	ID      string        `json:"id,omitempty"`
	Success *bool         `json:"success,omitempty"`
	Error   string        `json:"error,omitempty"`
	Text    string        `json:"text,omitempty"`
	Kind    string        `json:"kind,omitempty"`
	Command []CommandInfo `json:"commands,omitempty"`
}

// CommandInfo is one entry of the child's slash-command inventory.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`
}

func decodeEvent(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	switch ev.Type {
	case EventResponse, EventAgentStart, EventMessageUpdate, EventMessageEnd, EventAgentEnd, EventExtensionUIRequest:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrProtocol, string(ev.Type))
	}
}

func encodeCommand(cmd Command) ([]byte, error) {
	if strings.TrimSpace(cmd.ID) == "" {
		return nil, fmt.Errorf("rpc: command has no id")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode command: %w", err)
	}
	return append(data, '\n'), nil
}
