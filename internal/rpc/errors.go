package rpc

import "errors"

var (
	// ErrTimeout: neither message_end nor agent_end arrived in budget.
	ErrTimeout = errors.New("rpc: prompt timed out")
	// ErrBusy: the child reported it is already mid-turn. The bridge
	// retries once with followUp before this ever reaches a caller.
	ErrBusy = errors.New("rpc: agent is busy")
	// ErrUnknownCommand: the child rejected a slash command it does not know.
	ErrUnknownCommand = errors.New("rpc: unknown command")
	// ErrInteractiveOnly: the command would open a TUI and cannot run here.
	ErrInteractiveOnly = errors.New("rpc: command is interactive-only")
	// ErrInventoryUnavailable: get_commands failed; slash dispatch fails closed.
	ErrInventoryUnavailable = errors.New("rpc: command inventory unavailable")
	// ErrProtocol: malformed frame or unrecognized stderr output. Fatal to
	// the in-flight command only, not the session.
	ErrProtocol = errors.New("rpc: protocol error")
	// ErrDisposed: the session was torn down with commands outstanding.
	ErrDisposed = errors.New("rpc: session disposed")
)
