// Package checktrigger is the lightweight cross-process signal that lets a
// follower (typically an interactive CLI invocation) ask the running leader
// to poll immediately instead of waiting for the next interval.
package checktrigger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/quailyquaily/morphlink/internal/fsstore"
)

type Request struct {
	RequestedAt   time.Time `json:"requested_at"`
	RequesterPID  int       `json:"requester_pid"`
	RequesterRole string    `json:"requester_role,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// Result of a consume attempt. NextSeen is the watermark the caller must
// persist; it is what makes consumption at-most-once.
type Result struct {
	Triggered bool
	Request   Request
	NextSeen  time.Time
}

// Write records a trigger request. Overwriting a pending request is
// deliberate: the channel carries "poll now", not a queue of reasons.
func Write(path string, req Request) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	if req.RequesterPID == 0 {
		req.RequesterPID = os.Getpid()
	}
	if strings.TrimSpace(req.RequesterRole) == "" {
		req.RequesterRole = "follower"
	}
	if err := fsstore.WriteJSONAtomic(path, req); err != nil {
		return fmt.Errorf("checktrigger write: %w", err)
	}
	return nil
}

// Peek exposes the stored request for status surfaces without consuming it.
func Peek(path string, lastSeen time.Time) (Request, bool) {
	var req Request
	found, _ := fsstore.ReadJSONLenient(path, &req)
	if !found || !req.RequestedAt.After(lastSeen) {
		return Request{}, false
	}
	return req, true
}

// Consume reports whether a request newer than lastSeen is pending. The
// file is left in place; advancing the watermark to NextSeen is what
// prevents replay, so the caller must persist it.
func Consume(path string, lastSeen time.Time) Result {
	var req Request
	found, _ := fsstore.ReadJSONLenient(path, &req)
	if !found || !req.RequestedAt.After(lastSeen) {
		return Result{NextSeen: lastSeen}
	}
	return Result{
		Triggered: true,
		Request:   req,
		NextSeen:  req.RequestedAt,
	}
}
