// Package leader implements file-based leadership election between
// cooperating worker processes. At most one contender long-polls Telegram
// at a time; the lease is best effort with a bounded dual-leadership
// window, not a linearizable lock.
package leader

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/quailyquaily/morphlink/internal/fsstore"
)

// Lease is the on-disk claim. A contender is leader iff its nonce is the
// one currently written to the lease file. The lease is reclaimable once
// now - RefreshedAt exceeds the staleness bound, or its pid is gone.
type Lease struct {
	PID         int       `json:"pid"`
	Nonce       string    `json:"nonce"`
	Hostname    string    `json:"hostname,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// State is one contender's view of the election. Nonce is assigned on
// construction and never changes for the life of the process.
type State struct {
	Nonce   string
	Leading bool
}

func NewState() *State {
	return &State{Nonce: uuid.NewString()}
}

type TickParams struct {
	LeasePath string
	LockPath  string
	Now       time.Time
	Stale     time.Duration
}

type TickResult struct {
	IsLeader     bool
	BecameLeader bool
}

// Tick runs one non-blocking election round. It is called once per poll
// cycle; there is no wait loop. The read-decide-write sequence runs under
// a same-host flock so two local contenders cannot interleave; the
// staleness bound is what limits contenders that cannot share the lock.
func Tick(ctx context.Context, state *State, params TickParams) (TickResult, error) {
	if state == nil {
		return TickResult{}, fmt.Errorf("leader: nil state")
	}
	if strings.TrimSpace(state.Nonce) == "" {
		return TickResult{}, fmt.Errorf("leader: state has no nonce")
	}
	if params.Now.IsZero() {
		params.Now = time.Now().UTC()
	}
	if params.Stale <= 0 {
		params.Stale = 5 * time.Minute
	}

	wasLeading := state.Leading
	var result TickResult
	err := fsstore.WithLock(ctx, params.LockPath, func() error {
		var current Lease
		found, warn := fsstore.ReadJSONLenient(params.LeasePath, &current)
		if warn != nil {
			// Unparsable lease files are reclaimable by mtime, matching
			// the treat-corrupt-as-absent contract everywhere else.
			if !leaseFileFreshByMtime(params.LeasePath, params.Now, params.Stale) {
				found = false
			} else {
				state.Leading = false
				return nil
			}
		}

		if found && current.Nonce == state.Nonce {
			current.RefreshedAt = params.Now
			if err := fsstore.WriteJSONAtomic(params.LeasePath, current); err != nil {
				return err
			}
			state.Leading = true
			result.IsLeader = true
			return nil
		}

		if found && !reclaimable(current, params.Now, params.Stale) {
			state.Leading = false
			return nil
		}

		claim := Lease{
			PID:         os.Getpid(),
			Nonce:       state.Nonce,
			Hostname:    hostname(),
			AcquiredAt:  params.Now,
			RefreshedAt: params.Now,
		}
		if err := fsstore.WriteJSONAtomic(params.LeasePath, claim); err != nil {
			return err
		}
		state.Leading = true
		result.IsLeader = true
		return nil
	})
	if err != nil {
		return TickResult{}, fmt.Errorf("leader tick: %w", err)
	}
	result.BecameLeader = result.IsLeader && !wasLeading
	return result, nil
}

// Release proactively drops leadership on graceful shutdown so a follower
// need not wait out the staleness bound. The file is removed only while
// it still carries our nonce.
func Release(ctx context.Context, state *State, leasePath, lockPath string) error {
	if state == nil || !state.Leading {
		return nil
	}
	err := fsstore.WithLock(ctx, lockPath, func() error {
		var current Lease
		found, _ := fsstore.ReadJSONLenient(leasePath, &current)
		if found && current.Nonce == state.Nonce {
			if err := os.Remove(leasePath); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
	state.Leading = false
	if err != nil {
		return fmt.Errorf("leader release: %w", err)
	}
	return nil
}

// Current reads the lease for status surfaces without contending.
func Current(leasePath string) (Lease, bool) {
	var current Lease
	found, _ := fsstore.ReadJSONLenient(leasePath, &current)
	return current, found
}

func reclaimable(lease Lease, now time.Time, stale time.Duration) bool {
	if lease.RefreshedAt.IsZero() || now.Sub(lease.RefreshedAt) > stale {
		return true
	}
	if lease.PID > 0 && !pidAlive(lease.PID) {
		return true
	}
	return false
}

func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == unix.EPERM
}

func leaseFileFreshByMtime(path string, now time.Time, stale time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) <= stale
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}
