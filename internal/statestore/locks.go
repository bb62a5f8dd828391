// SPDX-License-Identifier: GPL-3.0-or-later
package statestore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/errs"
)

// ownerToken is the identifier written into a lock record: hostname and
// pid, the typed equivalent of the shell original's "lock file containing
// PID", per spec.md §9.
func ownerToken() string {
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

func ownerPid(token string) (int, bool) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// processLive reports whether pid identifies a still-running process, by
// sending it signal 0 (an existence probe, no actual signal delivered).
func processLive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

var _ domain.Lock = (*lockHandle)(nil)

// lockHandle implements domain.Lock.
type lockHandle struct {
	store *Store
	name  string
	owner string
}

func (h *lockHandle) Release() error {
	err := h.store.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		cur := b.Get([]byte(h.name))
		if cur == nil {
			return nil // already released
		}
		if string(cur) != h.owner {
			// Someone else reclaimed it as stale; nothing to do.
			return nil
		}
		return b.Delete([]byte(h.name))
	})
	if err != nil {
		return fmt.Errorf("could not release lock %s: %w", h.name, err)
	}
	return nil
}

// AcquireLock attempts to create-exclusive the named lock, polling every
// 100ms and reclaiming stale locks (an owner whose process is no longer
// live) until timeout elapses, per spec.md §4.1.
func (s *Store) AcquireLock(name string, timeout time.Duration) (domain.Lock, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	owner := ownerToken()
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := s.tryAcquire(name, owner)
		if err != nil {
			return nil, fmt.Errorf("could not acquire lock %s: %w", name, err)
		}
		if acquired {
			return &lockHandle{store: s, name: name, owner: owner}, nil
		}

		if time.Now().After(deadline) {
			return nil, errs.New(errs.LockTimeout, fmt.Errorf("timed out acquiring lock %s after %s", name, timeout))
		}
		time.Sleep(s.pollInterval)
	}
}

// tryAcquire makes one create-exclusive attempt, reclaiming the lock first
// if its recorded owner is no longer a live process.
func (s *Store) tryAcquire(name, owner string) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		cur := b.Get([]byte(name))
		if cur != nil {
			if pid, ok := ownerPid(string(cur)); ok && processLive(pid) {
				return nil // held by a live owner
			}
			s.l.WithFields(map[string]interface{}{"lock": name, "stale_owner": string(cur)}).
				Warn("Reclaiming lock with dead owner")
		}
		if err := b.Put([]byte(name), []byte(owner)); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}
