// SPDX-License-Identifier: GPL-3.0-or-later

// Package pipeline implements the per-message upload state machine of
// spec.md §4.5 as an explicit State type, with every terminal outcome
// recorded by finish, in the "ready-check, then act, then record"
// shape CrawX/imapconnection/deleter.go uses for its delete-readiness
// check before acting.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/logging"
	"github.com/rgrist/m365mover/internal/mail"
)

// State is one node of the upload state machine diagrammed in
// spec.md §4.5.
type State string

const (
	StateIdentified      State = "IDENTIFIED"
	StateSkippedDedup    State = "SKIPPED_DEDUP"
	StateFailedIntegrity State = "FAILED_INTEGRITY"
	StateVerifying       State = "VERIFYING"
	StateCommitted       State = "COMMITTED"
	StateFailedVerify    State = "FAILED_VERIFY"
	StateFailedAppend    State = "FAILED_APPEND"
)

// Terminal reports whether a state ends the pipeline for this message.
func (s State) Terminal() bool {
	switch s {
	case StateSkippedDedup, StateFailedIntegrity, StateCommitted, StateFailedVerify, StateFailedAppend:
		return true
	default:
		return false
	}
}

// Pipeline drives one message through the state machine against a
// Target Client and the State Store.
type Pipeline struct {
	target domain.TargetClient
	store  domain.StateStore

	maxRetries     int
	lockTimeout    time.Duration
	verifyAttempts int
	verifyDelay    time.Duration

	l *logrus.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithMaxRetries(n int) Option { return func(p *Pipeline) { p.maxRetries = n } }

func WithLockTimeout(d time.Duration) Option { return func(p *Pipeline) { p.lockTimeout = d } }

func WithVerifyPolicy(attempts int, delay time.Duration) Option {
	return func(p *Pipeline) { p.verifyAttempts, p.verifyDelay = attempts, delay }
}

// New builds a Pipeline.
func New(target domain.TargetClient, store domain.StateStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		target:         target,
		store:          store,
		maxRetries:     5,
		lockTimeout:    5 * time.Second,
		verifyAttempts: 3,
		verifyDelay:    500 * time.Millisecond,
		l:              logging.Logger(logging.Pipeline),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upload drives one message through NEW → IDENTIFIED → terminal, per
// spec.md §4.5. force bypasses both the state cache and the server-side
// dedup check, matching the upload stage's --force flag.
func (p *Pipeline) Upload(ctx context.Context, folder string, raw []byte, force bool) (State, error) {
	key, err := mail.IdentityKey(raw)
	if err != nil {
		return p.finish(folder, folder, StateFailedIntegrity, int64(len(raw)), fmt.Errorf("could not compute identity: %w", err))
	}

	lock, err := p.store.AcquireLock(lockName(folder, key), p.lockTimeout)
	if err != nil {
		return "", fmt.Errorf("could not acquire message lock for %s/%s: %w", folder, key, err)
	}
	defer lock.Release()

	size := int64(len(raw))

	for attempt := 0; ; attempt++ {
		// Re-checking dedup on every retry is mandatory: a prior attempt
		// may have succeeded at the server while its response was lost.
		if !force {
			cached, err := p.store.GetMessageState(folder, key)
			if err != nil {
				return "", fmt.Errorf("could not read message state cache: %w", err)
			}
			if cached == domain.StateUploaded || cached == domain.StateSkipped {
				return p.finish(folder, key, StateSkippedDedup, size, nil)
			}
		}

		if err := mail.CheckIntegrity(raw); err != nil {
			return p.finish(folder, key, StateFailedIntegrity, size, err)
		}

		if !force {
			exists, err := p.target.MessageExists(ctx, folder, key)
			if err != nil {
				return "", fmt.Errorf("could not check server dedup for %s/%s: %w", folder, key, err)
			}
			if exists {
				return p.finish(folder, key, StateSkippedDedup, size, nil)
			}
		}

		appendErr := p.target.Append(ctx, folder, true, raw)
		if appendErr == nil {
			committed, verr := p.verify(ctx, folder, key)
			if verr != nil {
				return "", verr
			}
			if committed {
				return p.finish(folder, key, StateCommitted, size, nil)
			}
			return p.finish(folder, key, StateFailedVerify, size, fmt.Errorf("could not verify append for %s/%s within retries", folder, key))
		}

		if attempt >= p.maxRetries {
			return p.finish(folder, key, StateFailedAppend, size, appendErr)
		}
		p.l.WithFields(logrus.Fields{"folder": folder, "key": key, "attempt": attempt}).
			Warn("APPEND failed, rechecking dedup before retrying")
	}
}

// verify polls the server for up to verifyAttempts tries, per the
// VERIFYING state's "server search hit within retries" transition.
func (p *Pipeline) verify(ctx context.Context, folder, key string) (bool, error) {
	for i := 0; i < p.verifyAttempts; i++ {
		exists, err := p.target.MessageExists(ctx, folder, key)
		if err != nil {
			return false, fmt.Errorf("could not verify %s/%s: %w", folder, key, err)
		}
		if exists {
			return true, nil
		}
		if i < p.verifyAttempts-1 {
			select {
			case <-time.After(p.verifyDelay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	return false, nil
}

// finish records the terminal outcome: message-state cache, job status,
// and the matching counters, per spec.md §4.5's transition table.
func (p *Pipeline) finish(folder, key string, state State, size int64, cause error) (State, error) {
	value := domain.StateFailed
	phase := domain.PhaseFailed
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	switch state {
	case StateCommitted:
		value, phase = domain.StateUploaded, domain.PhaseCompleted
		if _, err := p.store.IncrementFolderCounter(folder, "count", 1); err != nil {
			return state, err
		}
		if _, err := p.store.IncrementFolderCounter(folder, "size", size); err != nil {
			return state, err
		}
		if _, err := p.store.IncrementCounter("total_messages", 1); err != nil {
			return state, err
		}
		if _, err := p.store.IncrementCounter("total_size", size); err != nil {
			return state, err
		}
	case StateSkippedDedup:
		value, phase = domain.StateSkipped, domain.PhaseSkipped
		if _, err := p.store.IncrementFolderCounter(folder, "skipped", 1); err != nil {
			return state, err
		}
		if _, err := p.store.IncrementFolderCounter(folder, "size", size); err != nil {
			return state, err
		}
		if _, err := p.store.IncrementCounter("total_skipped", 1); err != nil {
			return state, err
		}
		if _, err := p.store.IncrementCounter("total_size", size); err != nil {
			return state, err
		}
	default: // FAILED_INTEGRITY, FAILED_VERIFY, FAILED_APPEND
		value, phase = domain.StateFailed, domain.PhaseFailed
		if _, err := p.store.IncrementFolderCounter(folder, "failed", 1); err != nil {
			return state, err
		}
		if _, err := p.store.IncrementCounter("total_failed", 1); err != nil {
			return state, err
		}
	}

	if key != "" {
		if err := p.store.PutMessageState(folder, key, value); err != nil {
			return state, fmt.Errorf("could not record message state: %w", err)
		}
	}
	if err := p.store.MarkJobStatus(lockName(folder, key), phase, message); err != nil {
		return state, fmt.Errorf("could not mark job status: %w", err)
	}

	var outErr error
	if cause != nil {
		outErr = fmt.Errorf("%s: %w", state, cause)
	}
	return state, outErr
}

func lockName(folder, key string) string {
	return fmt.Sprintf("message:%s:%s", folder, key)
}
