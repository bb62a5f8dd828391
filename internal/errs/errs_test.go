// SPDX-License-Identifier: GPL-3.0-or-later
package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSentinelMatching(t *testing.T) {
	err := New(Throttled, errors.New("429"))
	assert.True(t, errors.Is(err, IsThrottled))
	assert.False(t, errors.Is(err, IsTransport))
}

func TestRetryablePolicy(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
		aborts    bool
	}{
		{Throttled, true, false},
		{Transport, true, false},
		{AuthFailed, false, true},
		{ConfigInvalid, false, true},
		{PermissionTooOpen, false, true},
		{Integrity, false, false},
		{VerifyFailed, false, false},
		{LockTimeout, false, false},
		{DedupSkip, false, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			err := New(tc.kind, errors.New("boom"))
			assert.Equal(t, tc.retryable, Retryable(err))
			assert.Equal(t, tc.aborts, AbortsStage(err))
		})
	}
}

func TestWithContext(t *testing.T) {
	base := New(Integrity, errors.New("too small"))
	withCtx := base.WithContext("Inbox", "<abc@x>", "")
	assert.Equal(t, "Inbox", withCtx.Folder)
	assert.Equal(t, "<abc@x>", withCtx.Message)
	assert.Equal(t, Integrity, withCtx.Kind)
	assert.Empty(t, base.Folder, "WithContext must not mutate the receiver")
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}
