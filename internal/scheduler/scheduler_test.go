// SPDX-License-Identifier: GPL-3.0-or-later
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgrist/m365mover/internal/config"
	"github.com/rgrist/m365mover/internal/logging"
)

func init() {
	logging.Init("error")
}

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool("test", 4, 0)

	var count int64
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}
	}

	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int64(20), count)
}

func TestPoolNeverExceedsConcurrencyCap(t *testing.T) {
	p := NewPool("test", 3, 0)

	var mu sync.Mutex
	var current, maxSeen int64
	tasks := make([]Task, 30)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			mu.Lock()
			current++
			if current > maxSeen {
				maxSeen = current
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, p.Run(context.Background(), tasks))
	assert.LessOrEqual(t, maxSeen, int64(3))
}

func TestPoolStopsDispatchingAfterFirstError(t *testing.T) {
	p := NewPool("test", 1, 0)

	boom := fmt.Errorf("task 2 failed")
	var ran int64
	tasks := []Task{
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return boom },
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
	}

	err := p.Run(context.Background(), tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	// Concurrency 1 serializes tasks, so the failure must cut off dispatch
	// before every task runs; exactly how many more get a chance to start
	// before cancellation propagates is a race, not a guarantee.
	assert.Less(t, ran, int64(len(tasks)))
}

func TestPoolPacesWithRequestDelay(t *testing.T) {
	p := NewPool("test", 5, 20*time.Millisecond)

	var count int64
	tasks := make([]Task, 4)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}
	}

	start := time.Now()
	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int64(4), count)
	// Three inter-task gaps at 20ms each, even with concurrency to spare.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestPoolRespectsContextCancellation(t *testing.T) {
	p := NewPool("test", 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int64
	tasks := []Task{
		func(ctx context.Context) error { atomic.AddInt64(&ran, 1); return nil },
	}

	err := p.Run(ctx, tasks)
	assert.Error(t, err)
	assert.Equal(t, int64(0), ran)
}

func TestNewBuildsIndependentDownloadAndUploadPools(t *testing.T) {
	cfg := &config.SystemConfig{
		MaxParallelDownloads: 3,
		MaxParallelUploads:   1,
		RequestDelayMs:       0,
	}
	s := New(cfg)
	require.NotNil(t, s.Download)
	require.NotNil(t, s.Upload)
	assert.Equal(t, int64(3), s.Download.concurrency)
	assert.Equal(t, int64(1), s.Upload.concurrency)
}
