// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler runs download and upload work through two
// independently bounded worker pools, per spec.md §4.2/§4.6: one
// concurrency cap and inter-request pacing per direction, the rate
// limiter owned here rather than inside either client. The
// producer/errgroup shape is generalized from matta-gotmuch's
// internal/sync.pullDownload, and the bounded fan-out is generalized
// from CrawX/classifier/concurrentclassifier.go's channel semaphore
// into golang.org/x/sync/semaphore.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rgrist/m365mover/internal/config"
	"github.com/rgrist/m365mover/internal/logging"
)

// Task is one unit of scheduled work.
type Task func(ctx context.Context) error

// Pool bounds concurrency for one direction of the pipeline and paces
// requests within it.
type Pool struct {
	name        string
	concurrency int64
	limiter     *rate.Limiter
	l           *logrus.Logger
}

// NewPool builds a Pool with the given concurrency cap. If requestDelay
// is positive, every task acquires a rate.Limiter token spaced that far
// apart before it starts, pacing the direction's request rate.
func NewPool(name string, concurrency int, requestDelay time.Duration) *Pool {
	var limiter *rate.Limiter
	if requestDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(requestDelay), 1)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		name:        name,
		concurrency: int64(concurrency),
		limiter:     limiter,
		l:           logging.Logger(logging.Scheduler),
	}
}

// Run executes every task with at most p.concurrency running at once,
// stopping new dispatches at the first task error (errgroup semantics)
// while letting already-started tasks run to completion.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	sem := semaphore.NewWeighted(p.concurrency)
	grp, gctx := errgroup.WithContext(ctx)

	for _, task := range tasks {
		task := task

		if gctx.Err() != nil {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(gctx); err != nil {
				sem.Release(1)
				break
			}
		}

		grp.Go(func() error {
			defer sem.Release(1)
			return task(gctx)
		})
	}

	if err := grp.Wait(); err != nil {
		return fmt.Errorf("%s pool: %w", p.name, err)
	}
	return ctx.Err()
}

// Scheduler holds the pipeline's two direction-scoped pools, per
// spec.md §4.6: independent concurrency caps and pacing for download
// and upload so a slow target server never starves the source fetch,
// or vice versa.
type Scheduler struct {
	Download *Pool
	Upload   *Pool
}

// New builds a Scheduler from the system configuration's parallelism
// and pacing knobs.
func New(cfg *config.SystemConfig) *Scheduler {
	return &Scheduler{
		Download: NewPool("download", cfg.MaxParallelDownloads, cfg.RequestDelay()),
		Upload:   NewPool("upload", cfg.MaxParallelUploads, cfg.RequestDelay()),
	}
}
