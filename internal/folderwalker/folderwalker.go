// SPDX-License-Identifier: GPL-3.0-or-later

// Package folderwalker implements the recursive folder-tree walk
// described in spec.md §4.4, parameterized over a small Source interface
// so the same recursion drives both the Graph-folder walk (download
// stage) and the local-filesystem walk (upload stage).
package folderwalker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/logging"
)

// Source supplies the two listing operations the walk needs. The
// download stage implements it over the Source Client; the upload stage
// implements it over the local filesystem.
type Source interface {
	Roots(ctx context.Context) ([]domain.Folder, error)
	Children(ctx context.Context, parent domain.Folder) ([]domain.Folder, error)
}

// Visit is called once per folder, before its children are visited, per
// spec.md §4.4's "each folder is processed before its children".
type Visit func(ctx context.Context, folder domain.Folder) error

// Walker drives the recursive traversal with sibling pacing.
type Walker struct {
	source       Source
	requestDelay time.Duration
	l            *logrus.Logger
}

// New builds a Walker over source, sleeping requestDelay between sibling
// folders at every level, per spec.md §4.4.
func New(source Source, requestDelay time.Duration) *Walker {
	return &Walker{source: source, requestDelay: requestDelay, l: logging.Logger(logging.Pipeline)}
}

// Walk traverses every folder reachable from the source's roots,
// depth-first, calling visit on each before descending into its
// children. Depth-capping and sibling pacing are as in spec.md §4.4.
func (w *Walker) Walk(ctx context.Context, visit Visit) error {
	roots, err := w.source.Roots(ctx)
	if err != nil {
		return fmt.Errorf("could not list root folders: %w", err)
	}
	return w.walkSiblings(ctx, roots, visit)
}

func (w *Walker) walkSiblings(ctx context.Context, folders []domain.Folder, visit Visit) error {
	for i, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := visit(ctx, folder); err != nil {
			return fmt.Errorf("visiting folder %q: %w", folder.LocalPath(), err)
		}

		if folder.Depth >= domain.MaxFolderDepth {
			w.l.WithFields(logrus.Fields{"folder": folder.LocalPath(), "depth": folder.Depth}).
				Warn("Folder depth cap reached, not descending further")
		} else {
			children, err := w.source.Children(ctx, folder)
			if err != nil {
				return fmt.Errorf("could not list children of %q: %w", folder.LocalPath(), err)
			}
			if len(children) > 0 {
				if err := w.walkSiblings(ctx, children, visit); err != nil {
					return err
				}
			}
		}

		if i < len(folders)-1 && w.requestDelay > 0 {
			select {
			case <-time.After(w.requestDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
