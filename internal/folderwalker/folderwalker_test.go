// SPDX-License-Identifier: GPL-3.0-or-later
package folderwalker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgrist/m365mover/internal/domain"
	"github.com/rgrist/m365mover/internal/logging"
)

func init() {
	logging.Init("error")
}

// fakeTree is an in-memory Source keyed by local path, for testing the
// walk's ordering and depth-cap behavior without touching a filesystem.
type fakeTree struct {
	roots    []domain.Folder
	children map[string][]domain.Folder
}

func (f *fakeTree) Roots(ctx context.Context) ([]domain.Folder, error) { return f.roots, nil }

func (f *fakeTree) Children(ctx context.Context, parent domain.Folder) ([]domain.Folder, error) {
	return f.children[parent.LocalPath()], nil
}

func TestWalkVisitsParentBeforeChildren(t *testing.T) {
	tree := &fakeTree{
		roots: []domain.Folder{{Name: "Inbox", Depth: 1}},
		children: map[string][]domain.Folder{
			"Inbox": {{Name: "Sub", ParentPath: "Inbox", Depth: 2}},
		},
	}
	w := New(tree, 0)

	var visited []string
	err := w.Walk(context.Background(), func(ctx context.Context, f domain.Folder) error {
		visited = append(visited, f.LocalPath())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Inbox", "Inbox/Sub"}, visited)
}

func TestWalkStopsDescendingAtDepthCap(t *testing.T) {
	deep := domain.Folder{Name: "TooDeep", ParentPath: "a/b/c/d/e/f/g/h/i", Depth: domain.MaxFolderDepth}
	tree := &fakeTree{
		roots: []domain.Folder{deep},
		children: map[string][]domain.Folder{
			deep.LocalPath(): {{Name: "NeverSeen", ParentPath: deep.LocalPath(), Depth: domain.MaxFolderDepth + 1}},
		},
	}
	w := New(tree, 0)

	var visited []string
	err := w.Walk(context.Background(), func(ctx context.Context, f domain.Folder) error {
		visited = append(visited, f.LocalPath())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{deep.LocalPath()}, visited)
}

func TestWalkPropagatesVisitError(t *testing.T) {
	tree := &fakeTree{roots: []domain.Folder{{Name: "Inbox", Depth: 1}}}
	w := New(tree, 0)

	boom := fmt.Errorf("boom")
	err := w.Walk(context.Background(), func(ctx context.Context, f domain.Folder) error {
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestWalkPacesBetweenSiblings(t *testing.T) {
	tree := &fakeTree{
		roots: []domain.Folder{
			{Name: "A", Depth: 1},
			{Name: "B", Depth: 1},
			{Name: "C", Depth: 1},
		},
	}
	w := New(tree, 20*time.Millisecond)

	start := time.Now()
	var mu sync.Mutex
	var visited int
	err := w.Walk(context.Background(), func(ctx context.Context, f domain.Folder) error {
		mu.Lock()
		visited++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, visited)
	// Two inter-sibling sleeps for three root folders.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestLocalSourceRootsAndChildren(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "Inbox", "Sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "Sent"), 0o755))

	src := NewLocalSource(base)
	roots, err := src.Roots(context.Background())
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "Inbox", roots[0].Name)
	assert.Equal(t, "Sent", roots[1].Name)

	children, err := src.Children(context.Background(), roots[0])
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Sub", children[0].Name)
	assert.Equal(t, "Inbox", children[0].ParentPath)
}

func TestLocalSourceMissingDirReturnsEmpty(t *testing.T) {
	src := NewLocalSource(t.TempDir())
	children, err := src.Children(context.Background(), domain.Folder{Name: "DoesNotExist"})
	require.NoError(t, err)
	assert.Empty(t, children)
}
