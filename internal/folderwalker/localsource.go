// SPDX-License-Identifier: GPL-3.0-or-later
package folderwalker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rgrist/m365mover/internal/domain"
)

// LocalSource walks the on-disk message store the download stage
// populated, so the upload stage can drive the same Walker over a
// directory tree instead of the Graph API.
type LocalSource struct {
	baseDir string
}

var _ Source = (*LocalSource)(nil)

// NewLocalSource roots the walk at baseDir (messages/<account>).
func NewLocalSource(baseDir string) *LocalSource {
	return &LocalSource{baseDir: baseDir}
}

func (s *LocalSource) Roots(ctx context.Context) ([]domain.Folder, error) {
	return s.listDir(s.baseDir, domain.Folder{})
}

func (s *LocalSource) Children(ctx context.Context, parent domain.Folder) ([]domain.Folder, error) {
	return s.listDir(filepath.Join(s.baseDir, filepath.FromSlash(parent.LocalPath())), parent)
}

func (s *LocalSource) listDir(dir string, parent domain.Folder) ([]domain.Folder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read local folder %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []domain.Folder
	for _, name := range names {
		out = append(out, domain.Folder{
			Name:       name,
			ParentPath: parent.LocalPath(),
			Depth:      parent.Depth + 1,
		})
	}
	return out, nil
}
