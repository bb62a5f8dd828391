// SPDX-License-Identifier: GPL-3.0-or-later
package folderwalker

import (
	"context"

	"github.com/rgrist/m365mover/internal/domain"
)

// GraphSource adapts a domain.SourceClient into a Source for the
// download stage's walk.
type GraphSource struct {
	client domain.SourceClient
}

var _ Source = (*GraphSource)(nil)

func NewGraphSource(client domain.SourceClient) *GraphSource {
	return &GraphSource{client: client}
}

func (s *GraphSource) Roots(ctx context.Context) ([]domain.Folder, error) {
	return s.client.ListRootFolders(ctx)
}

func (s *GraphSource) Children(ctx context.Context, parent domain.Folder) ([]domain.Folder, error) {
	if parent.ChildCount == 0 {
		return nil, nil
	}
	return s.client.ListChildFolders(ctx, parent)
}
