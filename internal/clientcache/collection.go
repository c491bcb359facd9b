package clientcache

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"diagramsync/api/internal/diagram"
)

// Collection edits one sub-collection of a workspace document. Every
// mutation persists the whole document.
type Collection[T diagram.Entity] struct {
	cache *Cache
	kind  string
	items func(doc *diagram.Document) *[]T
}

func (c *Cache) Tables() Collection[diagram.Table] {
	return Collection[diagram.Table]{cache: c, kind: "table", items: func(d *diagram.Document) *[]diagram.Table { return &d.Tables }}
}

func (c *Cache) Relationships() Collection[diagram.Relationship] {
	return Collection[diagram.Relationship]{cache: c, kind: "relationship", items: func(d *diagram.Document) *[]diagram.Relationship { return &d.Relationships }}
}

func (c *Cache) Dependencies() Collection[diagram.Dependency] {
	return Collection[diagram.Dependency]{cache: c, kind: "dependency", items: func(d *diagram.Document) *[]diagram.Dependency { return &d.Dependencies }}
}

func (c *Cache) Areas() Collection[diagram.Area] {
	return Collection[diagram.Area]{cache: c, kind: "area", items: func(d *diagram.Document) *[]diagram.Area { return &d.Areas }}
}

func (c *Cache) Types() Collection[diagram.CustomType] {
	return Collection[diagram.CustomType]{cache: c, kind: "type", items: func(d *diagram.Document) *[]diagram.CustomType { return &d.Types }}
}

func (col Collection[T]) List(ctx context.Context, workspaceID string) ([]T, error) {
	ws, err := col.cache.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return *col.items(&ws.Document), nil
}

func (col Collection[T]) Get(ctx context.Context, workspaceID, id string) (T, error) {
	var zero T
	items, err := col.List(ctx, workspaceID)
	if err != nil {
		return zero, err
	}
	i := col.index(items, id)
	if i < 0 {
		return zero, col.notFound(id)
	}
	return items[i], nil
}

func (col Collection[T]) Add(ctx context.Context, workspaceID string, item T) error {
	id := item.EntityID()
	if id == "" {
		return errors.New(col.kind + " id is required")
	}
	return col.cache.mutate(ctx, workspaceID, func(doc *diagram.Document) error {
		items := col.items(doc)
		if col.index(*items, id) >= 0 {
			return fmt.Errorf("%s %q: %w", col.kind, id, ErrEntityExists)
		}
		*items = append(*items, item)
		return nil
	})
}

// Update replaces the element with the same id.
func (col Collection[T]) Update(ctx context.Context, workspaceID string, item T) error {
	id := item.EntityID()
	return col.cache.mutate(ctx, workspaceID, func(doc *diagram.Document) error {
		items := col.items(doc)
		i := col.index(*items, id)
		if i < 0 {
			return col.notFound(id)
		}
		(*items)[i] = item
		return nil
	})
}

func (col Collection[T]) Delete(ctx context.Context, workspaceID, id string) error {
	return col.cache.mutate(ctx, workspaceID, func(doc *diagram.Document) error {
		items := col.items(doc)
		i := col.index(*items, id)
		if i < 0 {
			return col.notFound(id)
		}
		*items = slices.Delete(*items, i, i+1)
		return nil
	})
}

func (col Collection[T]) index(items []T, id string) int {
	return slices.IndexFunc(items, func(item T) bool { return item.EntityID() == id })
}

func (col Collection[T]) notFound(id string) error {
	return fmt.Errorf("%s %q: %w", col.kind, id, ErrEntityNotFound)
}
