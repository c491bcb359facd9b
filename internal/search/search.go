package search

import (
	"context"

	"diagramsync/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Query describes a search request scoped to one principal.
type Query struct {
	Text      string
	Principal string
	Limit     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Query   string   `json:"query"`
}

// Searcher can execute a name search against an external index.
type Searcher interface {
	Search(q Query) ([]Result, error)
	Healthy() bool
}

// Fallback answers searches from the authoritative store.
type Fallback interface {
	SearchWorkspaces(ctx context.Context, principal, query string, limit int) ([]store.WorkspaceSummary, error)
}

// WorkspaceRecord is the data we index for a workspace. Key is an index-safe
// encoding of the caller-supplied workspace id.
type WorkspaceRecord struct {
	Key         string   `json:"key"`
	WorkspaceID string   `json:"workspaceId"`
	Name        string   `json:"name"`
	Members     []string `json:"members"`
	UpdatedAt   int64    `json:"updatedAt"`
}
