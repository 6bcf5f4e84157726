// Package feed indexes published projects for the community feed.
package feed

import (
	"context"
	"encoding/json"
)

// Entry is the indexed view of one published project.
type Entry struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	OwnerID     string          `json:"ownerId"`
	PublishedAt int64           `json:"publishedAt"`
	Summary     json.RawMessage `json:"summary,omitempty"`
}

type Query struct {
	Text    string
	OwnerID string
	Limit   int
	Offset  int
}

type Result struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// Indexer keeps the feed in step with project publication.
type Indexer interface {
	Publish(ctx context.Context, entry Entry) error
	Withdraw(ctx context.Context, projectID string) error
	Search(ctx context.Context, q Query) (Result, error)
}

// Noop is used when no search backend is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Entry) error    { return nil }
func (Noop) Withdraw(context.Context, string) error  { return nil }
func (Noop) Search(context.Context, Query) (Result, error) {
	return Result{Entries: []Entry{}}, nil
}
