package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Owner       string `json:"user"`
	Snippet     string `json:"snippet,omitempty"`
}

// Query describes a search request. An empty Owner searches every event.
type Query struct {
	Text  string
	Owner string
	Limit int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// Source lists every event to rebuild the index from.
type Source interface {
	Records(ctx context.Context) ([]EventRecord, error)
}

// EventRecord is the data we index for an agenda event.
type EventRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Owner       string `json:"owner"`
}

const defaultLimit = 20

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}
