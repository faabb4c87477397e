package search

import (
	"context"
	"strings"

	"agenda/api/internal/store"
)

// Scanner searches by loading the store and matching case-insensitive
// substrings of title, description and date. It is the fallback when
// Meilisearch is not configured or unhealthy.
type Scanner struct {
	repo store.Repository
}

func NewScanner(repo store.Repository) *Scanner {
	return &Scanner{repo: repo}
}

func (s *Scanner) Search(ctx context.Context, q Query) ([]Result, int, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return nil, 0, err
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	limit := effectiveLimit(q.Limit)
	results := make([]Result, 0)
	total := 0
	for _, event := range doc.Events {
		if q.Owner != "" && event.Owner != q.Owner {
			continue
		}
		if !eventMatches(event, needle) {
			continue
		}
		total++
		if len(results) < limit {
			results = append(results, Result{
				ID:          event.ID,
				Title:       event.Title,
				Description: event.Description,
				Date:        event.Date,
				Owner:       event.Owner,
			})
		}
	}
	return results, total, nil
}

func eventMatches(event store.Event, needle string) bool {
	if needle == "" {
		return true
	}
	for _, field := range []string{event.Title, event.Description, event.Date} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// Records returns every stored event in index form.
func (s *Scanner) Records(ctx context.Context) ([]EventRecord, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]EventRecord, 0, len(doc.Events))
	for _, event := range doc.Events {
		records = append(records, RecordFromEvent(event))
	}
	return records, nil
}

// RecordFromEvent converts a stored event into its index representation.
func RecordFromEvent(event store.Event) EventRecord {
	return EventRecord{
		ID:          event.ID,
		Title:       event.Title,
		Description: event.Description,
		Date:        event.Date,
		Owner:       event.Owner,
	}
}
