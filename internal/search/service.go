package search

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const recoverReindexTimeout = 30 * time.Second

// Service is the facade that tries Meilisearch first and falls back to
// scanning the store. A nil *Service is valid and indexes nothing.
type Service struct {
	meili    *Meili
	fallback Searcher
	source   Source
	logger   *slog.Logger

	// writeMu orders single-event writes against a full reindex so an event
	// committed during a reindex is never wiped by its clear step.
	writeMu sync.Mutex
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
// When fallback also implements Source, the index is rebuilt from it every
// time Meilisearch recovers from an outage.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{meili: meili, fallback: fallback, logger: logger}
	if source, ok := fallback.(Source); ok {
		s.source = source
	}
	if meili != nil && s.source != nil {
		meili.OnRecover(s.reindexAfterRecovery)
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to the scanner.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.meiliReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
		}
		s.logger.Warn("meilisearch error, falling back to store scan", "error", err)
	}

	if s == nil || s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}, nil
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

// IndexEvent indexes an event (fire-and-forget to Meilisearch).
func (s *Service) IndexEvent(event EventRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if err := s.meili.IndexEvent(event); err != nil {
			s.logger.Warn("search index event failed", "event_id", event.ID, "error", err)
		}
	}()
}

// DeleteEvent removes an event from the search index (fire-and-forget).
func (s *Service) DeleteEvent(id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if err := s.meili.DeleteEvent(id); err != nil {
			s.logger.Warn("search delete event failed", "event_id", id, "error", err)
		}
	}()
}

// ReindexAll replaces the index content with events. Called during Bootstrap.
func (s *Service) ReindexAll(events []EventRecord) {
	if !s.meiliReady() {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.replace(events)
}

// Reindex rebuilds the index from the store.
func (s *Service) Reindex(ctx context.Context) error {
	if !s.meiliReady() || s.source == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	events, err := s.source.Records(ctx)
	if err != nil {
		return err
	}
	s.replace(events)
	return nil
}

func (s *Service) reindexAfterRecovery() {
	ctx, cancel := context.WithTimeout(context.Background(), recoverReindexTimeout)
	defer cancel()
	if err := s.Reindex(ctx); err != nil {
		s.logger.Warn("search reindex after recovery failed", "error", err)
	}
}

func (s *Service) replace(events []EventRecord) {
	if err := s.meili.ReplaceEvents(events); err != nil {
		s.logger.Warn("search reindex failed", "events", len(events), "error", err)
		return
	}
	s.logger.Info("search reindexed", "events", len(events))
}

func (s *Service) Close() {
	if s != nil && s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
