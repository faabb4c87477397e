package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxEvents      = "agenda_events"
	healthInterval = 10 * time.Second
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}

	interval  time.Duration
	hookMu    sync.Mutex
	onRecover func()
}

// NewMeili creates a Meilisearch client and configures the events index.
// An unreachable server is not an error: the health loop keeps probing and
// the index is configured once it recovers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	return newMeili(url, apiKey, logger, healthInterval)
}

func newMeili(url, apiKey string, logger *slog.Logger, interval time.Duration) *Meili {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client:   client,
		logger:   logger,
		done:     make(chan struct{}),
		interval: interval,
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxEvents,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("meilisearch create index (may already exist)", "index", idxEvents, "error", err)
	}

	index := m.client.Index(idxEvents)
	filterable := []interface{}{"owner"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("meilisearch update filterable attributes", "index", idxEvents, "error", err)
	}
	searchable := []string{"title", "description", "date"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("meilisearch update searchable attributes", "index", idxEvents, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
				m.recovered()
			}
		}
	}
}

// OnRecover registers fn to run on the health loop each time Meilisearch
// comes back after being unhealthy. Writes skipped or failed in between are
// only repaired by fn.
func (m *Meili) OnRecover(fn func()) {
	m.hookMu.Lock()
	m.onRecover = fn
	m.hookMu.Unlock()
}

func (m *Meili) recovered() {
	m.hookMu.Lock()
	fn := m.onRecover
	m.hookMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxEvents,
		Query:                 q.Text,
		Limit:                 int64(effectiveLimit(q.Limit)),
		AttributesToHighlight: []string{"title", "description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.Owner != "" {
		sr.Filter = []string{ownerFilter(q.Owner)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func ownerFilter(owner string) string {
	return fmt.Sprintf("owner = %q", owner)
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:          decodeString(hit, "id"),
		Title:       decodeString(hit, "title"),
		Description: decodeString(hit, "description"),
		Date:        decodeString(hit, "date"),
		Owner:       decodeString(hit, "owner"),
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeFormattedString(hit, "title"))
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// A failed write marks the client unhealthy so the next successful probe
// triggers the recovery hook.
func (m *Meili) writeFailed(err error) error {
	if err != nil {
		m.healthy.Store(false)
	}
	return err
}

func (m *Meili) IndexEvent(event EventRecord) error {
	_, err := m.client.Index(idxEvents).AddDocuments([]EventRecord{event}, nil)
	return m.writeFailed(err)
}

func (m *Meili) DeleteEvent(id string) error {
	_, err := m.client.Index(idxEvents).DeleteDocument(id, nil)
	return m.writeFailed(err)
}

// ReplaceEvents makes events the whole content of the index. Meilisearch
// applies tasks on one index in order, so the delete lands before the add.
func (m *Meili) ReplaceEvents(events []EventRecord) error {
	index := m.client.Index(idxEvents)
	if _, err := index.DeleteAllDocuments(nil); err != nil {
		return m.writeFailed(fmt.Errorf("clear index: %w", err))
	}
	if len(events) == 0 {
		return nil
	}
	if _, err := index.AddDocuments(events, nil); err != nil {
		return m.writeFailed(fmt.Errorf("add documents: %w", err))
	}
	return nil
}
