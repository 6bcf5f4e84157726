package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxProjects = "storyforge_published_projects"

var ErrUnavailable = errors.New("feed index unavailable")

// Meili implements Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the feed index. An
// unreachable server is tolerated; the health loop reconfigures on recovery.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.Named("feed"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxProjects, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxProjects), zap.Error(err))
	}
	index := m.client.Index(idxProjects)

	filterable := []interface{}{"ownerId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"name", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
	sortable := []string{"publishedAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("update sortable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
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
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Publish(_ context.Context, entry Entry) error {
	if _, err := m.client.Index(idxProjects).AddDocuments([]Entry{entry}, nil); err != nil {
		return fmt.Errorf("index project %s: %w", entry.ID, err)
	}
	return nil
}

func (m *Meili) Withdraw(_ context.Context, projectID string) error {
	if _, err := m.client.Index(idxProjects).DeleteDocument(projectID, nil); err != nil {
		return fmt.Errorf("withdraw project %s: %w", projectID, err)
	}
	return nil
}

func (m *Meili) Search(_ context.Context, q Query) (Result, error) {
	if !m.healthy.Load() {
		return Result{}, ErrUnavailable
	}
	resp, err := m.client.Index(idxProjects).Search(q.Text, buildSearchRequest(q))
	if err != nil {
		m.healthy.Store(false)
		return Result{}, fmt.Errorf("meilisearch search: %w", err)
	}

	result := Result{Entries: make([]Entry, 0, len(resp.Hits)), Total: int(resp.EstimatedTotalHits)}
	for _, hit := range resp.Hits {
		result.Entries = append(result.Entries, hitToEntry(hit))
	}
	return result, nil
}

func buildSearchRequest(q Query) *meili.SearchRequest {
	limit := int64(q.Limit)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	req := &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
		Sort:   []string{"publishedAt:desc"},
	}
	if q.OwnerID != "" {
		req.Filter = fmt.Sprintf("ownerId = %q", q.OwnerID)
	}
	return req
}

func hitToEntry(hit meili.Hit) Entry {
	entry := Entry{
		ID:          decodeString(hit, "id"),
		Name:        decodeString(hit, "name"),
		Description: decodeString(hit, "description"),
		OwnerID:     decodeString(hit, "ownerId"),
	}
	if raw, ok := hit["publishedAt"]; ok {
		_ = json.Unmarshal(raw, &entry.PublishedAt)
	}
	if raw, ok := hit["summary"]; ok && string(raw) != "null" {
		entry.Summary = append(json.RawMessage(nil), raw...)
	}
	return entry
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
