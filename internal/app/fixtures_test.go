package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storyforge/api/internal/archive"
	"storyforge/api/internal/content"
	"storyforge/api/internal/feed"
	"storyforge/api/internal/lock"
	"storyforge/api/internal/status"
	"storyforge/api/internal/store"
)

const (
	ownerID    = "user_owner"
	strangerID = "user_stranger"
	testSecret = "test-secret"
)

type recordingFeed struct {
	mu        sync.Mutex
	published []feed.Entry
	withdrawn []string
	searchErr error
}

func (f *recordingFeed) Publish(_ context.Context, entry feed.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, entry)
	return nil
}

func (f *recordingFeed) Withdraw(_ context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, projectID)
	return nil
}

func (f *recordingFeed) Search(_ context.Context, q feed.Query) (feed.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return feed.Result{}, f.searchErr
	}
	result := feed.Result{Entries: []feed.Entry{}}
	for _, entry := range f.published {
		if q.OwnerID != "" && entry.OwnerID != q.OwnerID {
			continue
		}
		result.Entries = append(result.Entries, entry)
	}
	result.Total = len(result.Entries)
	return result, nil
}

type recordingArchive struct {
	mu      sync.Mutex
	records []archive.Record
	err     error
}

func (a *recordingArchive) Archive(_ context.Context, record archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, record)
	return nil
}

// countingStore counts writes that touch content or candidate state.
type countingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes int
}

func (c *countingStore) bump() {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
}

func (c *countingStore) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *countingStore) InsertTruth(ctx context.Context, truth store.Truth) error {
	c.bump()
	return c.MemoryStore.InsertTruth(ctx, truth)
}

func (c *countingStore) UpdateTruthContent(ctx context.Context, truthID string, doc content.Doc, at time.Time) (bool, error) {
	c.bump()
	return c.MemoryStore.UpdateTruthContent(ctx, truthID, doc, at)
}

func (c *countingStore) SaveModuleDocument(ctx context.Context, doc store.ModuleDocument) (store.ModuleDocument, error) {
	c.bump()
	return c.MemoryStore.SaveModuleDocument(ctx, doc)
}

func (c *countingStore) DecideCandidate(ctx context.Context, candidateID string, next store.CandidateStatus, at time.Time) (bool, error) {
	c.bump()
	return c.MemoryStore.DecideCandidate(ctx, candidateID, next, at)
}

func (c *countingStore) TouchProject(ctx context.Context, projectID string, at time.Time) error {
	c.bump()
	return c.MemoryStore.TouchProject(ctx, projectID, at)
}

// flakyStore fails the needs-review write for selected documents.
type flakyStore struct {
	*store.MemoryStore
	failReview map[string]bool
}

func (f *flakyStore) SetModuleNeedsReview(ctx context.Context, documentID string, needsReview bool, at time.Time) error {
	if f.failReview[documentID] {
		return errors.New("write timeout")
	}
	return f.MemoryStore.SetModuleNeedsReview(ctx, documentID, needsReview, at)
}

// racingStore reports that every conditional status write lost the race.
type racingStore struct {
	*store.MemoryStore
}

func (racingStore) UpdateProjectStatus(context.Context, store.ProjectStatusChange) (bool, error) {
	return false, nil
}

type fixture struct {
	svc     *Service
	mem     *store.MemoryStore
	feed    *recordingFeed
	archive *recordingArchive
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore(), nil)
}

// newFixtureWithStore builds a service over dataStore; mem must be the memory
// store backing it when dataStore wraps one.
func newFixtureWithStore(t *testing.T, mem *store.MemoryStore, dataStore DataStore) *fixture {
	t.Helper()
	if dataStore == nil {
		dataStore = mem
	}
	f := &fixture{
		mem:     mem,
		feed:    &recordingFeed{},
		archive: &recordingArchive{},
	}
	f.svc = New(Deps{
		Store:     dataStore,
		Locker:    lock.NewMemoryLocker(time.Second),
		Feed:      f.feed,
		Archive:   f.archive,
		Logger:    zap.NewNop(),
		JWTSecret: testSecret,
		Now:       steppingClock(),
	})
	t.Cleanup(f.svc.Drain)
	return f
}

func (f *fixture) createProject(t *testing.T) store.Project {
	t.Helper()
	project, err := f.svc.CreateProject(context.Background(), ownerID, "The Lighthouse Murders", "A locked-room mystery")
	require.NoError(t, err)
	return project
}

// seedProject stores a project directly in the given status.
func (f *fixture) seedProject(t *testing.T, id string, current status.Status, owner *string) store.Project {
	t.Helper()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	project := store.Project{
		ID:        id,
		Name:      "Seeded " + id,
		OwnerID:   owner,
		Status:    current,
		IsPublic:  status.IsPublic(current),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.mem.CreateProject(context.Background(), project))
	return project
}

func paragraph(text string) content.Node {
	return content.Node{Type: "paragraph", Content: []content.Node{{Type: "text", Text: text}}}
}

func docOf(texts ...string) content.Doc {
	nodes := make([]content.Node, 0, len(texts))
	for _, text := range texts {
		nodes = append(nodes, paragraph(text))
	}
	return content.Doc{Nodes: nodes}
}

func collectionOf(entries ...content.Entry) content.Content {
	collection := content.Collection{Entries: entries}
	if len(entries) > 0 {
		collection.ActiveID = entries[0].ID
	}
	return content.NewCollection(collection)
}

// saveAllModules stores every module the publish gate requires.
func (f *fixture) saveAllModules(t *testing.T, projectID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.SaveModuleDocument(ctx, projectID, ownerID, "story", content.NewDoc(paragraph("Act one")))
	require.NoError(t, err)
	for _, module := range []string{"roles", "clues", "timeline", "dm"} {
		_, err := f.svc.SaveModuleDocument(ctx, projectID, ownerID, module, collectionOf(content.Entry{
			ID:      module + "-1",
			Name:    module + " entry",
			Content: docOf(module + " notes"),
		}))
		require.NoError(t, err)
	}
}

// lockedProject returns a project with a locked truth, all required modules
// and status TRUTH_LOCKED.
func (f *fixture) lockedProject(t *testing.T) store.Project {
	t.Helper()
	ctx := context.Background()
	project := f.createProject(t)
	_, err := f.svc.SaveTruth(ctx, project.ID, ownerID, docOf("The keeper lied about the storm."))
	require.NoError(t, err)
	f.saveAllModules(t, project.ID)
	_, err = f.svc.LockTruth(ctx, project.ID, ownerID)
	require.NoError(t, err)
	_, err = f.svc.RequestStatusTransition(ctx, project.ID, ownerID, "TRUTH_LOCKED")
	require.NoError(t, err)
	return project
}

func (f *fixture) insertCandidate(t *testing.T, projectID string, target store.CandidateTarget, title string, doc content.Doc) store.AiCandidate {
	t.Helper()
	candidate := store.AiCandidate{
		ID:        "cand_" + string(target) + "_" + title,
		ProjectID: projectID,
		Target:    target,
		Status:    store.CandidatePending,
		Title:     title,
		Content:   doc,
		CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.mem.InsertCandidates(context.Background(), []store.AiCandidate{candidate}))
	return candidate
}

func requireDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	require.Error(t, err)
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr), "expected DomainError, got %T: %v", err, err)
	require.Equal(t, status, domainErr.Status, "status for %s", domainErr.Code)
	require.Equal(t, code, domainErr.Code)
	return domainErr
}

func ptr[T any](v T) *T {
	return &v
}
