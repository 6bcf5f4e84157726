package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"storyforge/api/internal/content"
)

// MemoryStore keeps all rows in process memory behind one mutex. It honours
// the same contract as PostgresStore, including sql.ErrNoRows for missing
// keyed rows, and backs STORE_DRIVER=memory and the service tests.
type MemoryStore struct {
	mu sync.RWMutex

	projects   map[string]Project
	truths     map[string][]Truth
	snapshots  map[string][]TruthSnapshot
	audit      map[string][]TruthAuditEntry
	modules    map[string]map[Module]ModuleDocument
	issues     map[string][]Issue
	reports    map[string][]ImpactReport
	candidates map[string]AiCandidate
	candOrder  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:   make(map[string]Project),
		truths:     make(map[string][]Truth),
		snapshots:  make(map[string][]TruthSnapshot),
		audit:      make(map[string][]TruthAuditEntry),
		modules:    make(map[string]map[Module]ModuleDocument),
		issues:     make(map[string][]Issue),
		reports:    make(map[string][]ImpactReport),
		candidates: make(map[string]AiCandidate),
	}
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) CreateProject(_ context.Context, project Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[project.ID]; exists {
		return fmt.Errorf("insert project: duplicate id %s", project.ID)
	}
	m.projects[project.ID] = project
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project, ok := m.projects[projectID]
	if !ok {
		return Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (m *MemoryStore) ClaimProjectOwner(_ context.Context, projectID, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok || project.OwnerID != nil {
		return false, nil
	}
	owner := userID
	project.OwnerID = &owner
	project.UpdatedAt = at
	m.projects[projectID] = project
	return true, nil
}

func (m *MemoryStore) UpdateProjectStatus(_ context.Context, change ProjectStatusChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[change.ProjectID]
	if !ok || project.Status != change.From {
		return false, nil
	}
	project.Status = change.To
	project.IsPublic = change.IsPublic
	if change.PublishedAt != nil {
		publishedAt := *change.PublishedAt
		project.PublishedAt = &publishedAt
	}
	project.UpdatedAt = change.At
	m.projects[change.ProjectID] = project
	return true, nil
}

func (m *MemoryStore) TouchProject(_ context.Context, projectID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if project, ok := m.projects[projectID]; ok {
		project.UpdatedAt = at
		m.projects[projectID] = project
	}
	return nil
}

func (m *MemoryStore) InsertTruth(_ context.Context, truth Truth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truths[truth.ProjectID] = append(m.truths[truth.ProjectID], truth)
	return nil
}

func (m *MemoryStore) GetLatestTruth(_ context.Context, projectID string) (*Truth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	truths := m.truths[projectID]
	if len(truths) == 0 {
		return nil, nil
	}
	latest := truths[len(truths)-1]
	return &latest, nil
}

func (m *MemoryStore) UpdateTruthContent(_ context.Context, truthID string, doc content.Doc, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	truth, project, index, ok := m.findTruthLocked(truthID)
	if !ok || truth.Status != TruthDraft {
		return false, nil
	}
	truth.Content = doc
	truth.UpdatedAt = at
	m.truths[project][index] = truth
	return true, nil
}

func (m *MemoryStore) SetTruthStatus(_ context.Context, truthID string, next TruthStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	truth, project, index, ok := m.findTruthLocked(truthID)
	if !ok {
		return sql.ErrNoRows
	}
	truth.Status = next
	truth.UpdatedAt = at
	m.truths[project][index] = truth
	return nil
}

func (m *MemoryStore) findTruthLocked(truthID string) (Truth, string, int, bool) {
	for projectID, truths := range m.truths {
		for i, truth := range truths {
			if truth.ID == truthID {
				return truth, projectID, i, true
			}
		}
	}
	return Truth{}, "", 0, false
}

func (m *MemoryStore) InsertTruthAudit(_ context.Context, entry TruthAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[entry.ProjectID] = append(m.audit[entry.ProjectID], entry)
	return nil
}

func (m *MemoryStore) ListTruthAudit(_ context.Context, projectID string) ([]TruthAuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(make([]TruthAuditEntry, 0, len(m.audit[projectID])), m.audit[projectID]...), nil
}

func (m *MemoryStore) InsertTruthSnapshot(_ context.Context, snapshot TruthSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.snapshots[snapshot.ProjectID] {
		if existing.Version >= snapshot.Version {
			return fmt.Errorf("insert truth snapshot: version %d is not greater than %d", snapshot.Version, existing.Version)
		}
	}
	m.snapshots[snapshot.ProjectID] = append(m.snapshots[snapshot.ProjectID], snapshot)
	return nil
}

func (m *MemoryStore) GetLatestTruthSnapshot(_ context.Context, projectID string) (*TruthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshots := m.snapshots[projectID]
	if len(snapshots) == 0 {
		return nil, nil
	}
	latest := snapshots[len(snapshots)-1]
	return &latest, nil
}

func (m *MemoryStore) GetTruthSnapshot(_ context.Context, snapshotID string) (TruthSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, snapshots := range m.snapshots {
		for _, snapshot := range snapshots {
			if snapshot.ID == snapshotID {
				return snapshot, nil
			}
		}
	}
	return TruthSnapshot{}, sql.ErrNoRows
}

func (m *MemoryStore) ListModuleDocuments(_ context.Context, projectID string) ([]ModuleDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]ModuleDocument, 0, len(m.modules[projectID]))
	for _, doc := range m.modules[projectID] {
		items = append(items, doc)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Module < items[j].Module })
	return items, nil
}

func (m *MemoryStore) GetModuleDocument(_ context.Context, projectID string, module Module) (*ModuleDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.modules[projectID][module]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (m *MemoryStore) SaveModuleDocument(_ context.Context, doc ModuleDocument) (ModuleDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byModule := m.modules[doc.ProjectID]
	if byModule == nil {
		byModule = make(map[Module]ModuleDocument)
		m.modules[doc.ProjectID] = byModule
	}
	if existing, ok := byModule[doc.Module]; ok {
		existing.Content = doc.Content
		existing.NeedsReview = doc.NeedsReview
		existing.UpdatedAt = doc.UpdatedAt
		byModule[doc.Module] = existing
		return existing, nil
	}
	byModule[doc.Module] = doc
	return doc, nil
}

func (m *MemoryStore) SetModuleNeedsReview(_ context.Context, documentID string, needsReview bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, byModule := range m.modules {
		for module, doc := range byModule {
			if doc.ID != documentID {
				continue
			}
			doc.NeedsReview = needsReview
			doc.UpdatedAt = at
			byModule[module] = doc
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *MemoryStore) ReplaceIssueSet(_ context.Context, projectID, snapshotID, source string, issues []Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]Issue, 0, len(m.issues[projectID])+len(issues))
	for _, issue := range m.issues[projectID] {
		if issue.TruthSnapshotID == snapshotID && issue.Source == source {
			continue
		}
		kept = append(kept, issue)
	}
	for _, issue := range issues {
		issue.ProjectID = projectID
		issue.TruthSnapshotID = snapshotID
		issue.Source = source
		kept = append(kept, issue)
	}
	m.issues[projectID] = kept
	return nil
}

func (m *MemoryStore) ListIssues(_ context.Context, projectID, snapshotID string) ([]Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Issue, 0)
	for _, issue := range m.issues[projectID] {
		if issue.TruthSnapshotID == snapshotID {
			items = append(items, issue)
		}
	}
	return items, nil
}

func (m *MemoryStore) InsertImpactReport(_ context.Context, report ImpactReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	report.AffectedItems = append([]AffectedItem{}, report.AffectedItems...)
	m.reports[report.ProjectID] = append(m.reports[report.ProjectID], report)
	return nil
}

func (m *MemoryStore) ListImpactReports(_ context.Context, projectID string) ([]ImpactReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reports := m.reports[projectID]
	items := make([]ImpactReport, 0, len(reports))
	for i := len(reports) - 1; i >= 0; i-- {
		items = append(items, reports[i])
	}
	return items, nil
}

func (m *MemoryStore) InsertCandidates(_ context.Context, candidates []AiCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, candidate := range candidates {
		if _, exists := m.candidates[candidate.ID]; exists {
			return fmt.Errorf("insert candidate: duplicate id %s", candidate.ID)
		}
	}
	for _, candidate := range candidates {
		m.candidates[candidate.ID] = candidate
		m.candOrder = append(m.candOrder, candidate.ID)
	}
	return nil
}

func (m *MemoryStore) GetCandidate(_ context.Context, candidateID string) (AiCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candidate, ok := m.candidates[candidateID]
	if !ok {
		return AiCandidate{}, sql.ErrNoRows
	}
	return candidate, nil
}

func (m *MemoryStore) ListCandidates(_ context.Context, projectID string, status CandidateStatus) ([]AiCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]AiCandidate, 0)
	for _, id := range m.candOrder {
		candidate := m.candidates[id]
		if candidate.ProjectID != projectID {
			continue
		}
		if status != "" && candidate.Status != status {
			continue
		}
		items = append(items, candidate)
	}
	return items, nil
}

func (m *MemoryStore) DecideCandidate(_ context.Context, candidateID string, next CandidateStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidate, ok := m.candidates[candidateID]
	if !ok || candidate.Status != CandidatePending {
		return false, nil
	}
	candidate.Status = next
	decidedAt := at
	candidate.DecidedAt = &decidedAt
	m.candidates[candidateID] = candidate
	return true, nil
}
