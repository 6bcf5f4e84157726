package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyforge/api/internal/content"
	"storyforge/api/internal/status"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Projects

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id, status, is_public, published_at, community_summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
	`, project.ID, project.Name, project.Description, project.OwnerID, string(project.Status), project.IsPublic,
		project.PublishedAt, nullableJSON(project.CommunitySummary), project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var (
		project   Project
		rawStatus string
		summary   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, owner_id, status, is_public, published_at, community_summary, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&project.ID, &project.Name, &project.Description, &project.OwnerID, &rawStatus, &project.IsPublic,
		&project.PublishedAt, &summary, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	project.Status = status.Status(rawStatus)
	if len(summary) > 0 {
		project.CommunitySummary = json.RawMessage(summary)
	}
	return project, nil
}

func (s *PostgresStore) ClaimProjectOwner(ctx context.Context, projectID, userID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET owner_id = $2, updated_at = $3
		WHERE id = $1 AND owner_id IS NULL
	`, projectID, userID, at)
	if err != nil {
		return false, fmt.Errorf("claim project owner: %w", err)
	}
	return rowsChanged(result)
}

func (s *PostgresStore) UpdateProjectStatus(ctx context.Context, change ProjectStatusChange) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET status = $3, is_public = $4, published_at = COALESCE($5, published_at), updated_at = $6
		WHERE id = $1 AND status = $2
	`, change.ProjectID, string(change.From), string(change.To), change.IsPublic, change.PublishedAt, change.At)
	if err != nil {
		return false, fmt.Errorf("update project status: %w", err)
	}
	return rowsChanged(result)
}

func (s *PostgresStore) TouchProject(ctx context.Context, projectID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE projects SET updated_at = $2 WHERE id = $1`, projectID, at); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// Truths

func (s *PostgresStore) InsertTruth(ctx context.Context, truth Truth) error {
	payload, err := json.Marshal(truth.Content)
	if err != nil {
		return fmt.Errorf("marshal truth content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO truths (id, project_id, status, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, truth.ID, truth.ProjectID, string(truth.Status), string(payload), truth.CreatedAt, truth.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert truth: %w", err)
	}
	return nil
}

// GetLatestTruth returns nil when the project has no truth yet.
func (s *PostgresStore) GetLatestTruth(ctx context.Context, projectID string) (*Truth, error) {
	var (
		truth     Truth
		rawStatus string
		payload   []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, status, content, created_at, updated_at
		FROM truths
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, projectID).Scan(&truth.ID, &truth.ProjectID, &rawStatus, &payload, &truth.CreatedAt, &truth.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest truth: %w", err)
	}
	truth.Status = TruthStatus(rawStatus)
	if truth.Content, err = content.ParseDoc(payload); err != nil {
		return nil, fmt.Errorf("decode truth content: %w", err)
	}
	return &truth, nil
}

func (s *PostgresStore) UpdateTruthContent(ctx context.Context, truthID string, doc content.Doc, at time.Time) (bool, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("marshal truth content: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE truths SET content = $2::jsonb, updated_at = $3
		WHERE id = $1 AND status = 'DRAFT'
	`, truthID, string(payload), at)
	if err != nil {
		return false, fmt.Errorf("update truth content: %w", err)
	}
	return rowsChanged(result)
}

func (s *PostgresStore) SetTruthStatus(ctx context.Context, truthID string, next TruthStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE truths SET status = $2, updated_at = $3 WHERE id = $1`, truthID, string(next), at)
	if err != nil {
		return fmt.Errorf("set truth status: %w", err)
	}
	changed, err := rowsChanged(result)
	if err != nil {
		return err
	}
	if !changed {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertTruthAudit(ctx context.Context, entry TruthAuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO truth_audit_entries (id, project_id, truth_id, action, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.ProjectID, entry.TruthID, string(entry.Action), entry.ActorID, entry.Reason, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert truth audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTruthAudit(ctx context.Context, projectID string) ([]TruthAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, truth_id, action, actor_id, reason, created_at
		FROM truth_audit_entries
		WHERE project_id = $1
		ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list truth audit: %w", err)
	}
	defer rows.Close()

	items := make([]TruthAuditEntry, 0)
	for rows.Next() {
		var (
			entry  TruthAuditEntry
			action string
		)
		if err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.TruthID, &action, &entry.ActorID, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan truth audit: %w", err)
		}
		entry.Action = AuditAction(action)
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate truth audit: %w", err)
	}
	return items, nil
}

// Snapshots

func (s *PostgresStore) InsertTruthSnapshot(ctx context.Context, snapshot TruthSnapshot) error {
	payload, err := json.Marshal(snapshot.Content)
	if err != nil {
		return fmt.Errorf("marshal snapshot content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO truth_snapshots (id, project_id, truth_id, version, content, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
	`, snapshot.ID, snapshot.ProjectID, snapshot.TruthID, snapshot.Version, string(payload), snapshot.ContentHash, snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert truth snapshot: %w", err)
	}
	return nil
}

// GetLatestTruthSnapshot returns nil when the project has never been locked.
func (s *PostgresStore) GetLatestTruthSnapshot(ctx context.Context, projectID string) (*TruthSnapshot, error) {
	snapshot, err := s.scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, truth_id, version, content, content_hash, created_at
		FROM truth_snapshots
		WHERE project_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest truth snapshot: %w", err)
	}
	return &snapshot, nil
}

func (s *PostgresStore) GetTruthSnapshot(ctx context.Context, snapshotID string) (TruthSnapshot, error) {
	return s.scanSnapshot(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, truth_id, version, content, content_hash, created_at
		FROM truth_snapshots
		WHERE id = $1
	`, snapshotID))
}

func (s *PostgresStore) scanSnapshot(row *sql.Row) (TruthSnapshot, error) {
	var (
		snapshot TruthSnapshot
		payload  []byte
	)
	if err := row.Scan(&snapshot.ID, &snapshot.ProjectID, &snapshot.TruthID, &snapshot.Version, &payload, &snapshot.ContentHash, &snapshot.CreatedAt); err != nil {
		return TruthSnapshot{}, err
	}
	doc, err := content.ParseDoc(payload)
	if err != nil {
		return TruthSnapshot{}, fmt.Errorf("decode snapshot content: %w", err)
	}
	snapshot.Content = doc
	return snapshot, nil
}

// Module documents

func (s *PostgresStore) ListModuleDocuments(ctx context.Context, projectID string) ([]ModuleDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, module, content, needs_review, created_at, updated_at
		FROM module_documents
		WHERE project_id = $1
		ORDER BY module ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list module documents: %w", err)
	}
	defer rows.Close()

	items := make([]ModuleDocument, 0)
	for rows.Next() {
		doc, err := scanModuleDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan module document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module documents: %w", err)
	}
	return items, nil
}

// GetModuleDocument returns nil when the module has no document yet.
func (s *PostgresStore) GetModuleDocument(ctx context.Context, projectID string, module Module) (*ModuleDocument, error) {
	doc, err := scanModuleDocument(s.db.QueryRowContext(ctx, `
		SELECT id, project_id, module, content, needs_review, created_at, updated_at
		FROM module_documents
		WHERE project_id = $1 AND module = $2
	`, projectID, string(module)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get module document: %w", err)
	}
	return &doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModuleDocument(row rowScanner) (ModuleDocument, error) {
	var (
		doc     ModuleDocument
		module  string
		payload []byte
	)
	if err := row.Scan(&doc.ID, &doc.ProjectID, &module, &payload, &doc.NeedsReview, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return ModuleDocument{}, err
	}
	doc.Module = Module(module)
	parsed, err := content.Parse(payload)
	if err != nil {
		return ModuleDocument{}, fmt.Errorf("decode module content: %w", err)
	}
	doc.Content = parsed
	return doc, nil
}

// SaveModuleDocument inserts the document or replaces the content and review
// flag of the existing (project, module) row. The stored row is returned.
func (s *PostgresStore) SaveModuleDocument(ctx context.Context, doc ModuleDocument) (ModuleDocument, error) {
	payload, err := json.Marshal(doc.Content)
	if err != nil {
		return ModuleDocument{}, fmt.Errorf("marshal module content: %w", err)
	}
	saved, err := scanModuleDocument(s.db.QueryRowContext(ctx, `
		INSERT INTO module_documents (id, project_id, module, content, needs_review, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		ON CONFLICT (project_id, module) DO UPDATE
		SET content = EXCLUDED.content, needs_review = EXCLUDED.needs_review, updated_at = EXCLUDED.updated_at
		RETURNING id, project_id, module, content, needs_review, created_at, updated_at
	`, doc.ID, doc.ProjectID, string(doc.Module), string(payload), doc.NeedsReview, doc.CreatedAt, doc.UpdatedAt))
	if err != nil {
		return ModuleDocument{}, fmt.Errorf("save module document: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) SetModuleNeedsReview(ctx context.Context, documentID string, needsReview bool, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE module_documents SET needs_review = $2, updated_at = $3 WHERE id = $1
	`, documentID, needsReview, at)
	if err != nil {
		return fmt.Errorf("set module needs review: %w", err)
	}
	changed, err := rowsChanged(result)
	if err != nil {
		return err
	}
	if !changed {
		return sql.ErrNoRows
	}
	return nil
}

// Issues

// ReplaceIssueSet swaps the issues of one (snapshot, source) pair in a single
// transaction so readers never observe an empty intermediate set.
func (s *PostgresStore) ReplaceIssueSet(ctx context.Context, projectID, snapshotID, source string, issues []Issue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin issue replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM issues WHERE project_id = $1 AND truth_snapshot_id = $2 AND source = $3
	`, projectID, snapshotID, source); err != nil {
		return fmt.Errorf("delete issue set: %w", err)
	}
	for _, issue := range issues {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues (id, project_id, truth_snapshot_id, source, type, severity, title, description, refs, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		`, issue.ID, projectID, snapshotID, source, issue.Type, issue.Severity, issue.Title, issue.Description,
			nullableJSON(issue.Refs), issue.CreatedAt); err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit issue replace: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, projectID, snapshotID string) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, truth_snapshot_id, source, type, severity, title, description, refs, created_at
		FROM issues
		WHERE project_id = $1 AND truth_snapshot_id = $2
		ORDER BY created_at ASC, id ASC
	`, projectID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		var (
			issue Issue
			refs  []byte
		)
		if err := rows.Scan(&issue.ID, &issue.ProjectID, &issue.TruthSnapshotID, &issue.Source, &issue.Type, &issue.Severity,
			&issue.Title, &issue.Description, &refs, &issue.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		if len(refs) > 0 {
			issue.Refs = json.RawMessage(refs)
		}
		items = append(items, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// Impact reports

func (s *PostgresStore) InsertImpactReport(ctx context.Context, report ImpactReport) error {
	items := report.AffectedItems
	if items == nil {
		items = []AffectedItem{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal affected items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO impact_reports (id, project_id, truth_snapshot_id, affected_items, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`, report.ID, report.ProjectID, report.TruthSnapshotID, string(payload), report.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert impact report: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListImpactReports(ctx context.Context, projectID string) ([]ImpactReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, truth_snapshot_id, affected_items, created_at
		FROM impact_reports
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list impact reports: %w", err)
	}
	defer rows.Close()

	items := make([]ImpactReport, 0)
	for rows.Next() {
		var (
			report  ImpactReport
			payload []byte
		)
		if err := rows.Scan(&report.ID, &report.ProjectID, &report.TruthSnapshotID, &payload, &report.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan impact report: %w", err)
		}
		if err := json.Unmarshal(payload, &report.AffectedItems); err != nil {
			return nil, fmt.Errorf("decode affected items: %w", err)
		}
		items = append(items, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate impact reports: %w", err)
	}
	return items, nil
}

// Candidates

func (s *PostgresStore) InsertCandidates(ctx context.Context, candidates []AiCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin candidate insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, candidate := range candidates {
		payload, err := json.Marshal(candidate.Content)
		if err != nil {
			return fmt.Errorf("marshal candidate content: %w", err)
		}
		flags := candidate.RiskFlags
		if flags == nil {
			flags = []string{}
		}
		flagsPayload, err := json.Marshal(flags)
		if err != nil {
			return fmt.Errorf("marshal risk flags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ai_candidates (id, project_id, target, status, title, summary, content, refs, risk_flags, target_entry_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11)
		`, candidate.ID, candidate.ProjectID, string(candidate.Target), string(candidate.Status), candidate.Title, candidate.Summary,
			string(payload), nullableJSON(candidate.Refs), string(flagsPayload), candidate.TargetEntryID, candidate.CreatedAt); err != nil {
			return fmt.Errorf("insert candidate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit candidate insert: %w", err)
	}
	return nil
}

const candidateColumns = `id, project_id, target, status, title, summary, content, refs, risk_flags, target_entry_id, created_at, decided_at`

func (s *PostgresStore) GetCandidate(ctx context.Context, candidateID string) (AiCandidate, error) {
	return scanCandidate(s.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM ai_candidates WHERE id = $1`, candidateID))
}

// ListCandidates filters by status unless it is empty.
func (s *PostgresStore) ListCandidates(ctx context.Context, projectID string, status CandidateStatus) ([]AiCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candidateColumns+`
		FROM ai_candidates
		WHERE project_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at ASC, id ASC
	`, projectID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	items := make([]AiCandidate, 0)
	for rows.Next() {
		candidate, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		items = append(items, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return items, nil
}

func scanCandidate(row rowScanner) (AiCandidate, error) {
	var (
		candidate   AiCandidate
		target      string
		rawStatus   string
		payload     []byte
		refs        []byte
		flagPayload []byte
	)
	if err := row.Scan(&candidate.ID, &candidate.ProjectID, &target, &rawStatus, &candidate.Title, &candidate.Summary,
		&payload, &refs, &flagPayload, &candidate.TargetEntryID, &candidate.CreatedAt, &candidate.DecidedAt); err != nil {
		return AiCandidate{}, err
	}
	candidate.Target = CandidateTarget(target)
	candidate.Status = CandidateStatus(rawStatus)
	doc, err := content.ParseDoc(payload)
	if err != nil {
		return AiCandidate{}, fmt.Errorf("decode candidate content: %w", err)
	}
	candidate.Content = doc
	if len(refs) > 0 {
		candidate.Refs = json.RawMessage(refs)
	}
	if len(flagPayload) > 0 {
		if err := json.Unmarshal(flagPayload, &candidate.RiskFlags); err != nil {
			return AiCandidate{}, fmt.Errorf("decode risk flags: %w", err)
		}
	}
	return candidate, nil
}

// DecideCandidate moves a pending candidate to next. It reports false when
// the candidate was no longer pending.
func (s *PostgresStore) DecideCandidate(ctx context.Context, candidateID string, next CandidateStatus, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ai_candidates SET status = $2, decided_at = $3
		WHERE id = $1 AND status = 'pending'
	`, candidateID, string(next), at)
	if err != nil {
		return false, fmt.Errorf("decide candidate: %w", err)
	}
	return rowsChanged(result)
}

func rowsChanged(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
