package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"storyforge/api/internal/archive"
	"storyforge/api/internal/content"
	"storyforge/api/internal/status"
	"storyforge/api/internal/store"
	"storyforge/api/internal/util"
)

type TruthState struct {
	Truth    *store.Truth
	Snapshot *store.TruthSnapshot
}

type LockResult struct {
	TruthID  string              `json:"truthId"`
	Status   store.TruthStatus   `json:"status"`
	Changed  bool                `json:"changed"`
	Snapshot store.TruthSnapshot `json:"-"`
}

// FailedItem is a module document the needs-review sweep could not update.
type FailedItem struct {
	Module           store.Module `json:"module"`
	ModuleDocumentID string       `json:"moduleDocumentId"`
	Error            string       `json:"error"`
}

type UnlockResult struct {
	TruthID        string               `json:"truthId"`
	Status         store.TruthStatus    `json:"status"`
	ProjectStatus  status.Status        `json:"projectStatus"`
	ImpactReportID string               `json:"impactReportId"`
	AffectedItems  []store.AffectedItem `json:"affectedItems"`
	FailedItems    []FailedItem         `json:"failedItems"`
}

func errTruthNotFound() *DomainError {
	return notFoundError("TRUTH_NOT_FOUND", "Project has no truth yet")
}

func errTruthLocked() *DomainError {
	return conflictError("TRUTH_LOCKED", "Truth is locked; unlock it before editing", nil)
}

// GetTruth returns the active truth and the newest snapshot; either may be nil.
func (s *Service) GetTruth(ctx context.Context, projectID, requesterID string) (TruthState, error) {
	if _, err := s.authorizeRead(ctx, projectID, requesterID); err != nil {
		return TruthState{}, err
	}
	truth, err := s.store.GetLatestTruth(ctx, projectID)
	if err != nil {
		return TruthState{}, err
	}
	snapshot, err := s.store.GetLatestTruthSnapshot(ctx, projectID)
	if err != nil {
		return TruthState{}, err
	}
	return TruthState{Truth: truth, Snapshot: snapshot}, nil
}

// SaveTruth replaces the active truth's content, creating the truth on first
// save.
func (s *Service) SaveTruth(ctx context.Context, projectID, requesterID string, doc content.Doc) (store.Truth, error) {
	var saved store.Truth
	err := s.withProjectLock(ctx, projectID, func() error {
		if _, err := s.authorizeWrite(ctx, projectID, requesterID); err != nil {
			return err
		}
		truth, err := s.store.GetLatestTruth(ctx, projectID)
		if err != nil {
			return err
		}
		now := s.now()
		if truth == nil {
			saved = store.Truth{
				ID:        util.NewID("truth"),
				ProjectID: projectID,
				Status:    store.TruthDraft,
				Content:   doc,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.store.InsertTruth(ctx, saved); err != nil {
				return err
			}
			s.touchProject(ctx, projectID)
			return nil
		}
		if truth.Status == store.TruthLocked {
			return errTruthLocked()
		}
		updated, err := s.store.UpdateTruthContent(ctx, truth.ID, doc, now)
		if err != nil {
			return err
		}
		if !updated {
			return errTruthLocked()
		}
		saved = *truth
		saved.Content = doc
		saved.UpdatedAt = now
		s.touchProject(ctx, projectID)
		return nil
	})
	return saved, err
}

// LockTruth freezes the active truth and records the next snapshot of it.
// Locking an already locked truth changes nothing.
func (s *Service) LockTruth(ctx context.Context, projectID, requesterID string) (LockResult, error) {
	var result LockResult
	err := s.withProjectLock(ctx, projectID, func() error {
		if _, err := s.authorizeWrite(ctx, projectID, requesterID); err != nil {
			return err
		}
		truth, err := s.store.GetLatestTruth(ctx, projectID)
		if err != nil {
			return err
		}
		if truth == nil {
			return errTruthNotFound()
		}
		latest, err := s.store.GetLatestTruthSnapshot(ctx, projectID)
		if err != nil {
			return err
		}
		if truth.Status == store.TruthLocked {
			result = LockResult{TruthID: truth.ID, Status: truth.Status}
			if latest != nil {
				result.Snapshot = *latest
			}
			return nil
		}

		hash, err := truth.Content.Digest()
		if err != nil {
			return err
		}
		now := s.now()
		version := 1
		if latest != nil {
			version = latest.Version + 1
		}
		snapshot := store.TruthSnapshot{
			ID:          util.NewID("snap"),
			ProjectID:   projectID,
			TruthID:     truth.ID,
			Version:     version,
			Content:     truth.Content,
			ContentHash: hash,
			CreatedAt:   now,
		}
		if err := s.store.InsertTruthSnapshot(ctx, snapshot); err != nil {
			return err
		}
		if err := s.store.SetTruthStatus(ctx, truth.ID, store.TruthLocked, now); err != nil {
			return err
		}
		if err := s.store.InsertTruthAudit(ctx, store.TruthAuditEntry{
			ID:        util.NewID("audit"),
			ProjectID: projectID,
			TruthID:   truth.ID,
			Action:    store.AuditLock,
			ActorID:   requesterID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		s.touchProject(ctx, projectID)

		result = LockResult{TruthID: truth.ID, Status: store.TruthLocked, Changed: true, Snapshot: snapshot}
		return nil
	})
	if err != nil {
		return LockResult{}, err
	}

	if result.Changed {
		snapshot := result.Snapshot
		s.logger.Info("truth locked",
			zap.String("project_id", projectID),
			zap.String("snapshot_id", snapshot.ID),
			zap.Int("version", snapshot.Version),
		)
		record := archive.Record{
			ProjectID:   snapshot.ProjectID,
			SnapshotID:  snapshot.ID,
			TruthID:     snapshot.TruthID,
			Version:     snapshot.Version,
			ContentHash: snapshot.ContentHash,
			Content:     snapshot.Content,
			LockedBy:    requesterID,
			CreatedAt:   snapshot.CreatedAt,
		}
		s.goBackground("archive snapshot", []zap.Field{zap.String("snapshot_id", snapshot.ID)}, func(ctx context.Context) error {
			return s.archive.Archive(ctx, record)
		})
	}
	return result, nil
}

// UnlockTruth returns the truth to DRAFT, drops the project back to DRAFT and
// flags every module document for review. Each call records its own impact
// report.
func (s *Service) UnlockTruth(ctx context.Context, projectID, requesterID, reason string) (UnlockResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return UnlockResult{}, validationError("A reason is required to unlock the truth", map[string]any{"field": "reason"})
	}
	if strings.TrimSpace(requesterID) == "" {
		return UnlockResult{}, unauthenticatedError()
	}

	var result UnlockResult
	var before store.Project
	err := s.withProjectLock(ctx, projectID, func() error {
		project, err := s.authorizeWrite(ctx, projectID, requesterID)
		if err != nil {
			return err
		}
		before = project
		truth, err := s.store.GetLatestTruth(ctx, projectID)
		if err != nil {
			return err
		}
		if truth == nil {
			return errTruthNotFound()
		}

		now := s.now()
		if truth.Status != store.TruthDraft {
			if err := s.store.SetTruthStatus(ctx, truth.ID, store.TruthDraft, now); err != nil {
				return err
			}
		}
		if project.Status != status.Draft {
			changed, err := s.store.UpdateProjectStatus(ctx, store.ProjectStatusChange{
				ProjectID: projectID,
				From:      project.Status,
				To:        status.Draft,
				IsPublic:  false,
				At:        now,
			})
			if err != nil {
				return err
			}
			if !changed {
				return conflictError("STATUS_CHANGED", "Project status changed concurrently; reload and retry", map[string]any{"expected": project.Status})
			}
		}
		if err := s.store.InsertTruthAudit(ctx, store.TruthAuditEntry{
			ID:        util.NewID("audit"),
			ProjectID: projectID,
			TruthID:   truth.ID,
			Action:    store.AuditUnlock,
			ActorID:   requesterID,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		affected, failed, err := s.flagModulesForReview(ctx, projectID)
		if err != nil {
			return err
		}

		report := store.ImpactReport{
			ID:            util.NewID("impact"),
			ProjectID:     projectID,
			AffectedItems: affected,
			CreatedAt:     now,
		}
		snapshot, err := s.store.GetLatestTruthSnapshot(ctx, projectID)
		if err != nil {
			return err
		}
		if snapshot != nil {
			snapshotID := snapshot.ID
			report.TruthSnapshotID = &snapshotID
		}
		if err := s.store.InsertImpactReport(ctx, report); err != nil {
			return err
		}

		result = UnlockResult{
			TruthID:        truth.ID,
			Status:         store.TruthDraft,
			ProjectStatus:  status.Draft,
			ImpactReportID: report.ID,
			AffectedItems:  affected,
			FailedItems:    failed,
		}
		return nil
	})
	if err != nil {
		return UnlockResult{}, err
	}

	s.logger.Info("truth unlocked",
		zap.String("project_id", projectID),
		zap.String("actor_id", requesterID),
		zap.Int("affected", len(result.AffectedItems)),
		zap.Int("failed", len(result.FailedItems)),
	)
	if before.Status == status.Published {
		before.Status = status.Draft
		s.syncFeed(before, status.Published)
	}
	return result, nil
}

// flagModulesForReview marks each module document as needing review, one
// write per document. Documents that could not be updated are returned as
// failed items instead of aborting the sweep.
func (s *Service) flagModulesForReview(ctx context.Context, projectID string) ([]store.AffectedItem, []FailedItem, error) {
	documents, err := s.store.ListModuleDocuments(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	affected := make([]store.AffectedItem, 0, len(documents))
	failed := make([]FailedItem, 0)
	for _, doc := range documents {
		if err := s.store.SetModuleNeedsReview(ctx, doc.ID, true, s.now()); err != nil {
			s.logger.Warn("flag module for review",
				zap.String("project_id", projectID),
				zap.String("module_document_id", doc.ID),
				zap.Error(err),
			)
			failed = append(failed, FailedItem{Module: doc.Module, ModuleDocumentID: doc.ID, Error: err.Error()})
			continue
		}
		affected = append(affected, store.AffectedItem{Module: doc.Module, ModuleDocumentID: doc.ID})
	}
	return affected, failed, nil
}

func (s *Service) ListTruthAudit(ctx context.Context, projectID, requesterID string) ([]store.TruthAuditEntry, error) {
	if _, err := s.authorizeRead(ctx, projectID, requesterID); err != nil {
		return nil, err
	}
	return s.store.ListTruthAudit(ctx, projectID)
}
