package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"storyforge/api/internal/feed"
	"storyforge/api/internal/status"
	"storyforge/api/internal/store"
)

type TransitionResult struct {
	ProjectID   string        `json:"projectId"`
	Status      status.Status `json:"status"`
	Previous    status.Status `json:"previousStatus"`
	Changed     bool          `json:"changed"`
	IsPublic    bool          `json:"isPublic"`
	PublishedAt *time.Time    `json:"publishedAt"`
}

func invalidStatusError(raw string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_STATUS", "Unknown project status", map[string]any{
		"status":  raw,
		"allowed": status.All(),
	})
}

func (s *Service) GetAllowedTransitions(raw string) (status.Status, []status.Status, error) {
	current, ok := status.Normalize(raw)
	if !ok {
		return "", nil, invalidStatusError(raw)
	}
	return current, status.AllowedNext(current), nil
}

// RequestStatusTransition moves a project to the requested status. The policy
// is checked against freshly read state and the write only lands if the
// status is still the one that was read.
func (s *Service) RequestStatusTransition(ctx context.Context, projectID, requesterID, rawNext string) (TransitionResult, error) {
	if strings.TrimSpace(requesterID) == "" {
		return TransitionResult{}, unauthenticatedError()
	}
	next, ok := status.Normalize(rawNext)
	if !ok {
		return TransitionResult{}, invalidStatusError(rawNext)
	}

	var result TransitionResult
	var updated store.Project
	err := s.withProjectLock(ctx, projectID, func() error {
		project, err := s.authorizeWrite(ctx, projectID, requesterID)
		if err != nil {
			return err
		}
		result = TransitionResult{
			ProjectID:   project.ID,
			Status:      project.Status,
			Previous:    project.Status,
			IsPublic:    project.IsPublic,
			PublishedAt: project.PublishedAt,
		}
		if project.Status == next {
			return nil
		}
		if !status.CanTransition(project.Status, next) {
			return conflictError("ILLEGAL_TRANSITION", "Status transition is not allowed", map[string]any{
				"current": project.Status,
				"next":    next,
				"allowed": status.AllowedNext(project.Status),
			})
		}
		if status.RequiresLockedTruth(next) {
			truth, err := s.store.GetLatestTruth(ctx, projectID)
			if err != nil {
				return err
			}
			if truth == nil || truth.Status != store.TruthLocked {
				return conflictError("TRUTH_NOT_LOCKED", "Truth must be locked first", map[string]any{"next": next})
			}
		}
		if next == status.Published {
			gate, err := s.evaluateGate(ctx, projectID)
			if err != nil {
				return err
			}
			if !gate.OK {
				return conflictError("PUBLISH_GATE_BLOCKED", "Project is not ready to publish", gate)
			}
		}

		now := s.now()
		change := store.ProjectStatusChange{
			ProjectID: projectID,
			From:      project.Status,
			To:        next,
			IsPublic:  status.IsPublic(next),
			At:        now,
		}
		if next == status.Published {
			change.PublishedAt = &now
		}
		changed, err := s.store.UpdateProjectStatus(ctx, change)
		if err != nil {
			return err
		}
		if !changed {
			return conflictError("STATUS_CHANGED", "Project status changed concurrently; reload and retry", map[string]any{"expected": project.Status})
		}

		result.Status = next
		result.Changed = true
		result.IsPublic = change.IsPublic
		if change.PublishedAt != nil {
			result.PublishedAt = change.PublishedAt
		}
		project.Status = next
		project.IsPublic = change.IsPublic
		project.PublishedAt = result.PublishedAt
		updated = project
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if result.Changed {
		s.logger.Info("project status changed",
			zap.String("project_id", projectID),
			zap.String("from", string(result.Previous)),
			zap.String("to", string(result.Status)),
		)
		s.syncFeed(updated, result.Previous)
	}
	return result, nil
}

// syncFeed keeps the community feed in step with a status change.
func (s *Service) syncFeed(project store.Project, previous status.Status) {
	fields := []zap.Field{zap.String("project_id", project.ID)}
	switch {
	case project.Status == status.Published:
		entry := feedEntry(project)
		s.goBackground("feed publish", fields, func(ctx context.Context) error {
			return s.feed.Publish(ctx, entry)
		})
	case previous == status.Published:
		s.goBackground("feed withdraw", fields, func(ctx context.Context) error {
			return s.feed.Withdraw(ctx, project.ID)
		})
	}
}

func feedEntry(project store.Project) feed.Entry {
	entry := feed.Entry{
		ID:          project.ID,
		Name:        project.Name,
		Description: project.Description,
		Summary:     project.CommunitySummary,
	}
	if project.OwnerID != nil {
		entry.OwnerID = *project.OwnerID
	}
	if project.PublishedAt != nil {
		entry.PublishedAt = project.PublishedAt.UnixMilli()
	}
	return entry
}
