package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storyforge/api/internal/content"
	"storyforge/api/internal/store"
	"storyforge/api/internal/util"
)

var moduleKinds = map[store.Module]content.Kind{
	store.ModuleStory:    content.KindDoc,
	store.ModuleOverview: content.KindDoc,
	store.ModuleRoles:    content.KindCollection,
	store.ModuleClues:    content.KindCollection,
	store.ModuleTimeline: content.KindCollection,
	store.ModuleDM:       content.KindCollection,
}

var issueSeverities = map[string]struct{}{
	"P0": {},
	"P1": {},
	"P2": {},
}

const defaultIssueType = "consistency"

type IssueInput struct {
	Type        string          `json:"type"`
	Severity    string          `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Refs        json.RawMessage `json:"refs"`
}

func parseModule(raw string) (store.Module, error) {
	module := store.Module(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := moduleKinds[module]; !ok {
		return "", validationError("Unknown module", map[string]any{"module": raw, "allowed": moduleOrder})
	}
	return module, nil
}

// SaveModuleDocument stores new content for one module. Saving resolves any
// pending review of that module.
func (s *Service) SaveModuleDocument(ctx context.Context, projectID, requesterID, rawModule string, value content.Content) (store.ModuleDocument, error) {
	module, err := parseModule(rawModule)
	if err != nil {
		return store.ModuleDocument{}, err
	}
	if want := moduleKinds[module]; value.Kind() != want {
		return store.ModuleDocument{}, validationError(
			fmt.Sprintf("Module %s stores %s content", module, want),
			map[string]any{"module": module, "expected": want, "got": value.Kind()},
		)
	}

	var saved store.ModuleDocument
	err = s.withProjectLock(ctx, projectID, func() error {
		if _, err := s.authorizeWrite(ctx, projectID, requesterID); err != nil {
			return err
		}
		now := s.now()
		saved, err = s.store.SaveModuleDocument(ctx, store.ModuleDocument{
			ID:          util.NewID("mod"),
			ProjectID:   projectID,
			Module:      module,
			Content:     value,
			NeedsReview: false,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return err
		}
		s.touchProject(ctx, projectID)
		return nil
	})
	return saved, err
}

func (s *Service) ListModuleDocuments(ctx context.Context, projectID, requesterID string) ([]store.ModuleDocument, error) {
	if _, err := s.authorizeRead(ctx, projectID, requesterID); err != nil {
		return nil, err
	}
	return s.store.ListModuleDocuments(ctx, projectID)
}

// RecordIssues replaces the issue set a checker reported for one snapshot.
func (s *Service) RecordIssues(ctx context.Context, projectID, requesterID, snapshotID, source string, inputs []IssueInput) ([]store.Issue, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, validationError("Issue source is required", map[string]any{"field": "source"})
	}
	now := s.now()
	issues := make([]store.Issue, 0, len(inputs))
	for i, input := range inputs {
		severity := strings.ToUpper(strings.TrimSpace(input.Severity))
		if _, ok := issueSeverities[severity]; !ok {
			return nil, validationError("Issue severity must be P0, P1 or P2", map[string]any{"index": i, "severity": input.Severity})
		}
		title := strings.TrimSpace(input.Title)
		if title == "" {
			return nil, validationError("Issue title is required", map[string]any{"index": i, "field": "title"})
		}
		issueType := strings.TrimSpace(input.Type)
		if issueType == "" {
			issueType = defaultIssueType
		}
		issues = append(issues, store.Issue{
			ID:              util.NewID("issue"),
			ProjectID:       projectID,
			TruthSnapshotID: snapshotID,
			Source:          source,
			Type:            issueType,
			Severity:        severity,
			Title:           title,
			Description:     strings.TrimSpace(input.Description),
			Refs:            input.Refs,
			CreatedAt:       now,
		})
	}

	if _, err := s.authorizeWrite(ctx, projectID, requesterID); err != nil {
		return nil, err
	}
	if _, err := s.projectSnapshot(ctx, projectID, snapshotID); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceIssueSet(ctx, projectID, snapshotID, source, issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// ListIssues lists issues for snapshotID, or for the newest snapshot when
// snapshotID is empty.
func (s *Service) ListIssues(ctx context.Context, projectID, requesterID, snapshotID string) ([]store.Issue, error) {
	if _, err := s.authorizeRead(ctx, projectID, requesterID); err != nil {
		return nil, err
	}
	if snapshotID == "" {
		latest, err := s.store.GetLatestTruthSnapshot(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return []store.Issue{}, nil
		}
		snapshotID = latest.ID
	} else if _, err := s.projectSnapshot(ctx, projectID, snapshotID); err != nil {
		return nil, err
	}
	return s.store.ListIssues(ctx, projectID, snapshotID)
}

func (s *Service) projectSnapshot(ctx context.Context, projectID, snapshotID string) (store.TruthSnapshot, error) {
	snapshot, err := s.store.GetTruthSnapshot(ctx, snapshotID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && snapshot.ProjectID != projectID) {
		return store.TruthSnapshot{}, notFoundError("SNAPSHOT_NOT_FOUND", "Truth snapshot not found")
	}
	if err != nil {
		return store.TruthSnapshot{}, err
	}
	return snapshot, nil
}

func (s *Service) ListImpactReports(ctx context.Context, projectID, requesterID string) ([]store.ImpactReport, error) {
	if _, err := s.authorizeRead(ctx, projectID, requesterID); err != nil {
		return nil, err
	}
	return s.store.ListImpactReports(ctx, projectID)
}
