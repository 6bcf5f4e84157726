package app

import (
	"context"
	"strings"

	"storyforge/api/internal/store"
)

// requiredModules must all exist before a project can be published.
var requiredModules = []store.Module{
	store.ModuleStory,
	store.ModuleRoles,
	store.ModuleClues,
	store.ModuleTimeline,
	store.ModuleDM,
}

// moduleOrder is the order modules are reported in.
var moduleOrder = append(append([]store.Module{}, requiredModules...), store.ModuleOverview)

type GateIssue struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Type   string `json:"type"`
	Title  string `json:"title"`
}

type GateResult struct {
	OK                 bool           `json:"ok"`
	TruthSnapshotID    *string        `json:"truthSnapshotId"`
	MissingModules     []store.Module `json:"missingModules"`
	NeedsReviewModules []store.Module `json:"needsReviewModules"`
	P0IssueCount       int            `json:"p0IssueCount"`
	P0Issues           []GateIssue    `json:"p0Issues"`
}

func (s *Service) EvaluatePublishGate(ctx context.Context, projectID, requesterID string) (GateResult, error) {
	if _, err := s.authorizeRead(ctx, projectID, requesterID); err != nil {
		return GateResult{}, err
	}
	return s.evaluateGate(ctx, projectID)
}

// evaluateGate only reads.
func (s *Service) evaluateGate(ctx context.Context, projectID string) (GateResult, error) {
	result := GateResult{
		MissingModules:     []store.Module{},
		NeedsReviewModules: []store.Module{},
		P0Issues:           []GateIssue{},
	}

	documents, err := s.store.ListModuleDocuments(ctx, projectID)
	if err != nil {
		return GateResult{}, err
	}
	byModule := make(map[store.Module]store.ModuleDocument, len(documents))
	for _, doc := range documents {
		byModule[doc.Module] = doc
	}
	for _, module := range requiredModules {
		if _, ok := byModule[module]; !ok {
			result.MissingModules = append(result.MissingModules, module)
		}
	}
	for _, module := range moduleOrder {
		if doc, ok := byModule[module]; ok && doc.NeedsReview {
			result.NeedsReviewModules = append(result.NeedsReviewModules, module)
		}
	}

	snapshot, err := s.store.GetLatestTruthSnapshot(ctx, projectID)
	if err != nil {
		return GateResult{}, err
	}
	if snapshot != nil {
		snapshotID := snapshot.ID
		result.TruthSnapshotID = &snapshotID

		issues, err := s.store.ListIssues(ctx, projectID, snapshot.ID)
		if err != nil {
			return GateResult{}, err
		}
		for _, issue := range issues {
			if !strings.EqualFold(strings.TrimSpace(issue.Severity), "P0") {
				continue
			}
			result.P0Issues = append(result.P0Issues, GateIssue{
				ID:     issue.ID,
				Source: issue.Source,
				Type:   issue.Type,
				Title:  issue.Title,
			})
		}
		result.P0IssueCount = len(result.P0Issues)
	}

	result.OK = result.TruthSnapshotID != nil &&
		len(result.MissingModules) == 0 &&
		len(result.NeedsReviewModules) == 0 &&
		result.P0IssueCount == 0
	return result, nil
}
