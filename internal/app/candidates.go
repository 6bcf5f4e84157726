package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"storyforge/api/internal/content"
	"storyforge/api/internal/store"
	"storyforge/api/internal/util"
)

// collectionTargets maps entry-based candidate targets to the module they
// merge into.
var collectionTargets = map[store.CandidateTarget]store.Module{
	store.TargetRole:     store.ModuleRoles,
	store.TargetClue:     store.ModuleClues,
	store.TargetTimeline: store.ModuleTimeline,
	store.TargetDM:       store.ModuleDM,
}

var defaultEntryNames = map[store.Module]string{
	store.ModuleRoles:    "New role",
	store.ModuleClues:    "New clue",
	store.ModuleTimeline: "New event",
	store.ModuleDM:       "New DM note",
}

var candidateTargets = map[store.CandidateTarget]struct{}{
	store.TargetInsight:  {},
	store.TargetStory:    {},
	store.TargetRole:     {},
	store.TargetClue:     {},
	store.TargetTimeline: {},
	store.TargetDM:       {},
}

// CandidateDecision reports the outcome of accepting or rejecting a
// candidate. Changed is false when the candidate had already been decided.
type CandidateDecision struct {
	CandidateID      string                `json:"candidateId"`
	Status           store.CandidateStatus `json:"status"`
	Changed          bool                  `json:"changed"`
	Target           store.CandidateTarget `json:"target"`
	TruthID          string                `json:"truthId,omitempty"`
	ModuleDocumentID string                `json:"moduleDocumentId,omitempty"`
	EntryID          string                `json:"entryId,omitempty"`
}

type IngestResult struct {
	Candidates []store.AiCandidate
	Skipped    int
}

func parseCandidateTarget(raw string) (store.CandidateTarget, error) {
	target := store.CandidateTarget(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := candidateTargets[target]; !ok {
		return "", validationError("Unknown candidate target", map[string]any{"target": raw})
	}
	return target, nil
}

func parseCandidateStatus(raw string) (store.CandidateStatus, error) {
	value := store.CandidateStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch value {
	case "", store.CandidatePending, store.CandidateAccepted, store.CandidateRejected:
		return value, nil
	}
	return "", validationError("Unknown candidate status", map[string]any{"status": raw})
}

// IngestCandidates turns raw generation output into pending candidates.
func (s *Service) IngestCandidates(ctx context.Context, projectID, requesterID, rawTarget, output string) (IngestResult, error) {
	target, err := parseCandidateTarget(rawTarget)
	if err != nil {
		return IngestResult{}, err
	}
	if strings.TrimSpace(output) == "" {
		return IngestResult{}, validationError("Generation output is required", map[string]any{"field": "output"})
	}
	if _, err := s.authorizeWrite(ctx, projectID, requesterID); err != nil {
		return IngestResult{}, err
	}

	items, skipped := parseCandidateOutput(output)
	if len(items) == 0 {
		return IngestResult{}, unprocessableError("AI_OUTPUT_UNUSABLE", "Generation output contained no usable items", map[string]any{"skipped": skipped})
	}

	now := s.now()
	candidates := make([]store.AiCandidate, 0, len(items))
	for _, item := range items {
		candidate := store.AiCandidate{
			ID:        util.NewID("cand"),
			ProjectID: projectID,
			Target:    target,
			Status:    store.CandidatePending,
			Title:     item.Title,
			Summary:   item.Summary,
			Content:   item.Content,
			Refs:      item.Refs,
			RiskFlags: item.RiskFlags,
			CreatedAt: now,
		}
		if item.TargetEntryID != "" {
			entryID := item.TargetEntryID
			candidate.TargetEntryID = &entryID
		}
		candidates = append(candidates, candidate)
	}
	if err := s.store.InsertCandidates(ctx, candidates); err != nil {
		return IngestResult{}, err
	}
	s.logger.Info("candidates ingested",
		zap.String("project_id", projectID),
		zap.String("target", string(target)),
		zap.Int("count", len(candidates)),
		zap.Int("skipped", skipped),
	)
	return IngestResult{Candidates: candidates, Skipped: skipped}, nil
}

func (s *Service) ListCandidates(ctx context.Context, projectID, requesterID, rawStatus string) ([]store.AiCandidate, error) {
	candidateStatus, err := parseCandidateStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeRead(ctx, projectID, requesterID); err != nil {
		return nil, err
	}
	return s.store.ListCandidates(ctx, projectID, candidateStatus)
}

func (s *Service) loadCandidate(ctx context.Context, projectID, candidateID string) (store.AiCandidate, error) {
	candidate, err := s.store.GetCandidate(ctx, candidateID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && candidate.ProjectID != projectID) {
		return store.AiCandidate{}, notFoundError("CANDIDATE_NOT_FOUND", "Candidate not found")
	}
	if err != nil {
		return store.AiCandidate{}, err
	}
	return candidate, nil
}

// AcceptCandidate appends a pending candidate's content to its target and
// marks it accepted. A candidate that was already decided is reported as is.
func (s *Service) AcceptCandidate(ctx context.Context, projectID, requesterID, candidateID string, targetEntryID *string) (CandidateDecision, error) {
	var decision CandidateDecision
	err := s.withProjectLock(ctx, projectID, func() error {
		if _, err := s.authorizeWrite(ctx, projectID, requesterID); err != nil {
			return err
		}
		candidate, err := s.loadCandidate(ctx, projectID, candidateID)
		if err != nil {
			return err
		}
		decision = CandidateDecision{CandidateID: candidate.ID, Status: candidate.Status, Target: candidate.Target}
		if candidate.Status != store.CandidatePending {
			return nil
		}

		entryID := ""
		if targetEntryID != nil {
			entryID = strings.TrimSpace(*targetEntryID)
		}
		if entryID == "" && candidate.TargetEntryID != nil {
			entryID = strings.TrimSpace(*candidate.TargetEntryID)
		}

		switch candidate.Target {
		case store.TargetInsight:
			truthID, err := s.mergeIntoTruth(ctx, projectID, candidate.Content.Nodes)
			if err != nil {
				return err
			}
			decision.TruthID = truthID
		case store.TargetStory:
			docID, err := s.mergeIntoStory(ctx, projectID, candidate.Content.Nodes)
			if err != nil {
				return err
			}
			decision.ModuleDocumentID = docID
		default:
			module, ok := collectionTargets[candidate.Target]
			if !ok {
				return conflictError("UNKNOWN_TARGET", "Candidate target has no module", map[string]any{"target": candidate.Target})
			}
			docID, mergedEntryID, err := s.mergeIntoCollection(ctx, projectID, module, entryID, candidate)
			if err != nil {
				return err
			}
			decision.ModuleDocumentID = docID
			decision.EntryID = mergedEntryID
		}

		if err := s.decide(ctx, &decision, store.CandidateAccepted); err != nil {
			// The merge is already stored; accepting again would append it twice.
			s.logger.Error("candidate merged but still pending",
				zap.String("project_id", projectID),
				zap.String("candidate_id", candidate.ID),
				zap.String("module_document_id", decision.ModuleDocumentID),
				zap.String("truth_id", decision.TruthID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
	if err != nil {
		return CandidateDecision{}, err
	}
	return decision, nil
}

// RejectCandidate marks a pending candidate rejected without touching any
// content. A candidate that was already decided is reported as is.
func (s *Service) RejectCandidate(ctx context.Context, projectID, requesterID, candidateID string) (CandidateDecision, error) {
	var decision CandidateDecision
	err := s.withProjectLock(ctx, projectID, func() error {
		if _, err := s.authorizeWrite(ctx, projectID, requesterID); err != nil {
			return err
		}
		candidate, err := s.loadCandidate(ctx, projectID, candidateID)
		if err != nil {
			return err
		}
		decision = CandidateDecision{CandidateID: candidate.ID, Status: candidate.Status, Target: candidate.Target}
		if candidate.Status != store.CandidatePending {
			return nil
		}
		return s.decide(ctx, &decision, store.CandidateRejected)
	})
	if err != nil {
		return CandidateDecision{}, err
	}
	return decision, nil
}

func (s *Service) decide(ctx context.Context, decision *CandidateDecision, next store.CandidateStatus) error {
	changed, err := s.store.DecideCandidate(ctx, decision.CandidateID, next, s.now())
	if err != nil {
		return err
	}
	current, err := s.store.GetCandidate(ctx, decision.CandidateID)
	if err != nil {
		return err
	}
	decision.Status = current.Status
	decision.Changed = changed
	if !changed {
		s.logger.Warn("candidate decided concurrently",
			zap.String("candidate_id", decision.CandidateID),
			zap.String("status", string(current.Status)),
		)
		return nil
	}
	s.touchProject(ctx, current.ProjectID)
	s.logger.Info("candidate decided",
		zap.String("project_id", current.ProjectID),
		zap.String("candidate_id", decision.CandidateID),
		zap.String("status", string(next)),
	)
	return nil
}

func (s *Service) mergeIntoTruth(ctx context.Context, projectID string, nodes []content.Node) (string, error) {
	truth, err := s.store.GetLatestTruth(ctx, projectID)
	if err != nil {
		return "", err
	}
	now := s.now()
	if truth == nil {
		created := store.Truth{
			ID:        util.NewID("truth"),
			ProjectID: projectID,
			Status:    store.TruthDraft,
			Content:   content.Append(content.Doc{}, nodes),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.InsertTruth(ctx, created); err != nil {
			return "", err
		}
		return created.ID, nil
	}
	if truth.Status == store.TruthLocked {
		return "", errTruthLocked()
	}
	updated, err := s.store.UpdateTruthContent(ctx, truth.ID, content.Append(truth.Content, nodes), now)
	if err != nil {
		return "", err
	}
	if !updated {
		return "", errTruthLocked()
	}
	return truth.ID, nil
}

func moduleShapeMismatch(module store.Module) *DomainError {
	return conflictError("MODULE_SHAPE_MISMATCH", "Stored module content has an unexpected shape", map[string]any{
		"module":   module,
		"expected": moduleKinds[module],
	})
}

func (s *Service) mergeIntoStory(ctx context.Context, projectID string, nodes []content.Node) (string, error) {
	existing, err := s.store.GetModuleDocument(ctx, projectID, store.ModuleStory)
	if err != nil {
		return "", err
	}
	now := s.now()
	doc := store.ModuleDocument{
		ID:        util.NewID("mod"),
		ProjectID: projectID,
		Module:    store.ModuleStory,
		CreatedAt: now,
	}
	base := content.Doc{}
	if existing != nil {
		if existing.Content.Doc == nil {
			return "", moduleShapeMismatch(store.ModuleStory)
		}
		doc = *existing
		base = *existing.Content.Doc
	}
	doc.Content = content.NewDoc(content.Append(base, nodes).Nodes...)
	doc.NeedsReview = false
	doc.UpdatedAt = now
	saved, err := s.store.SaveModuleDocument(ctx, doc)
	if err != nil {
		return "", err
	}
	return saved.ID, nil
}

func (s *Service) mergeIntoCollection(ctx context.Context, projectID string, module store.Module, entryID string, candidate store.AiCandidate) (string, string, error) {
	existing, err := s.store.GetModuleDocument(ctx, projectID, module)
	if err != nil {
		return "", "", err
	}
	now := s.now()
	doc := store.ModuleDocument{
		ID:        util.NewID("mod"),
		ProjectID: projectID,
		Module:    module,
		CreatedAt: now,
	}
	collection := content.Collection{}
	if existing != nil {
		if existing.Content.Collection == nil {
			return "", "", moduleShapeMismatch(module)
		}
		doc = *existing
		collection = *existing.Content.Collection
	}

	if entryID != "" {
		if _, ok := collection.Entry(entryID); !ok {
			owner, err := s.entryOwner(ctx, projectID, module, entryID)
			if err != nil {
				return "", "", err
			}
			if owner != "" {
				return "", "", conflictError("ENTRY_MODULE_MISMATCH", "Target entry belongs to a different module", map[string]any{
					"entryId":        entryID,
					"module":         module,
					"entryModule":    owner,
					"candidateTitle": candidate.Title,
				})
			}
			entryID = ""
		}
	}
	if entryID == "" {
		entryID = util.NewID("entry")
	}
	name := strings.TrimSpace(candidate.Title)
	if name == "" {
		name = defaultEntryNames[module]
	}

	merged, _, _ := collection.MergeEntry(entryID, name, candidate.Content.Nodes)
	doc.Content = content.NewCollection(merged)
	doc.NeedsReview = false
	doc.UpdatedAt = now
	saved, err := s.store.SaveModuleDocument(ctx, doc)
	if err != nil {
		return "", "", err
	}
	return saved.ID, entryID, nil
}

// entryOwner finds which other collection module of the project holds
// entryID. It returns "" when none does.
func (s *Service) entryOwner(ctx context.Context, projectID string, module store.Module, entryID string) (store.Module, error) {
	for _, other := range moduleOrder {
		if other == module || moduleKinds[other] != content.KindCollection {
			continue
		}
		doc, err := s.store.GetModuleDocument(ctx, projectID, other)
		if err != nil {
			return "", err
		}
		if doc == nil || doc.Content.Collection == nil {
			continue
		}
		if _, ok := doc.Content.Collection.Entry(entryID); ok {
			return other, nil
		}
	}
	return "", nil
}
