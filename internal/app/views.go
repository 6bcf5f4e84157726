package app

import (
	"encoding/json"
	"time"

	"storyforge/api/internal/content"
	"storyforge/api/internal/status"
	"storyforge/api/internal/store"
)

type projectView struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	OwnerID          *string         `json:"ownerId"`
	Status           status.Status   `json:"status"`
	IsPublic         bool            `json:"isPublic"`
	PublishedAt      *time.Time      `json:"publishedAt"`
	CommunitySummary json.RawMessage `json:"communitySummary,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func toProjectView(p store.Project) projectView {
	return projectView{
		ID:               p.ID,
		Name:             p.Name,
		Description:      p.Description,
		OwnerID:          p.OwnerID,
		Status:           p.Status,
		IsPublic:         p.IsPublic,
		PublishedAt:      p.PublishedAt,
		CommunitySummary: p.CommunitySummary,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

type truthView struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId"`
	Status    store.TruthStatus `json:"status"`
	Content   content.Doc       `json:"content"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func toTruthView(t store.Truth) truthView {
	return truthView{
		ID:        t.ID,
		ProjectID: t.ProjectID,
		Status:    t.Status,
		Content:   t.Content,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type snapshotView struct {
	ID          string      `json:"id"`
	TruthID     string      `json:"truthId"`
	Version     int         `json:"version"`
	ContentHash string      `json:"contentHash"`
	Content     content.Doc `json:"content"`
	CreatedAt   time.Time   `json:"createdAt"`
}

func toSnapshotView(s store.TruthSnapshot) snapshotView {
	return snapshotView{
		ID:          s.ID,
		TruthID:     s.TruthID,
		Version:     s.Version,
		ContentHash: s.ContentHash,
		Content:     s.Content,
		CreatedAt:   s.CreatedAt,
	}
}

type auditEntryView struct {
	ID        string            `json:"id"`
	TruthID   string            `json:"truthId"`
	Action    store.AuditAction `json:"action"`
	ActorID   string            `json:"actorId"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type moduleDocumentView struct {
	ID          string          `json:"id"`
	Module      store.Module    `json:"module"`
	Content     content.Content `json:"content"`
	NeedsReview bool            `json:"needsReview"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func toModuleDocumentView(d store.ModuleDocument) moduleDocumentView {
	return moduleDocumentView{
		ID:          d.ID,
		Module:      d.Module,
		Content:     d.Content,
		NeedsReview: d.NeedsReview,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

type issueView struct {
	ID              string          `json:"id"`
	TruthSnapshotID string          `json:"truthSnapshotId"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Severity        string          `json:"severity"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Refs            json.RawMessage `json:"refs,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type impactReportView struct {
	ID              string               `json:"id"`
	TruthSnapshotID *string              `json:"truthSnapshotId"`
	AffectedItems   []store.AffectedItem `json:"affectedItems"`
	CreatedAt       time.Time            `json:"createdAt"`
}

type candidateView struct {
	ID            string                `json:"id"`
	Target        store.CandidateTarget `json:"target"`
	Status        store.CandidateStatus `json:"status"`
	Title         string                `json:"title"`
	Summary       string                `json:"summary"`
	Content       content.Doc           `json:"content"`
	Refs          json.RawMessage       `json:"refs,omitempty"`
	RiskFlags     []string              `json:"riskFlags"`
	TargetEntryID *string               `json:"targetEntryId"`
	CreatedAt     time.Time             `json:"createdAt"`
	DecidedAt     *time.Time            `json:"decidedAt"`
}

func toCandidateView(c store.AiCandidate) candidateView {
	flags := c.RiskFlags
	if flags == nil {
		flags = []string{}
	}
	return candidateView{
		ID:            c.ID,
		Target:        c.Target,
		Status:        c.Status,
		Title:         c.Title,
		Summary:       c.Summary,
		Content:       c.Content,
		Refs:          c.Refs,
		RiskFlags:     flags,
		TargetEntryID: c.TargetEntryID,
		CreatedAt:     c.CreatedAt,
		DecidedAt:     c.DecidedAt,
	}
}

func mapSlice[T, V any](items []T, convert func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, item := range items {
		out = append(out, convert(item))
	}
	return out
}

func toAuditEntryView(e store.TruthAuditEntry) auditEntryView {
	return auditEntryView{
		ID:        e.ID,
		TruthID:   e.TruthID,
		Action:    e.Action,
		ActorID:   e.ActorID,
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt,
	}
}

func toIssueView(i store.Issue) issueView {
	return issueView{
		ID:              i.ID,
		TruthSnapshotID: i.TruthSnapshotID,
		Source:          i.Source,
		Type:            i.Type,
		Severity:        i.Severity,
		Title:           i.Title,
		Description:     i.Description,
		Refs:            i.Refs,
		CreatedAt:       i.CreatedAt,
	}
}

func toImpactReportView(r store.ImpactReport) impactReportView {
	items := r.AffectedItems
	if items == nil {
		items = []store.AffectedItem{}
	}
	return impactReportView{
		ID:              r.ID,
		TruthSnapshotID: r.TruthSnapshotID,
		AffectedItems:   items,
		CreatedAt:       r.CreatedAt,
	}
}
