package store

import (
	"encoding/json"
	"time"

	"storyforge/api/internal/content"
	"storyforge/api/internal/status"
)

type TruthStatus string

const (
	TruthDraft  TruthStatus = "DRAFT"
	TruthLocked TruthStatus = "LOCKED"
)

type Module string

const (
	ModuleStory    Module = "story"
	ModuleRoles    Module = "roles"
	ModuleClues    Module = "clues"
	ModuleTimeline Module = "timeline"
	ModuleDM       Module = "dm"
	ModuleOverview Module = "overview"
)

type CandidateTarget string

const (
	TargetInsight  CandidateTarget = "insight"
	TargetStory    CandidateTarget = "story"
	TargetRole     CandidateTarget = "role"
	TargetClue     CandidateTarget = "clue"
	TargetTimeline CandidateTarget = "timeline"
	TargetDM       CandidateTarget = "dm"
)

type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateAccepted CandidateStatus = "accepted"
	CandidateRejected CandidateStatus = "rejected"
)

type AuditAction string

const (
	AuditLock   AuditAction = "lock"
	AuditUnlock AuditAction = "unlock"
)

type Project struct {
	ID               string
	Name             string
	Description      string
	OwnerID          *string
	Status           status.Status
	IsPublic         bool
	PublishedAt      *time.Time
	CommunitySummary json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Truth struct {
	ID        string
	ProjectID string
	Status    TruthStatus
	Content   content.Doc
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TruthSnapshot struct {
	ID          string
	ProjectID   string
	TruthID     string
	Version     int
	Content     content.Doc
	ContentHash string
	CreatedAt   time.Time
}

type TruthAuditEntry struct {
	ID        string
	ProjectID string
	TruthID   string
	Action    AuditAction
	ActorID   string
	Reason    string
	CreatedAt time.Time
}

type ModuleDocument struct {
	ID          string
	ProjectID   string
	Module      Module
	Content     content.Content
	NeedsReview bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Issue struct {
	ID              string
	ProjectID       string
	TruthSnapshotID string
	Source          string
	Type            string
	Severity        string
	Title           string
	Description     string
	Refs            json.RawMessage
	CreatedAt       time.Time
}

type AffectedItem struct {
	Module           Module `json:"module"`
	ModuleDocumentID string `json:"moduleDocumentId"`
}

type ImpactReport struct {
	ID              string
	ProjectID       string
	TruthSnapshotID *string
	AffectedItems   []AffectedItem
	CreatedAt       time.Time
}

type AiCandidate struct {
	ID            string
	ProjectID     string
	Target        CandidateTarget
	Status        CandidateStatus
	Title         string
	Summary       string
	Content       content.Doc
	Refs          json.RawMessage
	RiskFlags     []string
	TargetEntryID *string
	CreatedAt     time.Time
	DecidedAt     *time.Time
}

// ProjectStatusChange is a compare-and-set of a project's status: it applies
// only while the stored status still equals From.
type ProjectStatusChange struct {
	ProjectID   string
	From        status.Status
	To          status.Status
	IsPublic    bool
	PublishedAt *time.Time
	At          time.Time
}
