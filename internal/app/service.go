package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyforge/api/internal/access"
	"storyforge/api/internal/archive"
	"storyforge/api/internal/auth"
	"storyforge/api/internal/content"
	"storyforge/api/internal/feed"
	"storyforge/api/internal/lock"
	"storyforge/api/internal/status"
	"storyforge/api/internal/store"
	"storyforge/api/internal/util"
)

const backgroundTimeout = 15 * time.Second

type Session struct {
	UserID   string
	UserName string
}

// DataStore is the persistence contract the engine runs against. Both
// store.PostgresStore and store.MemoryStore satisfy it.
type DataStore interface {
	Ping(context.Context) error

	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ClaimProjectOwner(context.Context, string, string, time.Time) (bool, error)
	UpdateProjectStatus(context.Context, store.ProjectStatusChange) (bool, error)
	TouchProject(context.Context, string, time.Time) error

	InsertTruth(context.Context, store.Truth) error
	GetLatestTruth(context.Context, string) (*store.Truth, error)
	UpdateTruthContent(context.Context, string, content.Doc, time.Time) (bool, error)
	SetTruthStatus(context.Context, string, store.TruthStatus, time.Time) error
	InsertTruthAudit(context.Context, store.TruthAuditEntry) error
	ListTruthAudit(context.Context, string) ([]store.TruthAuditEntry, error)
	InsertTruthSnapshot(context.Context, store.TruthSnapshot) error
	GetLatestTruthSnapshot(context.Context, string) (*store.TruthSnapshot, error)
	GetTruthSnapshot(context.Context, string) (store.TruthSnapshot, error)

	ListModuleDocuments(context.Context, string) ([]store.ModuleDocument, error)
	GetModuleDocument(context.Context, string, store.Module) (*store.ModuleDocument, error)
	SaveModuleDocument(context.Context, store.ModuleDocument) (store.ModuleDocument, error)
	SetModuleNeedsReview(context.Context, string, bool, time.Time) error

	ReplaceIssueSet(context.Context, string, string, string, []store.Issue) error
	ListIssues(context.Context, string, string) ([]store.Issue, error)
	InsertImpactReport(context.Context, store.ImpactReport) error
	ListImpactReports(context.Context, string) ([]store.ImpactReport, error)

	InsertCandidates(context.Context, []store.AiCandidate) error
	GetCandidate(context.Context, string) (store.AiCandidate, error)
	ListCandidates(context.Context, string, store.CandidateStatus) ([]store.AiCandidate, error)
	DecideCandidate(context.Context, string, store.CandidateStatus, time.Time) (bool, error)
}

type Deps struct {
	Store     DataStore
	Locker    lock.Locker
	Feed      feed.Indexer
	Archive   archive.Archiver
	Logger    *zap.Logger
	JWTSecret string
	Now       func() time.Time
}

type Service struct {
	store     DataStore
	locker    lock.Locker
	feed      feed.Indexer
	archive   archive.Archiver
	logger    *zap.Logger
	jwtSecret []byte
	now       func() time.Time

	background sync.WaitGroup
}

func New(deps Deps) *Service {
	svc := &Service{
		store:     deps.Store,
		locker:    deps.Locker,
		feed:      deps.Feed,
		archive:   deps.Archive,
		logger:    deps.Logger,
		jwtSecret: []byte(deps.JWTSecret),
		now:       deps.Now,
	}
	if svc.locker == nil {
		svc.locker = lock.NewMemoryLocker(0)
	}
	if svc.feed == nil {
		svc.feed = feed.Noop{}
	}
	if svc.archive == nil {
		svc.archive = archive.Noop{}
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Drain blocks until every background side effect started so far has
// finished.
func (s *Service) Drain() {
	s.background.Wait()
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name}, nil
}

func (s *Service) CreateProject(ctx context.Context, requesterID, name, description string) (store.Project, error) {
	if strings.TrimSpace(requesterID) == "" {
		return store.Project{}, unauthenticatedError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Project{}, validationError("Project name is required", map[string]any{"field": "name"})
	}
	now := s.now()
	owner := requesterID
	project := store.Project{
		ID:          util.NewID("proj"),
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     &owner,
		Status:      status.Draft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return store.Project{}, err
	}
	s.logger.Info("project created", zap.String("project_id", project.ID), zap.String("owner_id", owner))
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, projectID, requesterID string) (store.Project, error) {
	return s.authorizeRead(ctx, projectID, requesterID)
}

func (s *Service) loadProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, notFoundError("PROJECT_NOT_FOUND", "Project not found")
	}
	if err != nil {
		return store.Project{}, err
	}
	return project, nil
}

// ClaimOwnership makes requesterID the owner of a project that has none and
// returns the project as stored afterwards. A project that already has an
// owner is returned unchanged.
func (s *Service) ClaimOwnership(ctx context.Context, projectID, requesterID string) (store.Project, error) {
	if strings.TrimSpace(requesterID) == "" {
		return store.Project{}, unauthenticatedError()
	}
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if !access.NeedsClaim(access.Resolve(project.OwnerID, requesterID)) {
		return project, nil
	}
	claimed, err := s.store.ClaimProjectOwner(ctx, projectID, requesterID, s.now())
	if err != nil {
		return store.Project{}, err
	}
	if claimed {
		s.logger.Info("project claimed", zap.String("project_id", projectID), zap.String("owner_id", requesterID))
	}
	return s.loadProject(ctx, projectID)
}

// authorizeWrite claims an unowned project for the requester, then requires
// the requester to be its owner.
func (s *Service) authorizeWrite(ctx context.Context, projectID, requesterID string) (store.Project, error) {
	project, err := s.ClaimOwnership(ctx, projectID, requesterID)
	if err != nil {
		return store.Project{}, err
	}
	relation := access.Resolve(project.OwnerID, requesterID)
	if access.NeedsClaim(relation) || !access.Can(relation, access.ActionWrite, project.IsPublic) {
		return store.Project{}, forbiddenError("Only the project owner can change this project")
	}
	return project, nil
}

func (s *Service) authorizeRead(ctx context.Context, projectID, requesterID string) (store.Project, error) {
	if strings.TrimSpace(requesterID) == "" {
		return store.Project{}, unauthenticatedError()
	}
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if !access.Can(access.Resolve(project.OwnerID, requesterID), access.ActionRead, project.IsPublic) {
		return store.Project{}, forbiddenError("Forbidden")
	}
	return project, nil
}

// withProjectLock runs fn while holding the project's mutation lock.
func (s *Service) withProjectLock(ctx context.Context, projectID string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, lock.ProjectKey(projectID))
	if errors.Is(err, lock.ErrBusy) {
		return conflictError("PROJECT_BUSY", "Another change to this project is in progress", nil)
	}
	if err != nil {
		return fmt.Errorf("acquire project lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release project lock", zap.String("project_id", projectID), zap.Error(err))
		}
	}()
	return fn()
}

// goBackground runs a best-effort side effect detached from the request.
// Failures are logged and never reach the caller.
func (s *Service) goBackground(name string, fields []zap.Field, fn func(context.Context) error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn(name+" failed", append(fields, zap.Error(err))...)
		}
	}()
}

func (s *Service) touchProject(ctx context.Context, projectID string) {
	if err := s.store.TouchProject(ctx, projectID, s.now()); err != nil {
		s.logger.Warn("touch project", zap.String("project_id", projectID), zap.Error(err))
	}
}

// SearchFeed queries the community feed of published projects.
func (s *Service) SearchFeed(ctx context.Context, q feed.Query) (feed.Result, error) {
	result, err := s.feed.Search(ctx, q)
	if errors.Is(err, feed.ErrUnavailable) {
		return feed.Result{}, domainError(http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "Community feed is temporarily unavailable", nil)
	}
	return result, err
}
