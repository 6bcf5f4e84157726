package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "truth.json"

// Git archives every snapshot of a project as a commit in that project's own
// repository, tagged with the snapshot version.
type Git struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGit(baseDir string) (*Git, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot repos dir: %w", err)
	}
	return &Git{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}, nil
}

func (g *Git) Archive(_ context.Context, record Record) error {
	lock := g.projectLock(record.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := g.openOrInit(record.ProjectID)
	if err != nil {
		return err
	}
	tag := VersionTag(record.Version)
	if _, err := repo.Tag(tag); err == nil {
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := encode(record)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	signature := &object.Signature{
		Name:  record.LockedBy,
		Email: fmt.Sprintf("%s@snapshots.storyforge.local", sanitizeEmail(record.LockedBy)),
		When:  record.CreatedAt,
	}
	if signature.When.IsZero() {
		signature.When = time.Now()
	}
	hash, err := worktree.Commit(fmt.Sprintf("Lock truth %s (%s)", tag, record.ContentHash), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature,
	})
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	_, err = repo.CreateTag(tag, hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Storyforge",
			Email: "snapshots@storyforge.local",
			When:  signature.When,
		},
		Message: fmt.Sprintf("truth snapshot %s", record.SnapshotID),
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (g *Git) openOrInit(projectID string) (*git.Repository, error) {
	path := g.repoPath(projectID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (g *Git) repoPath(projectID string) string {
	return filepath.Join(g.baseDir, projectID)
}

func (g *Git) projectLock(projectID string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	lock, ok := g.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	g.locks[projectID] = lock
	return lock
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
