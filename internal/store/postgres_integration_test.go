package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"storyforge/api/internal/content"
	"storyforge/api/internal/status"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("STORYFORGE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("STORYFORGE_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func openMigratedStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := getTestDatabaseURL(t)
	ctx := context.Background()

	db, err := Open(ctx, dsn, PoolOptions{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(dsn, migrationsDir, zap.NewNop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	_, _ = openMigratedStore(t)
	dsn := getTestDatabaseURL(t)

	if err := RollbackMigrations(dsn, migrationsDir, zap.NewNop()); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	if err := ApplyMigrations(dsn, migrationsDir, zap.NewNop()); err != nil {
		t.Fatalf("apply migrations (pass 2): %v", err)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	s, _ := openMigratedStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := s.CreateProject(ctx, Project{ID: "prj_1", Name: "Manor", Status: status.Draft, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	claimed, err := s.ClaimProjectOwner(ctx, "prj_1", "usr_a", now)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, claimed=%v err=%v", claimed, err)
	}
	claimed, err = s.ClaimProjectOwner(ctx, "prj_1", "usr_b", now)
	if err != nil || claimed {
		t.Fatalf("expected second claim to be rejected, claimed=%v err=%v", claimed, err)
	}

	doc := content.FromText("Lady Ashworth was poisoned at nine.")
	if err := s.InsertTruth(ctx, Truth{ID: "truth_1", ProjectID: "prj_1", Status: TruthDraft, Content: doc, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("InsertTruth() error = %v", err)
	}
	if err := s.SetTruthStatus(ctx, "truth_1", TruthLocked, now); err != nil {
		t.Fatalf("SetTruthStatus() error = %v", err)
	}
	changed, err := s.UpdateTruthContent(ctx, "truth_1", content.FromText("edited"), now)
	if err != nil || changed {
		t.Fatalf("expected locked truth to reject edits, changed=%v err=%v", changed, err)
	}
	truth, err := s.GetLatestTruth(ctx, "prj_1")
	if err != nil || truth == nil {
		t.Fatalf("GetLatestTruth() = %v, %v", truth, err)
	}
	if truth.Content.PlainText() != doc.PlainText() {
		t.Fatalf("expected truth content to round-trip, got %q", truth.Content.PlainText())
	}

	if err := s.InsertTruthSnapshot(ctx, TruthSnapshot{ID: "snap_1", ProjectID: "prj_1", TruthID: "truth_1", Version: 1, Content: doc, ContentHash: "h", CreatedAt: now}); err != nil {
		t.Fatalf("InsertTruthSnapshot() error = %v", err)
	}
	if err := s.InsertTruthSnapshot(ctx, TruthSnapshot{ID: "snap_dup", ProjectID: "prj_1", TruthID: "truth_1", Version: 1, Content: doc, ContentHash: "h", CreatedAt: now}); err == nil {
		t.Fatal("expected duplicate snapshot version to fail")
	}

	roles := content.NewCollection(content.Collection{Entries: []content.Entry{{ID: "ent_1", Name: "Butler"}}, ActiveID: "ent_1"})
	saved, err := s.SaveModuleDocument(ctx, ModuleDocument{ID: "mod_1", ProjectID: "prj_1", Module: ModuleRoles, Content: roles, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("SaveModuleDocument() error = %v", err)
	}
	if saved.Content.Kind() != content.KindCollection || saved.Content.Collection.ActiveID != "ent_1" {
		t.Fatalf("unexpected saved content: %+v", saved.Content)
	}
	if err := s.SetModuleNeedsReview(ctx, "mod_1", true, now); err != nil {
		t.Fatalf("SetModuleNeedsReview() error = %v", err)
	}
	if err := s.SetModuleNeedsReview(ctx, "mod_missing", true, now); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for missing document, got %v", err)
	}

	if err := s.ReplaceIssueSet(ctx, "prj_1", "snap_1", "ai", []Issue{{ID: "iss_1", Severity: "P0", CreatedAt: now}}); err != nil {
		t.Fatalf("ReplaceIssueSet() error = %v", err)
	}
	if err := s.ReplaceIssueSet(ctx, "prj_1", "snap_1", "ai", []Issue{{ID: "iss_2", Severity: "P1", CreatedAt: now}}); err != nil {
		t.Fatalf("ReplaceIssueSet() error = %v", err)
	}
	issues, err := s.ListIssues(ctx, "prj_1", "snap_1")
	if err != nil || len(issues) != 1 || issues[0].ID != "iss_2" {
		t.Fatalf("expected replaced issue set [iss_2], got %+v err=%v", issues, err)
	}

	if err := s.InsertCandidates(ctx, []AiCandidate{{ID: "cand_1", ProjectID: "prj_1", Target: TargetRole, Status: CandidatePending, Content: doc, CreatedAt: now}}); err != nil {
		t.Fatalf("InsertCandidates() error = %v", err)
	}
	decided, err := s.DecideCandidate(ctx, "cand_1", CandidateAccepted, now)
	if err != nil || !decided {
		t.Fatalf("expected pending candidate to be decided, decided=%v err=%v", decided, err)
	}
	decided, err = s.DecideCandidate(ctx, "cand_1", CandidateRejected, now)
	if err != nil || decided {
		t.Fatalf("expected decided candidate to stay put, decided=%v err=%v", decided, err)
	}
}

func TestTruthAuditIsAppendOnly(t *testing.T) {
	s, db := openMigratedStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateProject(ctx, Project{ID: "prj_1", Name: "Manor", Status: status.Draft, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if err := s.InsertTruthAudit(ctx, TruthAuditEntry{ID: "aud_1", ProjectID: "prj_1", TruthID: "truth_1", Action: AuditUnlock, ActorID: "usr_a", Reason: "typo", CreatedAt: now}); err != nil {
		t.Fatalf("InsertTruthAudit() error = %v", err)
	}

	for _, statement := range []string{
		`UPDATE truth_audit_entries SET reason = 'rewritten' WHERE id = 'aud_1'`,
		`DELETE FROM truth_audit_entries WHERE id = 'aud_1'`,
	} {
		_, err := db.ExecContext(ctx, statement)
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected PostgreSQL error for %q, got: %v", statement, err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got %s", pgErr.SQLState())
		}
	}

	entries, err := s.ListTruthAudit(ctx, "prj_1")
	if err != nil || len(entries) != 1 || entries[0].Reason != "typo" {
		t.Fatalf("expected untouched audit entry, got %+v err=%v", entries, err)
	}
}
