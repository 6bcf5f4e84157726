package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"storyforge/api/internal/content"
	"storyforge/api/internal/store"
)

func TestAcceptRoleCandidateCreatesCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)
	candidateDoc := docOf("Margaret, the keeper's sister.", "Knows the tide tables.")
	candidate := f.insertCandidate(t, project.ID, store.TargetRole, "Margaret", candidateDoc)

	decision, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, candidate.ID, nil)
	require.NoError(t, err)
	assert.True(t, decision.Changed)
	assert.Equal(t, store.CandidateAccepted, decision.Status)

	doc, err := f.mem.GetModuleDocument(ctx, project.ID, store.ModuleRoles)
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.NotNil(t, doc.Content.Collection)
	collection := doc.Content.Collection
	require.Len(t, collection.Entries, 1)
	entry := collection.Entries[0]
	assert.Equal(t, candidateDoc, entry.Content)
	assert.Equal(t, "Margaret", entry.Name)
	assert.Equal(t, entry.ID, collection.ActiveID)
	assert.Equal(t, decision.EntryID, entry.ID)
	assert.False(t, doc.NeedsReview)

	stored, err := f.mem.GetCandidate(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidateAccepted, stored.Status)
	require.NotNil(t, stored.DecidedAt)
}

func TestAcceptStoryCandidateAppendsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.lockedProject(t)
	_, err := f.svc.UnlockTruth(ctx, project.ID, ownerID, "rework")
	require.NoError(t, err)

	before, err := f.mem.GetModuleDocument(ctx, project.ID, store.ModuleStory)
	require.NoError(t, err)
	require.True(t, before.NeedsReview)
	base := before.Content.Doc.Nodes

	incoming := docOf("Scene 2: the lamp goes dark.", "Scene 3: footprints in the sand.")
	candidate := f.insertCandidate(t, project.ID, store.TargetStory, "Act two", incoming)
	decision, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, candidate.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, before.ID, decision.ModuleDocumentID)

	after, err := f.mem.GetModuleDocument(ctx, project.ID, store.ModuleStory)
	require.NoError(t, err)
	want := append(append([]content.Node{}, base...), incoming.Nodes...)
	assert.Equal(t, want, after.Content.Doc.Nodes)
	assert.False(t, after.NeedsReview)
	assert.Equal(t, before.ID, after.ID)
}

func TestAcceptStoryCandidateCreatesMissingDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)
	candidate := f.insertCandidate(t, project.ID, store.TargetStory, "Opening", docOf("Fog rolls in."))

	_, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, candidate.ID, nil)
	require.NoError(t, err)

	doc, err := f.mem.GetModuleDocument(ctx, project.ID, store.ModuleStory)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Fog rolls in.", doc.Content.Doc.PlainText())
}

func TestDecidedCandidateIsANoop(t *testing.T) {
	mem := store.NewMemoryStore()
	counting := &countingStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, counting)
	ctx := context.Background()
	project := f.createProject(t)
	accepted := f.insertCandidate(t, project.ID, store.TargetStory, "Accepted", docOf("Once."))
	rejected := f.insertCandidate(t, project.ID, store.TargetStory, "Rejected", docOf("Never."))

	_, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, accepted.ID, nil)
	require.NoError(t, err)
	decision, err := f.svc.RejectCandidate(ctx, project.ID, ownerID, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidateRejected, decision.Status)

	story, err := mem.GetModuleDocument(ctx, project.ID, store.ModuleStory)
	require.NoError(t, err)
	snapshot, err := json.Marshal(story.Content)
	require.NoError(t, err)
	writes := counting.Writes()

	again, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, accepted.ID, nil)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, store.CandidateAccepted, again.Status)

	flipped, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, rejected.ID, nil)
	require.NoError(t, err)
	assert.False(t, flipped.Changed)
	assert.Equal(t, store.CandidateRejected, flipped.Status)

	rejectAgain, err := f.svc.RejectCandidate(ctx, project.ID, ownerID, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidateAccepted, rejectAgain.Status)

	assert.Equal(t, writes, counting.Writes())
	story, err = mem.GetModuleDocument(ctx, project.ID, store.ModuleStory)
	require.NoError(t, err)
	after, err := json.Marshal(story.Content)
	require.NoError(t, err)
	assert.Equal(t, snapshot, after)
}

func TestRejectCandidateLeavesContentAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)
	candidate := f.insertCandidate(t, project.ID, store.TargetClue, "Wet boots", docOf("Boots by the door."))

	decision, err := f.svc.RejectCandidate(ctx, project.ID, ownerID, candidate.ID)
	require.NoError(t, err)
	assert.True(t, decision.Changed)

	doc, err := f.mem.GetModuleDocument(ctx, project.ID, store.ModuleClues)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestAcceptInsightCandidateMergesIntoTruth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)

	first := f.insertCandidate(t, project.ID, store.TargetInsight, "Motive", docOf("The keeper owed money."))
	decision, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, first.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, decision.TruthID)

	truth, err := f.mem.GetLatestTruth(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, truth)
	assert.Equal(t, store.TruthDraft, truth.Status)
	assert.Equal(t, "The keeper owed money.", truth.Content.PlainText())

	second := f.insertCandidate(t, project.ID, store.TargetInsight, "Means", docOf("He had the only key."))
	_, err = f.svc.AcceptCandidate(ctx, project.ID, ownerID, second.ID, nil)
	require.NoError(t, err)
	truth, err = f.mem.GetLatestTruth(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "The keeper owed money.\nHe had the only key.", truth.Content.PlainText())
}

func TestAcceptInsightCandidateRejectsLockedTruth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.lockedProject(t)
	candidate := f.insertCandidate(t, project.ID, store.TargetInsight, "Late idea", docOf("Twist."))

	_, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, candidate.ID, nil)
	requireDomainError(t, err, http.StatusConflict, "TRUTH_LOCKED")

	stored, err := f.mem.GetCandidate(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidatePending, stored.Status)
}

func TestAcceptCandidateResolvesTargetEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)
	f.saveAllModules(t, project.ID)

	existing := f.insertCandidate(t, project.ID, store.TargetClue, "More about entry", docOf("Second note."))
	decision, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, existing.ID, ptr("clues-1"))
	require.NoError(t, err)
	assert.Equal(t, "clues-1", decision.EntryID)

	clues, err := f.mem.GetModuleDocument(ctx, project.ID, store.ModuleClues)
	require.NoError(t, err)
	require.Len(t, clues.Content.Collection.Entries, 1)
	entry := clues.Content.Collection.Entries[0]
	assert.Equal(t, "clues entry", entry.Name)
	assert.Equal(t, "clues notes\nSecond note.", entry.Content.PlainText())

	unknown := f.insertCandidate(t, project.ID, store.TargetClue, "", docOf("Fresh clue."))
	decision, err = f.svc.AcceptCandidate(ctx, project.ID, ownerID, unknown.ID, ptr("entry_does_not_exist"))
	require.NoError(t, err)
	assert.NotEqual(t, "entry_does_not_exist", decision.EntryID)

	clues, err = f.mem.GetModuleDocument(ctx, project.ID, store.ModuleClues)
	require.NoError(t, err)
	require.Len(t, clues.Content.Collection.Entries, 2)
	added := clues.Content.Collection.Entries[1]
	assert.Equal(t, defaultEntryNames[store.ModuleClues], added.Name)
	assert.Equal(t, added.ID, clues.Content.Collection.ActiveID)
}

func TestAcceptCandidateRejectsEntryFromOtherModule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)
	f.saveAllModules(t, project.ID)
	candidate := f.insertCandidate(t, project.ID, store.TargetRole, "Misfiled", docOf("Oops."))

	_, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, candidate.ID, ptr("timeline-1"))
	requireDomainError(t, err, http.StatusConflict, "ENTRY_MODULE_MISMATCH")

	roles, err := f.mem.GetModuleDocument(ctx, project.ID, store.ModuleRoles)
	require.NoError(t, err)
	assert.Len(t, roles.Content.Collection.Entries, 1)
	stored, err := f.mem.GetCandidate(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidatePending, stored.Status)
}

func TestCandidateMustBelongToProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)
	other := f.createProject(t)
	candidate := f.insertCandidate(t, other.ID, store.TargetStory, "Elsewhere", docOf("Not yours."))

	_, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, candidate.ID, nil)
	requireDomainError(t, err, http.StatusNotFound, "CANDIDATE_NOT_FOUND")
	_, err = f.svc.RejectCandidate(ctx, project.ID, ownerID, "cand_missing")
	requireDomainError(t, err, http.StatusNotFound, "CANDIDATE_NOT_FOUND")
	_, err = f.svc.AcceptCandidate(ctx, other.ID, strangerID, candidate.ID, nil)
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
}

func TestIngestCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.createProject(t)

	output := "Here are some roles:\n```json\n" + `{"items":[
		{"title":"Harbor master","summary":"Saw the boat","content":"Gruff.\n\nHides a ledger.","riskFlags":["spoiler"]},
		{"title":"","content":null},
		{"title":"Cook","content":[{"type":"paragraph","content":[{"type":"text","text":"Heard a scream."}]}],"targetEntryId":"roles-1"}
	]}` + "\n```\nLet me know!"

	result, err := f.svc.IngestCandidates(ctx, project.ID, ownerID, "Role", output)
	require.NoError(t, err)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, 1, result.Skipped)

	first := result.Candidates[0]
	assert.Equal(t, store.TargetRole, first.Target)
	assert.Equal(t, store.CandidatePending, first.Status)
	assert.Equal(t, "Gruff.\nHides a ledger.", first.Content.PlainText())
	assert.Equal(t, []string{"spoiler"}, first.RiskFlags)
	require.NotNil(t, result.Candidates[1].TargetEntryID)
	assert.Equal(t, "roles-1", *result.Candidates[1].TargetEntryID)

	pending, err := f.svc.ListCandidates(ctx, project.ID, ownerID, "pending")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = f.svc.IngestCandidates(ctx, project.ID, ownerID, "role", "Sorry, I can't help with that.")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "AI_OUTPUT_UNUSABLE")

	_, err = f.svc.IngestCandidates(ctx, project.ID, ownerID, "villain", "[]")
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")

	_, err = f.svc.ListCandidates(ctx, project.ID, ownerID, "maybe")
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

type failingDecideStore struct {
	*store.MemoryStore
}

func (failingDecideStore) DecideCandidate(context.Context, string, store.CandidateStatus, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestAcceptCandidateLogsMergeWhenDecisionFails(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, mem, failingDecideStore{mem})
	core, logs := observer.New(zap.ErrorLevel)
	f.svc.logger = zap.New(core)
	ctx := context.Background()
	project := f.createProject(t)
	candidate := f.insertCandidate(t, project.ID, store.TargetStory, "Storm", docOf("Thunder at nine."))

	_, err := f.svc.AcceptCandidate(ctx, project.ID, ownerID, candidate.ID, nil)
	require.Error(t, err)

	stored, err := mem.GetCandidate(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CandidatePending, stored.Status)

	entries := logs.FilterMessage("candidate merged but still pending").All()
	require.Len(t, entries, 1)
	assert.Equal(t, candidate.ID, entries[0].ContextMap()["candidate_id"])
	assert.NotEmpty(t, entries[0].ContextMap()["module_document_id"])
}
