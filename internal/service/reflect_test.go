package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/embedding"
)

func setupReflectTest() (*ReflectService, *mockMemoryStore, *mockEpisodeStore, *mockEntityStore) {
	ms := newMockMemoryStore()
	jobs := newMockReflectJobStore()
	episodes := newMockEpisodeStore()
	entities := newMockEntityStore()
	ec := embedding.NewMockClient()
	tracker, _ := newTestTracker()

	detector := NewContradictionDetector(ms, testLogger())
	lifecycle := NewLifecycleService(ms, testLogger())
	recall := NewRecallService(ms, ec, tracker, testLogger())
	graph := NewGraphService(ms, newMockPendingEdgeStore(ms), testLogger())
	settings := NewSettingsService(newMockSettingsStore(), DaemonDefaults{SemanticLevel: domain.SemanticOff}, testLogger())

	svc := NewReflectService(jobs, ms, episodes, entities, ec, detector, lifecycle,
		recall, graph, settings, tracker, nil, testLogger())
	return svc, ms, episodes, entities
}

func waitForJob(t *testing.T, svc *ReflectService, id uuid.UUID) *domain.ReflectJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("expected job readable, got %v", err)
		}
		if job.Status == domain.JobStatusCompleted || job.Status == domain.JobStatusFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return nil
}

func TestReflectService_PipelineCompletes(t *testing.T) {
	svc, ms, episodes, entities := setupReflectTest()
	svc.Start(1)
	defer svc.Stop()
	ctx := context.Background()

	transcript := "We decided to use Postgres for the storage layer\n" +
		"I prefer dark mode in every editor I work in\n" +
		"The nightly import job noticed intermittent timeouts"

	job, err := svc.Trigger(ctx, "a1", "s1", transcript)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job.Status != domain.JobStatusPending || len(job.Stages) != 9 {
		t.Fatalf("expected pending job with 9 stages, got %s with %d", job.Status, len(job.Stages))
	}

	done := waitForJob(t, svc, job.ID)
	if done.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", done.Status)
	}
	for i, name := range domain.PipelineStages() {
		st := done.Stages[i]
		if st.Stage != name {
			t.Fatalf("expected stage %q at position %d, got %q", name, i, st.Stage)
		}
		if st.Status != domain.StageStatusComplete {
			t.Fatalf("expected stage %q complete, got %s (%s)", name, st.Status, st.Error)
		}
		if st.CompletedAt == nil {
			t.Fatalf("expected stage %q timestamped", name)
		}
	}

	// Each transcript line survives as a stored memory tagged for review.
	page, err := ms.Find(ctx, domain.MemoryFilter{AgentID: "a1"}, true, nil, 50)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(page.Memories) != 3 {
		t.Fatalf("expected 3 memories, got %d", len(page.Memories))
	}
	for _, m := range page.Memories {
		if len(m.Tags) != 1 || m.Tags[0] != "reflection" {
			t.Fatalf("expected reflection tag, got %v", m.Tags)
		}
		if m.Layer != domain.LayerEpisodic {
			t.Fatalf("expected episodic layer, got %s", m.Layer)
		}
		if m.SessionID != "s1" {
			t.Fatalf("expected session id carried, got %q", m.SessionID)
		}
	}

	ep, err := episodes.GetBySession(ctx, "a1", "s1")
	if err != nil {
		t.Fatalf("expected episode upserted, got %v", err)
	}
	if len(ep.FactIDs) != 3 {
		t.Fatalf("expected 3 linked facts, got %d", len(ep.FactIDs))
	}
	if ep.Title == "" || ep.Narrative == "" {
		t.Fatal("expected episode title and narrative populated")
	}

	// "Postgres" is capitalized mid-sentence, so the entity stage records it.
	list, err := entities.ListByAgent(ctx, "a1", 50)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	found := false
	for _, e := range list {
		if e.Slug == "postgres" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected postgres entity, got %+v", list)
	}
}

func TestReflectService_EmptyTranscriptCompletes(t *testing.T) {
	svc, ms, _, _ := setupReflectTest()
	svc.Start(1)
	defer svc.Stop()
	ctx := context.Background()

	job, err := svc.Trigger(ctx, "a1", "", "   ")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	done := waitForJob(t, svc, job.ID)
	if done.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", done.Status)
	}
	for _, st := range done.Stages {
		if st.Status != domain.StageStatusComplete {
			t.Fatalf("expected stage %q complete, got %s", st.Stage, st.Status)
		}
	}

	count, _ := ms.CountWhere(ctx, domain.MemoryFilter{AgentID: "a1"})
	if count != 0 {
		t.Fatalf("expected no memories from an empty transcript, got %d", count)
	}
}

func TestReflectService_ReinforcesDuplicates(t *testing.T) {
	svc, ms, _, _ := setupReflectTest()
	svc.Start(1)
	defer svc.Stop()
	ctx := context.Background()

	// Pre-store a memory whose text recurs verbatim in the transcript, so
	// the dedup stage matches it at cosine 1.0.
	text := "I prefer dark mode in every editor I work in"
	ec := embedding.NewMockClient()
	seedMemory(ms, ec, "a1", text)
	stored, _ := ms.Find(ctx, domain.MemoryFilter{AgentID: "a1"}, true, nil, 1)
	id := stored.Memories[0].ID
	before := stored.Memories[0].Confidence

	job, err := svc.Trigger(ctx, "a1", "", text)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	done := waitForJob(t, svc, job.ID)
	if done.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", done.Status)
	}

	count, _ := ms.CountWhere(ctx, domain.MemoryFilter{AgentID: "a1"})
	if count != 1 {
		t.Fatalf("expected duplicate dropped, got %d memories", count)
	}
	after, _ := ms.GetByID(ctx, id)
	if after.Confidence <= before {
		t.Fatalf("expected reinforcement, confidence %f -> %f", before, after.Confidence)
	}
	// The decay pass runs moments after the reinforcement reset.
	if after.Strength < 0.99 {
		t.Fatalf("expected strength near 1.0, got %f", after.Strength)
	}
}

func TestReflectService_Trigger_AfterStop(t *testing.T) {
	svc, _, _, _ := setupReflectTest()
	svc.Start(1)
	svc.Stop()
	ctx := context.Background()

	if _, err := svc.Trigger(ctx, "a1", "", "a transcript line long enough"); err != ErrReflectStopped {
		t.Fatalf("expected ErrReflectStopped, got %v", err)
	}

	// No orphaned pending job is left behind.
	jobs, err := svc.ListJobs(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no job recorded after stop, got %d", len(jobs))
	}
}

func TestReflectService_StageDeadline(t *testing.T) {
	svc, ms, _, _ := setupReflectTest()
	svc.Start(1)
	defer svc.Stop()
	ctx := context.Background()

	job, err := svc.Trigger(ctx, "a1", "", "a transcript line long enough")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	done := waitForJob(t, svc, job.ID)
	if done.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", done.Status)
	}

	// The decay pass streamed memories under a stage-scoped deadline.
	deadline, ok := ms.streamContext().Deadline()
	if !ok {
		t.Fatal("expected a deadline on stage store calls")
	}
	if until := time.Until(deadline); until > stageTimeout {
		t.Fatalf("expected deadline within %s, got %s", stageTimeout, until)
	}
}

func TestReflectService_Trigger_RequiresAgent(t *testing.T) {
	svc, _, _, _ := setupReflectTest()
	if _, err := svc.Trigger(context.Background(), "", "", "anything at all here"); err != ErrAgentIDRequired {
		t.Fatalf("expected ErrAgentIDRequired, got %v", err)
	}
}

func TestReflectService_Trigger_QueueFull(t *testing.T) {
	svc, _, _, _ := setupReflectTest()
	ctx := context.Background()

	// No workers are running, so the queue only drains on Start.
	for i := 0; i < jobQueueSize; i++ {
		if _, err := svc.Trigger(ctx, "a1", "", "a transcript line long enough"); err != nil {
			t.Fatalf("expected enqueue %d to succeed, got %v", i, err)
		}
	}
	if _, err := svc.Trigger(ctx, "a1", "", "one enqueue too many here"); err != ErrJobQueueFull {
		t.Fatalf("expected ErrJobQueueFull, got %v", err)
	}
}

func TestReflectService_GetJob_NotFound(t *testing.T) {
	svc, _, _, _ := setupReflectTest()
	if _, err := svc.GetJob(context.Background(), uuid.New()); err != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestReflectService_ListJobs(t *testing.T) {
	svc, _, _, _ := setupReflectTest()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Trigger(ctx, "a1", "", "a transcript line long enough"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	_, _ = svc.Trigger(ctx, "other", "", "a transcript line long enough")

	jobs, err := svc.ListJobs(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs for the agent, got %d", len(jobs))
	}

	if _, err := svc.ListJobs(ctx, "", 10); err != ErrAgentIDRequired {
		t.Fatalf("expected ErrAgentIDRequired, got %v", err)
	}
}

func TestExtractAtoms(t *testing.T) {
	transcript := "- We settled on Postgres for durable storage\n" +
		"* I prefer tabs over spaces for indentation. Short one. Why would that be?\n" +
		"we settled on postgres for durable storage"

	atoms := extractAtoms(transcript)
	if len(atoms) != 2 {
		t.Fatalf("expected 2 atoms, got %d: %v", len(atoms), atoms)
	}
	if atoms[0] != "We settled on Postgres for durable storage" {
		t.Fatalf("expected bullet stripped, got %q", atoms[0])
	}
	if atoms[1] != "I prefer tabs over spaces for indentation" {
		t.Fatalf("unexpected second atom %q", atoms[1])
	}

	if got := extractAtoms("   \n  "); got != nil {
		t.Fatalf("expected nil for blank transcript, got %v", got)
	}
}

func TestClassifyAtom(t *testing.T) {
	cases := []struct {
		text string
		want domain.MemoryType
	}{
		{"I prefer dark mode in every editor", domain.MemoryTypePreference},
		{"We decided to ship on Friday", domain.MemoryTypeDecision},
		{"I think the cache is too small", domain.MemoryTypeOpinion},
		{"I noticed the tests flaking on CI", domain.MemoryTypeObservation},
		{"The cluster runs Kubernetes 1.29", domain.MemoryTypeFact},
	}
	for _, tc := range cases {
		if got := classifyAtom(tc.text); got != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.text, tc.want, got)
		}
	}
}

func TestExtractEntities(t *testing.T) {
	names := extractEntities("Grafana dashboards pull from Prometheus and Grafana alerts")
	want := map[string]bool{"Grafana": true, "Prometheus": true}
	if len(names) != len(want) {
		t.Fatalf("expected %d entities, got %v", len(want), names)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected entity %q", n)
		}
	}

	// A lone capitalized word at the start is treated as sentence case.
	if got := extractEntities("Yesterday nothing happened"); len(got) != 0 {
		t.Fatalf("expected no entities, got %v", got)
	}
	// Multi-word names at the start still count.
	got := extractEntities("Azure DevOps hosts the pipelines")
	if len(got) != 1 || got[0] != "Azure DevOps" {
		t.Fatalf("expected Azure DevOps, got %v", got)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Azure DevOps":   "azure-devops",
		"Postgres":       "postgres",
		"GPT-4 Turbo!!":  "gpt-4-turbo",
		"  spaced  out ": "spaced-out",
		"!!!":            "",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Fatalf("slugify(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestDominantTopics(t *testing.T) {
	texts := []string{
		"kubernetes cluster upgrade",
		"kubernetes deployment rollout",
		"cluster autoscaler tuning",
	}
	topics := dominantTopics(texts, 2)
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", topics)
	}
	// Both appear twice; equal counts break alphabetically.
	if topics[0] != "cluster" || topics[1] != "kubernetes" {
		t.Fatalf("expected [cluster kubernetes], got %v", topics)
	}
}
