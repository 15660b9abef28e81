package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/store"
)

var (
	ErrJobNotFound    = errors.New("reflect job not found")
	ErrReflectStopped = errors.New("reflect workers are not running")
	ErrJobQueueFull   = errors.New("reflect job queue is full")
)

const (
	maxAtomsPerRun         = 50
	dedupMinScore          = 0.92
	strongConflictFloor    = 0.80
	graphLinkTopK          = 5
	graphLinkScoreFloor    = 0.50
	graphLinkSupportsFloor = 0.85
	jobQueueSize           = 64

	// stageTimeout is the soft deadline for one pipeline stage.
	stageTimeout = 2 * time.Minute
)

var (
	decisionPattern    = regexp.MustCompile(`(?i)\b(decided|decision|chose|will use|going to use|settled on)\b`)
	opinionPattern     = regexp.MustCompile(`(?i)\b(think|believe|feel|in my opinion)\b`)
	observationPattern = regexp.MustCompile(`(?i)\b(noticed|observed|saw|seems|appears)\b`)
	entityPattern      = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9]+(?:[ ][A-Z][a-zA-Z0-9]+)*\b`)
)

// LLMFactory builds an LLM client for a resolved config, or nil when the
// config cannot support one.
type LLMFactory func(cfg domain.LLMConfig) domain.LLMClient

type ReflectService struct {
	jobs      domain.ReflectJobStore
	memories  domain.MemoryStore
	episodes  domain.EpisodeStore
	entities  domain.EntityStore
	embedder  domain.EmbeddingClient
	detector  *ContradictionDetector
	lifecycle *LifecycleService
	recall    *RecallService
	graph     *GraphService
	settings  *SettingsService
	usage     *UsageTracker
	llm       LLMFactory
	logger    *zap.Logger

	queue   chan queuedJob
	stopped chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

type queuedJob struct {
	jobID      uuid.UUID
	agentID    string
	sessionID  string
	transcript string
}

func NewReflectService(
	jobs domain.ReflectJobStore,
	memories domain.MemoryStore,
	episodes domain.EpisodeStore,
	entities domain.EntityStore,
	embedder domain.EmbeddingClient,
	detector *ContradictionDetector,
	lifecycle *LifecycleService,
	recall *RecallService,
	graph *GraphService,
	settings *SettingsService,
	usage *UsageTracker,
	llm LLMFactory,
	logger *zap.Logger,
) *ReflectService {
	return &ReflectService{
		jobs:      jobs,
		memories:  memories,
		episodes:  episodes,
		entities:  entities,
		embedder:  embedder,
		detector:  detector,
		lifecycle: lifecycle,
		recall:    recall,
		graph:     graph,
		settings:  settings,
		usage:     usage,
		llm:       llm,
		logger:    logger,
		queue:     make(chan queuedJob, jobQueueSize),
		stopped:   make(chan struct{}),
	}
}

// Start launches the worker pool. Each job is advanced by exactly one worker.
func (s *ReflectService) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		sem := make(chan struct{}, workers)
		for {
			select {
			case <-ctx.Done():
				return
			case q := <-s.queue:
				sem <- struct{}{}
				go func() {
					defer func() { <-sem }()
					s.run(ctx, q)
				}()
			}
		}
	}()
	s.logger.Info("reflect workers started", zap.Int("workers", workers))
}

// Stop cancels running jobs and stops the workers. In-flight store writes
// complete; subsequent stages are skipped.
func (s *ReflectService) Stop() {
	if s.cancel == nil {
		return
	}
	close(s.stopped)
	s.cancel()
	<-s.done
	s.logger.Info("reflect workers stopped")
}

// Trigger enqueues a pipeline run and returns the job record immediately.
func (s *ReflectService) Trigger(ctx context.Context, agentID, sessionID, transcript string) (*domain.ReflectJob, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}

	job := &domain.ReflectJob{
		AgentID:   agentID,
		SessionID: sessionID,
		Status:    domain.JobStatusPending,
		Stages:    make([]domain.StageResult, 0, 9),
	}
	for _, name := range domain.PipelineStages() {
		job.Stages = append(job.Stages, domain.StageResult{Stage: name, Status: domain.StageStatusPending})
	}
	// Checked before the enqueue select: with queue space free, the send
	// case and a closed stopped channel would race, stranding a job no
	// worker will ever pick up.
	select {
	case <-s.stopped:
		return nil, ErrReflectStopped
	default:
	}

	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	select {
	case s.queue <- queuedJob{jobID: job.ID, agentID: agentID, sessionID: sessionID, transcript: transcript}:
		return job, nil
	case <-s.stopped:
		return nil, ErrReflectStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrJobQueueFull
	}
}

func (s *ReflectService) GetJob(ctx context.Context, id uuid.UUID) (*domain.ReflectJob, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *ReflectService) ListJobs(ctx context.Context, agentID string, limit int) ([]domain.ReflectJob, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.jobs.ListByAgent(ctx, agentID, limit)
}

// atom is a candidate memory flowing through the pipeline.
type atom struct {
	text        string
	vector      []float32
	duplicateOf *domain.MemoryWithScore
	conflicts   []Detection
	memory      *domain.Memory
}

type pipelineRun struct {
	job        *domain.ReflectJob
	agentID    string
	sessionID  string
	transcript string
	resolved   domain.ResolvedPipelineSettings
	llm        domain.LLMClient
	startedAt  time.Time

	atoms []*atom
}

func (r *pipelineRun) kept() []*atom {
	out := make([]*atom, 0, len(r.atoms))
	for _, a := range r.atoms {
		if a.duplicateOf == nil {
			out = append(out, a)
		}
	}
	return out
}

type stageFunc func(ctx context.Context, r *pipelineRun) (map[string]any, error)

func (s *ReflectService) run(ctx context.Context, q queuedJob) {
	persistCtx := context.Background()

	job, err := s.jobs.GetByID(persistCtx, q.jobID)
	if err != nil {
		s.logger.Error("reflect job load failed", zap.String("job_id", q.jobID.String()), zap.Error(err))
		return
	}

	resolved, err := s.settings.Resolve(ctx, q.agentID)
	if err != nil {
		s.logger.Warn("settings resolution failed, using defaults", zap.Error(err))
	}

	run := &pipelineRun{
		job:        job,
		agentID:    q.agentID,
		sessionID:  q.sessionID,
		transcript: q.transcript,
		resolved:   resolved,
		startedAt:  time.Now().UTC(),
	}
	if s.llm != nil && anyStageEnabled(resolved) {
		run.llm = s.llm(resolved.LLM)
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	if err := s.jobs.Update(persistCtx, job); err != nil {
		s.logger.Error("reflect job update failed", zap.Error(err))
		return
	}

	stages := []struct {
		name string
		fn   stageFunc
	}{
		{domain.StageExtract, s.stageExtract},
		{domain.StageDeduplicate, s.stageDeduplicate},
		{domain.StageConflictCheck, s.stageConflictCheck},
		{domain.StageClassify, s.stageClassify},
		{domain.StageConfidenceUpdate, s.stageConfidenceUpdate},
		{domain.StageDecayPass, s.stageDecayPass},
		{domain.StageLayerPromote, s.stageLayerPromote},
		{domain.StageGraphLink, s.stageGraphLink},
		{domain.StageEntityUpdate, s.stageEntityUpdate},
	}

	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			s.failStage(persistCtx, job, i, "cancelled")
			return
		}

		started := time.Now().UTC()
		job.Stages[i].Status = domain.StageStatusRunning
		job.Stages[i].StartedAt = &started
		if err := s.jobs.Update(persistCtx, job); err != nil {
			s.logger.Warn("stage status update failed", zap.Error(err))
		}

		stageCtx, cancelStage := context.WithTimeout(ctx, stageTimeout)
		stats, err := st.fn(stageCtx, run)
		cancelStage()
		if err != nil {
			msg := err.Error()
			if errors.Is(err, context.Canceled) {
				msg = "cancelled"
			}
			s.failStage(persistCtx, job, i, msg)
			return
		}

		completed := time.Now().UTC()
		job.Stages[i].Status = domain.StageStatusComplete
		job.Stages[i].CompletedAt = &completed
		job.Stages[i].Stats = stats
		if err := s.jobs.Update(persistCtx, job); err != nil {
			s.logger.Warn("stage status update failed", zap.Error(err))
		}
	}

	finished := time.Now().UTC()
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &finished
	if err := s.jobs.Update(persistCtx, job); err != nil {
		s.logger.Error("reflect job completion update failed", zap.Error(err))
	}
	s.logger.Info("reflect job completed",
		zap.String("job_id", job.ID.String()),
		zap.String("agent_id", job.AgentID),
		zap.Duration("elapsed", time.Since(run.startedAt)))
}

func (s *ReflectService) failStage(ctx context.Context, job *domain.ReflectJob, i int, msg string) {
	now := time.Now().UTC()
	job.Stages[i].Status = domain.StageStatusFailed
	job.Stages[i].Error = msg
	job.Stages[i].CompletedAt = &now
	job.Status = domain.JobStatusFailed
	job.CompletedAt = &now
	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error("reflect job failure update failed", zap.Error(err))
	}
	s.logger.Warn("reflect job failed",
		zap.String("job_id", job.ID.String()),
		zap.String("stage", job.Stages[i].Stage),
		zap.String("error", msg))
}

func anyStageEnabled(r domain.ResolvedPipelineSettings) bool {
	for _, enabled := range r.Stages {
		if enabled {
			return true
		}
	}
	return false
}

// stageExtract splits the transcript into candidate atoms: short declarative
// statements. An enabled LLM refines the split; heuristics always back it up.
func (s *ReflectService) stageExtract(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	texts := extractAtoms(r.transcript)

	if r.resolved.UseLLM(domain.StageKeyExtract) && r.llm != nil {
		refined, err := s.llmExtract(ctx, r.llm, r.transcript)
		if err != nil {
			s.logger.Warn("llm extract failed, using heuristic atoms", zap.Error(err))
		} else if len(refined) > 0 {
			texts = refined
		}
	}

	if len(texts) > maxAtomsPerRun {
		texts = texts[:maxAtomsPerRun]
	}
	for _, t := range texts {
		r.atoms = append(r.atoms, &atom{text: t})
	}
	return map[string]any{"atoms": len(r.atoms)}, nil
}

func (s *ReflectService) llmExtract(ctx context.Context, client domain.LLMClient, transcript string) ([]string, error) {
	const system = "Extract short, standalone factual statements from the transcript. One per line. No numbering, no commentary."
	out, err := client.Complete(ctx, system, transcript)
	if err != nil {
		return nil, err
	}
	var atoms []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if len(line) > 10 {
			atoms = append(atoms, line)
		}
	}
	return atoms, nil
}

func extractAtoms(transcript string) []string {
	if strings.TrimSpace(transcript) == "" {
		return nil
	}
	var atoms []string
	seen := map[string]bool{}
	for _, line := range strings.FieldsFunc(transcript, func(r rune) bool {
		return r == '\n' || r == '.' || r == ';'
	}) {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* \t"))
		if len(line) <= 10 || strings.HasSuffix(line, "?") {
			continue
		}
		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		atoms = append(atoms, line)
	}
	return atoms
}

// stageDeduplicate embeds the atoms and drops those that near-match an
// existing memory. Matches are kept for reinforcement in confidence-update.
func (s *ReflectService) stageDeduplicate(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	if len(r.atoms) == 0 {
		return map[string]any{"candidates": 0, "duplicates": 0, "kept": 0}, nil
	}

	ctx = s.usage.Attribute(ctx, UsageContext{
		Operation:     "reflect",
		AgentID:       r.agentID,
		PipelineJobID: &r.job.ID,
		PipelineStage: domain.StageDeduplicate,
	})

	texts := make([]string, len(r.atoms))
	for i, a := range r.atoms {
		texts[i] = a.text
	}
	vectors, err := s.embedder.Embed(ctx, texts, domain.InputDocument)
	if err != nil {
		return nil, fmt.Errorf("embed atoms: %w", err)
	}

	minScore := dedupMinScore
	duplicates := 0
	for i, a := range r.atoms {
		a.vector = vectors[i]
		out, err := s.recall.RecallByVector(ctx, a.vector, domain.MemoryFilter{AgentID: r.agentID}, graphLinkTopK, &minScore)
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if out.Count > 0 {
			match := out.Results[0]
			a.duplicateOf = &match
			duplicates++
		}
	}

	return map[string]any{
		"candidates": len(r.atoms),
		"duplicates": duplicates,
		"kept":       len(r.atoms) - duplicates,
	}, nil
}

func (s *ReflectService) stageConflictCheck(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	conflictCount := 0
	var recorded []map[string]any

	for _, a := range r.kept() {
		detections, err := s.detector.DetectForText(ctx, r.agentID, a.text, a.vector)
		if err != nil {
			return nil, fmt.Errorf("conflict check: %w", err)
		}
		a.conflicts = detections
		conflictCount += len(detections)
		for _, d := range detections {
			recorded = append(recorded, map[string]any{
				"text":        a.text,
				"targetId":    d.Target.ID.String(),
				"probability": d.Probability,
			})
		}
	}

	stats := map[string]any{"checked": len(r.kept()), "conflicts": conflictCount}
	if recorded != nil {
		stats["pairs"] = recorded
	}
	return stats, nil
}

// stageClassify assigns a type to each surviving atom and stores it as a
// memory, recording contradictions symmetrically. With a session id, the
// session's episode narrative is refreshed from the stored atoms.
func (s *ReflectService) stageClassify(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	byType := map[string]int{}
	inserted := 0
	now := time.Now().UTC()

	for _, a := range r.kept() {
		memoryType := classifyAtom(a.text)
		if r.resolved.UseLLM(domain.StageKeyClassify) && r.llm != nil {
			if t, err := s.llmClassify(ctx, r.llm, a.text); err == nil {
				memoryType = t
			} else {
				s.logger.Warn("llm classify failed, using heuristic type", zap.Error(err))
			}
		}

		m := &domain.Memory{
			AgentID:    r.agentID,
			SessionID:  r.sessionID,
			Text:       a.text,
			Tags:       []string{"reflection"},
			Embedding:  a.vector,
			MemoryType: memoryType,
			Layer:      domain.LayerEpisodic,
			Confidence: memoryType.InitialConfidence(),
			Strength:   1.0,
		}
		for _, d := range a.conflicts {
			m.Contradictions = append(m.Contradictions, domain.Contradiction{
				TargetMemoryID: d.Target.ID,
				DetectedAt:     now,
				Resolution:     domain.ResolutionUnresolved,
			})
		}

		if err := s.memories.Insert(ctx, m); err != nil {
			return nil, fmt.Errorf("insert atom: %w", err)
		}
		a.memory = m
		inserted++
		byType[string(memoryType)]++

		for _, d := range a.conflicts {
			patch := domain.MemoryPatch{AppendContradictions: []domain.Contradiction{{
				TargetMemoryID: m.ID,
				DetectedAt:     now,
				Resolution:     domain.ResolutionUnresolved,
			}}}
			if err := s.memories.Update(ctx, d.Target.ID, patch); err != nil {
				s.logger.Warn("reverse contradiction write failed",
					zap.String("memory_id", d.Target.ID.String()), zap.Error(err))
			}
		}
	}

	if r.sessionID != "" && inserted > 0 {
		if err := s.upsertEpisode(ctx, r); err != nil {
			s.logger.Warn("episode upsert failed", zap.Error(err))
		}
	}

	return map[string]any{"inserted": inserted, "byType": byType}, nil
}

func (s *ReflectService) llmClassify(ctx context.Context, client domain.LLMClient, text string) (domain.MemoryType, error) {
	const system = "Classify the statement as exactly one of: preference, decision, fact, observation, opinion. Answer with the single word."
	out, err := client.Complete(ctx, system, text)
	if err != nil {
		return "", err
	}
	t := strings.ToLower(strings.TrimSpace(out))
	if !domain.ValidMemoryType(t) {
		return "", fmt.Errorf("unrecognized type %q", t)
	}
	return domain.MemoryType(t), nil
}

func classifyAtom(text string) domain.MemoryType {
	switch {
	case preferencePattern.MatchString(text):
		return domain.MemoryTypePreference
	case decisionPattern.MatchString(text):
		return domain.MemoryTypeDecision
	case opinionPattern.MatchString(text):
		return domain.MemoryTypeOpinion
	case observationPattern.MatchString(text):
		return domain.MemoryTypeObservation
	default:
		return domain.MemoryTypeFact
	}
}

func (s *ReflectService) upsertEpisode(ctx context.Context, r *pipelineRun) error {
	var factIDs []uuid.UUID
	var texts []string
	for _, a := range r.kept() {
		if a.memory != nil {
			factIDs = append(factIDs, a.memory.ID)
			texts = append(texts, a.text)
		}
	}
	if len(factIDs) == 0 {
		return nil
	}

	title := texts[0]
	if len(title) > 80 {
		title = title[:80]
	}
	ep := &domain.Episode{
		AgentID:        r.agentID,
		SessionID:      r.sessionID,
		Title:          title,
		Narrative:      strings.Join(texts, ". "),
		DominantTopics: dominantTopics(texts, 5),
		FactIDs:        factIDs,
		Strength:       1.0,
		Layer:          domain.LayerEpisodic,
		StartedAt:      r.startedAt,
		EndedAt:        time.Now().UTC(),
	}
	return s.episodes.Upsert(ctx, ep)
}

func dominantTopics(texts []string, n int) []string {
	counts := map[string]int{}
	for _, t := range texts {
		for _, tok := range tokenize(t) {
			counts[tok]++
		}
	}
	type wc struct {
		word  string
		count int
	}
	var all []wc
	for w, c := range counts {
		all = append(all, wc{w, c})
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].count > all[i].count || (all[j].count == all[i].count && all[j].word < all[i].word) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > n {
		all = all[:n]
	}
	topics := make([]string, len(all))
	for i, w := range all {
		topics[i] = w.word
	}
	return topics
}

// stageConfidenceUpdate reinforces memories the dedup stage matched and
// weakens those the conflict check flagged.
func (s *ReflectService) stageConfidenceUpdate(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	reinforced := 0
	weakened := 0

	for _, a := range r.atoms {
		if a.duplicateOf == nil {
			continue
		}
		m, err := s.memories.GetByID(ctx, a.duplicateOf.ID)
		if err != nil {
			s.logger.Warn("reinforcement target missing", zap.Error(err))
			continue
		}
		if err := s.lifecycle.Reinforce(ctx, m); err != nil {
			return nil, fmt.Errorf("reinforce: %w", err)
		}
		reinforced++
	}

	for _, a := range r.kept() {
		for _, d := range a.conflicts {
			m, err := s.memories.GetByID(ctx, d.Target.ID)
			if err != nil {
				s.logger.Warn("conflict target missing", zap.Error(err))
				continue
			}
			if err := s.lifecycle.Weaken(ctx, m, d.Probability >= strongConflictFloor); err != nil {
				return nil, fmt.Errorf("weaken: %w", err)
			}
			weakened++
		}
	}

	return map[string]any{"reinforced": reinforced, "weakened": weakened}, nil
}

func (s *ReflectService) stageDecayPass(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	stats, err := s.lifecycle.DecayPass(ctx, r.agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"totalMemories":        stats.TotalMemories,
		"decayed":              stats.Decayed,
		"archivalCandidates":   stats.ArchivalCandidates,
		"expirationCandidates": stats.ExpirationCandidates,
		"errors":               stats.Errors,
		"durationMs":           stats.DurationMs,
	}, nil
}

// stageLayerPromote finds semantic memories weak enough for the archival
// layer. They are only moved when the layerPromote stage is enabled in the
// resolved settings; otherwise the candidates are just counted.
func (s *ReflectService) stageLayerPromote(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	var candidates []uuid.UUID
	err := s.memories.StreamWhere(ctx, domain.MemoryFilter{AgentID: r.agentID}, false, 0, func(m *domain.Memory) error {
		if m.Layer == domain.LayerSemantic && m.Strength < 0.10 {
			candidates = append(candidates, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	promoted := 0
	if r.resolved.UseLLM(domain.StageKeyLayerPromote) {
		archival := domain.LayerArchival
		for _, id := range candidates {
			if err := s.memories.Update(ctx, id, domain.MemoryPatch{Layer: &archival}); err != nil {
				s.logger.Warn("layer promotion failed", zap.String("memory_id", id.String()), zap.Error(err))
				continue
			}
			promoted++
		}
	}

	return map[string]any{"candidates": len(candidates), "promoted": promoted}, nil
}

// stageGraphLink proposes pending edges between new atoms and their most
// similar existing memories, probability equal to the similarity score.
func (s *ReflectService) stageGraphLink(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	newIDs := map[uuid.UUID]bool{}
	for _, a := range r.kept() {
		if a.memory != nil {
			newIDs[a.memory.ID] = true
		}
	}

	proposed := 0
	for _, a := range r.kept() {
		if a.memory == nil {
			continue
		}
		out, err := s.recall.RecallByVector(ctx, a.vector, domain.MemoryFilter{AgentID: r.agentID}, graphLinkTopK+1, nil)
		if err != nil {
			return nil, fmt.Errorf("graph link lookup: %w", err)
		}
		for _, match := range out.Results {
			if match.ID == a.memory.ID || newIDs[match.ID] || match.Score < graphLinkScoreFloor {
				continue
			}
			edgeType := domain.EdgeCoOccurs
			if match.Score >= graphLinkSupportsFloor {
				edgeType = domain.EdgeSupports
			}
			p := &domain.PendingEdge{
				SourceID:    a.memory.ID,
				TargetID:    match.ID.String(),
				Type:        edgeType,
				Weight:      match.Score,
				Probability: match.Score,
				Reason:      "embedding similarity",
			}
			if err := s.graph.Propose(ctx, p); err != nil {
				s.logger.Warn("pending edge proposal failed", zap.Error(err))
				continue
			}
			proposed++
		}
	}

	return map[string]any{"proposed": proposed}, nil
}

// stageEntityUpdate extracts named terms from the new atoms, upserts Entity
// records, and writes MENTIONS_ENTITY edges directly (no review queue).
func (s *ReflectService) stageEntityUpdate(ctx context.Context, r *pipelineRun) (map[string]any, error) {
	entitiesSeen := map[string]bool{}
	edges := 0

	for _, a := range r.kept() {
		if a.memory == nil {
			continue
		}
		for _, name := range extractEntities(a.text) {
			slug := slugify(name)
			if slug == "" {
				continue
			}
			if _, err := s.entities.Upsert(ctx, r.agentID, slug, name, "concept", a.memory.ID); err != nil {
				s.logger.Warn("entity upsert failed", zap.String("slug", slug), zap.Error(err))
				continue
			}
			entitiesSeen[slug] = true

			patch := domain.MemoryPatch{AppendEdges: []domain.GraphEdge{{
				Type:      domain.EdgeMentionsEntity,
				TargetID:  slug,
				Weight:    1.0,
				CreatedAt: time.Now().UTC(),
			}}}
			if err := s.memories.Update(ctx, a.memory.ID, patch); err != nil {
				s.logger.Warn("entity edge write failed", zap.Error(err))
				continue
			}
			edges++
		}
	}

	return map[string]any{"entities": len(entitiesSeen), "edges": edges}, nil
}

// extractEntities returns capitalized terms that are not sentence-initial
// common words. Intentionally simple; an LLM extractor can replace it.
func extractEntities(text string) []string {
	matches := entityPattern.FindAllStringIndex(text, -1)
	var names []string
	seen := map[string]bool{}
	for _, span := range matches {
		name := text[span[0]:span[1]]
		// Single capitalized word at the start of the text is usually just
		// sentence case.
		if span[0] == 0 && !strings.Contains(name, " ") {
			continue
		}
		lower := strings.ToLower(name)
		if len(lower) <= 2 || stopWords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		names = append(names, name)
	}
	return names
}

func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
