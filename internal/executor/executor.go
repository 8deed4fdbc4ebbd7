package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evidenced/internal/compliance"
	"github.com/fyrsmithlabs/evidenced/internal/connectors"
	"github.com/fyrsmithlabs/evidenced/internal/logging"
	"github.com/fyrsmithlabs/evidenced/internal/memory"
	"github.com/fyrsmithlabs/evidenced/internal/store"
	"github.com/fyrsmithlabs/evidenced/internal/validator"
)

const memoryAuthor = "executor"

// StrategyPlanner produces the collection strategy for one check.
type StrategyPlanner interface {
	Plan(ctx context.Context, check *compliance.ComplianceCheck, provider string) *compliance.CollectionStrategy
}

// Embedder computes the embedding for memory write-back.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EvidenceValidator scores one collected artifact against a rule context.
type EvidenceValidator interface {
	Validate(path string, rules validator.ValidationContext) validator.Result
}

// Executor runs evidence sessions. Multiple sessions may run
// concurrently and independently; per-session state lives in the stores.
type Executor struct {
	checks    store.CheckStore
	sessions  store.SessionStore
	evidence  store.EvidenceStore
	planner   StrategyPlanner
	validator EvidenceValidator
	memories  memory.Store
	embedder  Embedder
	sources   map[string]connectors.SourceConnector

	// approvals and ticketing are optional integrations; nil disables them.
	approvals connectors.ApprovalChannel

	downloadDir string
	logger      *logging.Logger
	tracer      trace.Tracer

	// cancelled holds session ids asked to stop. Checked before every
	// step transition; the in-flight step is left to finish.
	cancelled sync.Map
}

// Options wires an Executor.
type Options struct {
	Checks    store.CheckStore
	Sessions  store.SessionStore
	Evidence  store.EvidenceStore
	Planner   StrategyPlanner
	Validator EvidenceValidator
	Memories  memory.Store
	Embedder  Embedder
	Sources   []connectors.SourceConnector
	Approvals connectors.ApprovalChannel

	// DownloadDir receives fetched remote files; defaults to the OS temp dir.
	DownloadDir string

	Logger *logging.Logger
}

// New creates an executor.
func New(opts Options) (*Executor, error) {
	if opts.Checks == nil || opts.Sessions == nil || opts.Evidence == nil {
		return nil, fmt.Errorf("check, session and evidence stores are required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	downloadDir := opts.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}

	sources := make(map[string]connectors.SourceConnector, len(opts.Sources))
	for _, source := range opts.Sources {
		sources[source.ID()] = source
	}

	return &Executor{
		checks:      opts.Checks,
		sessions:    opts.Sessions,
		evidence:    opts.Evidence,
		planner:     opts.Planner,
		validator:   opts.Validator,
		memories:    opts.Memories,
		embedder:    opts.Embedder,
		sources:     sources,
		approvals:   opts.Approvals,
		downloadDir: downloadDir,
		logger:      logger.Named("executor"),
		tracer:      otel.Tracer("evidenced/executor"),
	}, nil
}

// StartSession creates a pending session over the given checks.
func (e *Executor) StartSession(ctx context.Context, checkIDs []string, provider string) (*compliance.EvidenceSession, error) {
	if len(checkIDs) == 0 {
		return nil, fmt.Errorf("at least one check id required")
	}
	for _, id := range checkIDs {
		if _, err := e.checks.Get(ctx, id); err != nil {
			return nil, fmt.Errorf("resolving check %s: %w", id, err)
		}
	}

	session := compliance.NewSession(checkIDs, provider)
	if err := e.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	e.logger.Info(ctx, "session created",
		zap.String("session_id", session.ID),
		zap.Int("checks", len(checkIDs)),
		zap.String("provider", provider))
	return session, nil
}

// RequestCancel asks a running session to stop. The executor refuses to
// start further step transitions; the current step finishes.
func (e *Executor) RequestCancel(sessionID string) {
	e.cancelled.Store(sessionID, true)
}

func (e *Executor) isCancelled(sessionID string) bool {
	_, ok := e.cancelled.Load(sessionID)
	return ok
}

// RunSession plans every check in the session and executes the resulting
// steps strictly sequentially. Per-step failures are recorded on the
// step and do not abort the remaining checks.
func (e *Executor) RunSession(ctx context.Context, sessionID string) error {
	ctx = logging.ContextWithSessionID(ctx, sessionID)
	ctx, span := e.tracer.Start(ctx, "executor.run_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s already %s", sessionID, session.Status)
	}

	session.Status = compliance.SessionPlanning
	session.UpdatedAt = time.Now()
	if err := e.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	plans, err := e.planChecks(ctx, session)
	if err != nil {
		e.failSession(ctx, session, err)
		return err
	}

	session.Status = compliance.SessionCollecting
	session.UpdatedAt = time.Now()
	if err := e.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	for _, plan := range plans {
		if e.isCancelled(sessionID) {
			return e.cancelSession(ctx, session)
		}
		e.executeStep(ctx, session, plan)
	}

	return e.finishSession(ctx, session)
}

// checkPlan pairs one check with its strategy and pre-created step.
type checkPlan struct {
	check    *compliance.ComplianceCheck
	strategy *compliance.CollectionStrategy
	stepID   string
}

// planChecks produces a strategy and a pending step per check. Planning
// never fails a single check (the planner falls back internally), so the
// only errors here are store failures.
func (e *Executor) planChecks(ctx context.Context, session *compliance.EvidenceSession) ([]checkPlan, error) {
	plans := make([]checkPlan, 0, len(session.CheckIDs))
	for i, checkID := range session.CheckIDs {
		check, err := e.checks.Get(ctx, checkID)
		if err != nil {
			return nil, fmt.Errorf("resolving check %s: %w", checkID, err)
		}

		strategy := e.planner.Plan(ctx, check, session.Provider)
		step := compliance.ProgressStep{
			ID:               uuid.New().String(),
			Seq:              i + 1,
			Title:            "Collect evidence: " + check.CheckName,
			Description:      fmt.Sprintf("%s collection from %s", strategy.Approach, strings.Join(strategy.Sources, ", ")),
			Status:           compliance.StepPending,
			Timestamp:        time.Now(),
			EstimatedSeconds: strategy.EstimatedSeconds,
		}
		if err := e.sessions.WriteProgressStep(ctx, session.ID, step); err != nil {
			return nil, fmt.Errorf("writing step: %w", err)
		}

		entry := compliance.Reasoning{
			StepID:           step.ID,
			Reasoning:        fmt.Sprintf("Planned %s collection for %q using sources %s", strategy.Approach, check.CheckName, strings.Join(strategy.Sources, ", ")),
			Confidence:       strategy.ConfidenceScore,
			SelectedApproach: string(strategy.Approach),
			ExpectedOutcome:  "evidence file matching " + strings.Join(strategy.FilePatterns, " or "),
			Risk:             riskForConfidence(strategy.ConfidenceScore),
		}
		if err := e.sessions.AppendReasoning(ctx, session.ID, entry); err != nil {
			e.logger.Warn(ctx, "failed to append reasoning", zap.Error(err))
		}

		plans = append(plans, checkPlan{check: check, strategy: strategy, stepID: step.ID})
	}
	return plans, nil
}

func riskForConfidence(confidence float64) compliance.RiskAssessment {
	switch {
	case confidence >= 0.8:
		return compliance.RiskAssessment{Level: "low"}
	case confidence >= 0.5:
		return compliance.RiskAssessment{Level: "medium", Factors: []string{"strategy confidence below 0.8"}}
	default:
		return compliance.RiskAssessment{
			Level:      "high",
			Factors:    []string{"low strategy confidence"},
			Mitigation: []string{"manual review of collected evidence"},
		}
	}
}

// executeStep runs one step through its state machine. Failures are
// recorded on the step and swallowed; the session continues.
func (e *Executor) executeStep(ctx context.Context, session *compliance.EvidenceSession, plan checkPlan) {
	ctx, span := e.tracer.Start(ctx, "executor.execute_step",
		trace.WithAttributes(
			attribute.String("step.id", plan.stepID),
			attribute.String("check.id", plan.check.ID)))
	defer span.End()

	started := time.Now()
	step, ok := e.transitionStep(ctx, session.ID, plan.stepID, compliance.StepInProgress, "scanning sources")
	if !ok {
		return
	}

	files, sourceID, scanErr := e.scanSources(ctx, plan.strategy)
	switch {
	case scanErr != nil:
		step.Status = compliance.StepError
		step.Message = scanErr.Error()
	case len(files) == 0:
		step.Status = compliance.StepError
		step.Message = "no evidence files found"
		e.recordNoEvidence(ctx, session, plan)
	default:
		e.collectEvidence(ctx, session, plan, files, sourceID, &step)
	}

	step.ActualSeconds = int(time.Since(started).Seconds())
	step.Timestamp = time.Now()
	if err := e.sessions.WriteProgressStep(ctx, session.ID, step); err != nil {
		e.logger.Error(ctx, "failed to write step result",
			zap.String("step_id", step.ID), zap.Error(err))
	}

	e.logger.Info(ctx, "step finished",
		zap.String("step_id", step.ID),
		zap.String("check_id", plan.check.ID),
		zap.String("status", string(step.Status)),
		zap.String("message", step.Message))
}

// transitionStep moves a step into the target status after re-reading
// its latest snapshot, so operator actions (skip, retry) arriving
// through the store are respected rather than clobbered.
func (e *Executor) transitionStep(ctx context.Context, sessionID, stepID string, target compliance.StepStatus, message string) (compliance.ProgressStep, bool) {
	steps, err := e.sessions.ReadProgressSteps(ctx, sessionID)
	if err != nil {
		e.logger.Error(ctx, "failed to read steps", zap.Error(err))
		return compliance.ProgressStep{}, false
	}

	var step *compliance.ProgressStep
	inProgress := 0
	for i := range steps {
		if steps[i].Status == compliance.StepInProgress {
			inProgress++
		}
		if steps[i].ID == stepID {
			step = &steps[i]
		}
	}
	if step == nil {
		e.logger.Error(ctx, "step vanished", zap.String("step_id", stepID))
		return compliance.ProgressStep{}, false
	}
	// One step in progress at a time, without exception.
	if target == compliance.StepInProgress && inProgress > 0 {
		e.logger.Warn(ctx, "refusing second in-progress step", zap.String("step_id", stepID))
		return compliance.ProgressStep{}, false
	}
	if !compliance.ValidStepTransition(step.Status, target) {
		e.logger.Warn(ctx, "skipping step after external transition",
			zap.String("step_id", stepID),
			zap.String("status", string(step.Status)))
		return compliance.ProgressStep{}, false
	}

	step.Status = target
	step.Message = message
	step.Timestamp = time.Now()
	if err := e.sessions.WriteProgressStep(ctx, sessionID, *step); err != nil {
		e.logger.Error(ctx, "failed to write step", zap.Error(err))
		return compliance.ProgressStep{}, false
	}
	return *step, true
}

// scanSources tries each source in order and stops at the first one
// returning at least one file. Source failures are remembered but do not
// stop the scan of later sources; they surface only when no source
// yields files.
func (e *Executor) scanSources(ctx context.Context, strategy *compliance.CollectionStrategy) ([]connectors.FileInfo, string, error) {
	opts := connectors.ScanOptions{Patterns: strategy.FilePatterns}
	if days, ok := maxAgeDays(strategy.ValidationRules); ok {
		opts.MaxAgeDays = days
	}

	var scanErrs []string
	for _, sourceID := range strategy.Sources {
		source, ok := e.sources[sourceID]
		if !ok {
			scanErrs = append(scanErrs, fmt.Sprintf("%s: not configured", sourceID))
			continue
		}

		folder := folderForSource(strategy, sourceID)
		result, err := source.Scan(ctx, folder, opts)
		if err != nil {
			e.logger.Warn(ctx, "source scan failed",
				zap.String("source", sourceID), zap.Error(err))
			scanErrs = append(scanErrs, fmt.Sprintf("%s: %v", sourceID, err))
			continue
		}
		if len(result.Files) > 0 {
			return result.Files, sourceID, nil
		}
	}

	if len(scanErrs) > 0 {
		return nil, "", fmt.Errorf("all sources failed or empty: %s", strings.Join(scanErrs, "; "))
	}
	return nil, "", nil
}

// maxAgeDays extracts a not_older_than_days bound from the opaque rules.
func maxAgeDays(rules map[string]any) (int, bool) {
	constraints, ok := rules["date_constraints"].(map[string]any)
	if !ok {
		return 0, false
	}
	if days, ok := constraints["not_older_than_days"].(float64); ok {
		return int(days), true
	}
	return 0, false
}

// folderForSource resolves the folder to scan from the strategy's rules,
// defaulting to the source root.
func folderForSource(strategy *compliance.CollectionStrategy, sourceID string) string {
	folders, ok := strategy.ValidationRules["folders"].(map[string]any)
	if !ok {
		return ""
	}
	if folder, ok := folders[sourceID].(string); ok {
		return folder
	}
	return ""
}

// collectEvidence validates the first found file, files it as an
// evidence item and records a procedural memory for the winning
// source/pattern combination.
func (e *Executor) collectEvidence(ctx context.Context, session *compliance.EvidenceSession, plan checkPlan, files []connectors.FileInfo, sourceID string, step *compliance.ProgressStep) {
	first := files[0]

	localPath := first.Path
	if downloader, ok := e.sources[sourceID].(connectors.Downloader); ok {
		downloaded, err := downloader.Download(ctx, first, e.downloadDir)
		if err != nil {
			step.Status = compliance.StepError
			step.Message = fmt.Sprintf("downloading %s: %v", first.Name, err)
			return
		}
		localPath = downloaded
	}

	rules, err := validator.ContextFromRules(plan.check.CheckType, plan.check.FrameworkID, plan.strategy.ValidationRules)
	if err != nil {
		e.logger.Warn(ctx, "malformed validation rules, using framework defaults", zap.Error(err))
		rules = validator.DefaultRules(plan.check.CheckType, plan.check.FrameworkID)
	}
	result := e.validator.Validate(localPath, rules)

	item := &compliance.EvidenceItem{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		CheckID:      plan.check.ID,
		SourceSystem: sourceID,
		SourcePath:   first.Path,
		File: compliance.FileDescriptor{
			ID:           first.ID,
			Name:         first.Name,
			Size:         first.Size,
			MimeType:     first.MimeType,
			Path:         localPath,
			ModifiedTime: first.ModifiedTime,
		},
		ReviewStatus: compliance.ReviewPending,
		CreatedAt:    time.Now(),
	}
	if hash, err := validator.HashFile(localPath); err == nil {
		item.File.Hash = hash
	}
	item.ApplyValidation(result)

	if err := e.evidence.Add(ctx, item); err != nil {
		step.Status = compliance.StepError
		step.Message = fmt.Sprintf("storing evidence: %v", err)
		return
	}

	session.TotalEvidence++
	if item.ValidationStatus == compliance.ValidationInvalid {
		session.FailedEvidence++
	} else {
		session.SuccessfulEvidence++
	}
	session.UpdatedAt = time.Now()
	if err := e.sessions.Update(ctx, session); err != nil {
		e.logger.Warn(ctx, "failed to update session counters", zap.Error(err))
	}

	step.Status = compliance.StepCompleted
	step.Message = fmt.Sprintf("found %d file(s) in %s", len(files), sourceID)
	step.Details = fmt.Sprintf("validated %s: score %.2f", first.Name, result.Score)

	e.recordSuccess(ctx, plan, sourceID)
	e.requestApproval(ctx, plan, item)
}

// recordSuccess stores a procedural memory for the winning combination.
// Best effort: failures are logged, never propagated.
func (e *Executor) recordSuccess(ctx context.Context, plan checkPlan, sourceID string) {
	content := fmt.Sprintf("Successfully collected %q evidence from %s using patterns %s",
		plan.check.CheckType, sourceID, strings.Join(plan.strategy.FilePatterns, ", "))
	e.storeMemory(ctx, memory.TypeProcedural, plan.check.CheckType, content, 1.0)
}

// recordNoEvidence stores a single episodic memory so future planning
// avoids the same dead end. Best effort.
func (e *Executor) recordNoEvidence(ctx context.Context, session *compliance.EvidenceSession, plan checkPlan) {
	content := fmt.Sprintf("No evidence found for %q in sources %s with patterns %s; consider different sources or patterns",
		plan.check.CheckName, strings.Join(plan.strategy.Sources, ", "), strings.Join(plan.strategy.FilePatterns, ", "))
	e.storeMemory(ctx, memory.TypeEpisodic, plan.check.CheckType, content, 0.0)

	session.FailedEvidence++
	session.UpdatedAt = time.Now()
	if err := e.sessions.Update(ctx, session); err != nil {
		e.logger.Warn(ctx, "failed to update session counters", zap.Error(err))
	}
}

func (e *Executor) storeMemory(ctx context.Context, t memory.Type, checkType, content string, successRate float64) {
	if e.memories == nil || e.embedder == nil {
		return
	}

	embedding, err := e.embedder.Embed(ctx, content)
	if err != nil {
		e.logger.Warn(ctx, "memory embedding failed, skipping write-back", zap.Error(err))
		return
	}

	m := memory.New(t, checkType, content, memoryAuthor, successRate)
	m.Embedding = embedding
	if err := e.memories.Add(ctx, m); err != nil {
		e.logger.Warn(ctx, "memory write-back failed", zap.Error(err))
	}
}

// requestApproval posts the evidence for human review. Best effort.
func (e *Executor) requestApproval(ctx context.Context, plan checkPlan, item *compliance.EvidenceItem) {
	if e.approvals == nil {
		return
	}

	score := 0.0
	if item.Validation != nil {
		score = item.Validation.Score
	}
	handle, err := e.approvals.PostRequest(ctx, connectors.ApprovalRequest{
		EvidenceID: item.ID,
		CheckName:  plan.check.CheckName,
		FileName:   item.File.Name,
		Source:     item.SourceSystem,
		Score:      score,
	})
	if err != nil {
		e.logger.Warn(ctx, "approval request failed", zap.Error(err))
		return
	}

	item.ApprovalHandle = handle
	if err := e.evidence.Update(ctx, item); err != nil {
		e.logger.Warn(ctx, "failed to record approval handle", zap.Error(err))
	}
	e.logger.Info(ctx, "approval requested",
		zap.String("evidence_id", item.ID),
		zap.String("handle", handle))
}

func (e *Executor) finishSession(ctx context.Context, session *compliance.EvidenceSession) error {
	latest, err := e.sessions.Get(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if latest.TotalEvidence > 0 {
		latest.Status = compliance.SessionReviewing
	} else {
		latest.Status = compliance.SessionCompleted
		now := time.Now()
		latest.CompletedAt = &now
	}
	latest.UpdatedAt = time.Now()
	if err := e.sessions.Update(ctx, latest); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	e.logger.Info(ctx, "session finished",
		zap.String("session_id", latest.ID),
		zap.String("status", string(latest.Status)),
		zap.Int("evidence", latest.TotalEvidence))
	return nil
}

func (e *Executor) cancelSession(ctx context.Context, session *compliance.EvidenceSession) error {
	session.Status = compliance.SessionCancelled
	session.UpdatedAt = time.Now()
	if err := e.sessions.Update(ctx, session); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	e.logger.Info(ctx, "session cancelled", zap.String("session_id", session.ID))
	return nil
}

func (e *Executor) failSession(ctx context.Context, session *compliance.EvidenceSession, cause error) {
	session.Status = compliance.SessionError
	session.UpdatedAt = time.Now()
	if err := e.sessions.Update(ctx, session); err != nil {
		e.logger.Error(ctx, "failed to record session error", zap.Error(err))
	}
	e.logger.Error(ctx, "session failed",
		zap.String("session_id", session.ID),
		zap.Error(cause))
}
