package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/evidenced/internal/compliance"
	"github.com/fyrsmithlabs/evidenced/internal/connectors"
	"github.com/fyrsmithlabs/evidenced/internal/memory"
	"github.com/fyrsmithlabs/evidenced/internal/store"
	"github.com/fyrsmithlabs/evidenced/internal/validator"
)

type fakePlanner struct {
	strategy compliance.CollectionStrategy
}

func (p *fakePlanner) Plan(_ context.Context, check *compliance.ComplianceCheck, _ string) *compliance.CollectionStrategy {
	s := p.strategy
	s.CheckID = check.ID
	return &s
}

type fakeSource struct {
	id     string
	result *connectors.ScanResult
	err    error
	scans  int
	onScan func()
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Scan(_ context.Context, _ string, _ connectors.ScanOptions) (*connectors.ScanResult, error) {
	s.scans++
	if s.onScan != nil {
		s.onScan()
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &connectors.ScanResult{Files: []connectors.FileInfo{}}, nil
}

type fakeEmbedder struct{}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeMemoryStore struct {
	added  []*memory.Memory
	addErr error
}

func (s *fakeMemoryStore) Search(_ context.Context, _ []float32, _ memory.Filters, _ float64, _ int) ([]memory.Match, error) {
	return nil, nil
}

func (s *fakeMemoryStore) Add(_ context.Context, m *memory.Memory) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.added = append(s.added, m)
	return nil
}

func (s *fakeMemoryStore) RecordApplication(_ context.Context, _ string, _ bool) error {
	return nil
}

type fakeApprovals struct {
	requests []connectors.ApprovalRequest
}

func (a *fakeApprovals) PostRequest(_ context.Context, req connectors.ApprovalRequest) (string, error) {
	a.requests = append(a.requests, req)
	return "C123:1725.0001", nil
}

func (a *fakeApprovals) UpdateRequest(_ context.Context, _, _, _ string) error {
	return nil
}

type testEnv struct {
	exec      *Executor
	checks    *store.MemoryCheckStore
	sessions  *store.MemorySessionStore
	evidence  *store.MemoryEvidenceStore
	memories  *fakeMemoryStore
	approvals *fakeApprovals
}

func accessReviewCheck() *compliance.ComplianceCheck {
	return &compliance.ComplianceCheck{
		ID:          "chk-access-review",
		FrameworkID: "SOC 2",
		CheckType:   "Access Review",
		CheckName:   "Quarterly Access Review",
		Area:        "Security",
	}
}

func newTestEnv(t *testing.T, sources []connectors.SourceConnector, strategy compliance.CollectionStrategy) *testEnv {
	t.Helper()

	env := &testEnv{
		checks:    store.NewMemoryCheckStore(),
		sessions:  store.NewMemorySessionStore(),
		evidence:  store.NewMemoryEvidenceStore(),
		memories:  &fakeMemoryStore{},
		approvals: &fakeApprovals{},
	}
	require.NoError(t, env.checks.Put(context.Background(), accessReviewCheck()))

	exec, err := New(Options{
		Checks:    env.checks,
		Sessions:  env.sessions,
		Evidence:  env.evidence,
		Planner:   &fakePlanner{strategy: strategy},
		Validator: validator.New(nil),
		Memories:  env.memories,
		Embedder:  &fakeEmbedder{},
		Sources:   sources,
		Approvals: env.approvals,
	})
	require.NoError(t, err)
	env.exec = exec
	return env
}

// writeEvidenceFile creates a local text file that passes the SOC 2
// relevance and size checks.
func writeEvidenceFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "Quarterly access control review covering user access and audit findings. " +
		"All security controls were reviewed for the reporting period and no exceptions were noted."
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func defaultStrategy(sources ...string) compliance.CollectionStrategy {
	return compliance.CollectionStrategy{
		Approach:         compliance.ApproachSemiAutomated,
		Sources:          sources,
		FilePatterns:     []string{"*access_review*"},
		EstimatedSeconds: 300,
		ConfidenceScore:  0.8,
	}
}

func TestRunSessionCollectsEvidence(t *testing.T) {
	path := writeEvidenceFile(t, t.TempDir(), "q3_access_review.txt")
	source := &fakeSource{
		id: "google_drive",
		result: &connectors.ScanResult{
			Files: []connectors.FileInfo{{ID: "f1", Name: "q3_access_review.txt", Size: 160, Path: path}},
		},
	}
	env := newTestEnv(t, []connectors.SourceConnector{source}, defaultStrategy("google_drive"))

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)

	require.NoError(t, env.exec.RunSession(ctx, session.ID))

	got, err := env.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.SessionReviewing, got.Status)
	assert.Equal(t, 1, got.TotalEvidence)
	assert.Equal(t, 1, got.SuccessfulEvidence)
	assert.Equal(t, 0, got.FailedEvidence)

	require.Len(t, got.Steps, 1)
	assert.Equal(t, compliance.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, "found 1 file(s) in google_drive", got.Steps[0].Message)
	require.Len(t, got.Reasoning, 1)
	assert.Equal(t, "semi-automated", got.Reasoning[0].SelectedApproach)

	items, err := env.evidence.ListBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "chk-access-review", items[0].CheckID)
	assert.Equal(t, "google_drive", items[0].SourceSystem)
	assert.Equal(t, compliance.ValidationValid, items[0].ValidationStatus)
	assert.Equal(t, compliance.ReviewPending, items[0].ReviewStatus)
	assert.NotEmpty(t, items[0].File.Hash)

	require.Len(t, env.memories.added, 1)
	assert.Equal(t, memory.TypeProcedural, env.memories.added[0].Type)
	assert.Equal(t, 1.0, env.memories.added[0].SuccessRate)

	require.Len(t, env.approvals.requests, 1)
	assert.Equal(t, items[0].ID, env.approvals.requests[0].EvidenceID)
	assert.Equal(t, "Quarterly Access Review", env.approvals.requests[0].CheckName)
	// The posted message's handle is kept so the review decision can be
	// annotated on it later.
	assert.Equal(t, "C123:1725.0001", items[0].ApprovalHandle)
}

func TestStepFailsWhenNoSourceYieldsFiles(t *testing.T) {
	drive := &fakeSource{id: "google_drive"}
	onedrive := &fakeSource{id: "onedrive"}
	env := newTestEnv(t, []connectors.SourceConnector{drive, onedrive}, defaultStrategy("google_drive", "onedrive"))

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)

	require.NoError(t, env.exec.RunSession(ctx, session.ID))

	got, err := env.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, compliance.StepError, got.Steps[0].Status)
	assert.Equal(t, "no evidence files found", got.Steps[0].Message)
	assert.Equal(t, 1, drive.scans)
	assert.Equal(t, 1, onedrive.scans)

	// Exactly one episodic memory records the dead end.
	require.Len(t, env.memories.added, 1)
	assert.Equal(t, memory.TypeEpisodic, env.memories.added[0].Type)
	assert.Equal(t, 0.0, env.memories.added[0].SuccessRate)

	assert.Equal(t, 0, got.TotalEvidence)
	assert.Equal(t, 1, got.FailedEvidence)
	assert.Equal(t, compliance.SessionCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestScanErrorSurfacesOnStep(t *testing.T) {
	source := &fakeSource{id: "google_drive", err: connectors.ErrSourceUnavailable}
	env := newTestEnv(t, []connectors.SourceConnector{source}, defaultStrategy("google_drive"))

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)

	require.NoError(t, env.exec.RunSession(ctx, session.ID))

	got, err := env.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, compliance.StepError, got.Steps[0].Status)
	assert.Contains(t, got.Steps[0].Message, "google_drive")
	assert.Contains(t, got.Steps[0].Message, "source system unavailable")

	// A source failure is not a learnable dead end.
	assert.Empty(t, env.memories.added)
}

func TestFirstMatchingSourceWins(t *testing.T) {
	path := writeEvidenceFile(t, t.TempDir(), "q3_access_review.txt")
	empty := &fakeSource{id: "sharepoint"}
	drive := &fakeSource{
		id: "google_drive",
		result: &connectors.ScanResult{
			Files: []connectors.FileInfo{{ID: "f1", Name: "q3_access_review.txt", Size: 160, Path: path}},
		},
	}
	extra := &fakeSource{id: "onedrive"}
	env := newTestEnv(t, []connectors.SourceConnector{empty, drive, extra},
		defaultStrategy("sharepoint", "google_drive", "onedrive"))

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)
	require.NoError(t, env.exec.RunSession(ctx, session.ID))

	assert.Equal(t, 1, empty.scans)
	assert.Equal(t, 1, drive.scans)
	assert.Equal(t, 0, extra.scans, "later sources must not be scanned after a match")

	items, err := env.evidence.ListBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "google_drive", items[0].SourceSystem)
}

func TestCancellationStopsBeforeNextStep(t *testing.T) {
	path := writeEvidenceFile(t, t.TempDir(), "q3_access_review.txt")
	source := &fakeSource{
		id: "google_drive",
		result: &connectors.ScanResult{
			Files: []connectors.FileInfo{{ID: "f1", Name: "q3_access_review.txt", Size: 160, Path: path}},
		},
	}
	env := newTestEnv(t, []connectors.SourceConnector{source}, defaultStrategy("google_drive"))

	ctx := context.Background()
	second := accessReviewCheck()
	second.ID = "chk-access-review-2"
	second.CheckName = "Annual Access Review"
	require.NoError(t, env.checks.Put(ctx, second))

	session, err := env.exec.StartSession(ctx, []string{"chk-access-review", "chk-access-review-2"}, "openai")
	require.NoError(t, err)

	// Cancel mid-first-step; the in-flight step must finish.
	source.onScan = func() { env.exec.RequestCancel(session.ID) }

	require.NoError(t, env.exec.RunSession(ctx, session.ID))

	got, err := env.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.SessionCancelled, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, compliance.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, compliance.StepPending, got.Steps[1].Status)
	assert.Equal(t, 1, source.scans)
}

func TestSecondInProgressStepRefused(t *testing.T) {
	env := newTestEnv(t, nil, defaultStrategy("google_drive"))

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)

	first := compliance.ProgressStep{ID: "step-1", Seq: 1, Title: "a", Status: compliance.StepInProgress}
	second := compliance.ProgressStep{ID: "step-2", Seq: 2, Title: "b", Status: compliance.StepPending}
	require.NoError(t, env.sessions.WriteProgressStep(ctx, session.ID, first))
	require.NoError(t, env.sessions.WriteProgressStep(ctx, session.ID, second))

	_, ok := env.exec.transitionStep(ctx, session.ID, "step-2", compliance.StepInProgress, "scanning sources")
	assert.False(t, ok)

	steps, err := env.sessions.ReadProgressSteps(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, compliance.StepPending, steps[1].Status)
}

func TestOperatorSkipRespected(t *testing.T) {
	source := &fakeSource{id: "google_drive"}
	env := newTestEnv(t, []connectors.SourceConnector{source}, defaultStrategy("google_drive"))

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)

	step := compliance.ProgressStep{ID: "step-1", Seq: 1, Title: "a", Status: compliance.StepSkipped}
	require.NoError(t, env.sessions.WriteProgressStep(ctx, session.ID, step))

	check := accessReviewCheck()
	strategy := defaultStrategy("google_drive")
	env.exec.executeStep(ctx, session, checkPlan{check: check, strategy: &strategy, stepID: "step-1"})

	steps, err := env.sessions.ReadProgressSteps(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, compliance.StepSkipped, steps[0].Status)
	assert.Equal(t, 0, source.scans)
}

func TestMemoryWriteFailureDoesNotFailStep(t *testing.T) {
	path := writeEvidenceFile(t, t.TempDir(), "q3_access_review.txt")
	source := &fakeSource{
		id: "google_drive",
		result: &connectors.ScanResult{
			Files: []connectors.FileInfo{{ID: "f1", Name: "q3_access_review.txt", Size: 160, Path: path}},
		},
	}
	env := newTestEnv(t, []connectors.SourceConnector{source}, defaultStrategy("google_drive"))
	env.memories.addErr = assert.AnError

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)
	require.NoError(t, env.exec.RunSession(ctx, session.ID))

	got, err := env.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, compliance.StepCompleted, got.Steps[0].Status)
	assert.Equal(t, 1, got.TotalEvidence)
}

func TestStartSessionValidatesChecks(t *testing.T) {
	env := newTestEnv(t, nil, defaultStrategy("google_drive"))

	ctx := context.Background()
	_, err := env.exec.StartSession(ctx, []string{"chk-missing"}, "openai")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.exec.StartSession(ctx, nil, "openai")
	require.Error(t, err)

	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)
	assert.Equal(t, compliance.SessionPending, session.Status)
}

func TestRunSessionRejectsTerminalSession(t *testing.T) {
	env := newTestEnv(t, nil, defaultStrategy("google_drive"))

	ctx := context.Background()
	session, err := env.exec.StartSession(ctx, []string{"chk-access-review"}, "openai")
	require.NoError(t, err)

	session.Status = compliance.SessionCancelled
	require.NoError(t, env.sessions.Update(ctx, session))

	err = env.exec.RunSession(ctx, session.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}
