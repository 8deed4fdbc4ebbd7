package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/evidenced/internal/agent"
	"github.com/fyrsmithlabs/evidenced/internal/compliance"
	"github.com/fyrsmithlabs/evidenced/internal/connectors"
	"github.com/fyrsmithlabs/evidenced/internal/llm"
	"github.com/fyrsmithlabs/evidenced/internal/store"
)

type fakeRegistry struct {
	infos  []llm.ProviderInfo
	def    string
	defErr error
}

func (r *fakeRegistry) ListAvailable() []llm.ProviderInfo { return r.infos }

func (r *fakeRegistry) SelectDefault() (string, error) {
	if r.defErr != nil {
		return "", r.defErr
	}
	return r.def, nil
}

type fakeRunner struct {
	sessions  *store.MemorySessionStore
	startErr  error
	started   []string
	cancelled []string
}

func (r *fakeRunner) StartSession(ctx context.Context, checkIDs []string, provider string) (*compliance.EvidenceSession, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	session := compliance.NewSession(checkIDs, provider)
	if err := r.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	r.started = append(r.started, session.ID)
	return session, nil
}

func (r *fakeRunner) RunSession(context.Context, string) error { return nil }

func (r *fakeRunner) RequestCancel(sessionID string) {
	r.cancelled = append(r.cancelled, sessionID)
}

type fakeChat struct {
	turn *agent.Turn
	err  error
}

func (c *fakeChat) HandleMessage(context.Context, string, string) (*agent.Turn, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.turn, nil
}

type approvalUpdate struct {
	handle   string
	decision string
	notes    string
}

type fakeApprovals struct {
	updates []approvalUpdate
	err     error
}

func (a *fakeApprovals) PostRequest(context.Context, connectors.ApprovalRequest) (string, error) {
	return "C123:1725.0001", nil
}

func (a *fakeApprovals) UpdateRequest(_ context.Context, handle, decision, notes string) error {
	if a.err != nil {
		return a.err
	}
	a.updates = append(a.updates, approvalUpdate{handle: handle, decision: decision, notes: notes})
	return nil
}

type fakeTicketing struct {
	submissions []connectors.EvidenceSubmission
	err         error
}

func (t *fakeTicketing) SubmitEvidence(_ context.Context, sub connectors.EvidenceSubmission) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	t.submissions = append(t.submissions, sub)
	return "sub-42", nil
}

type testEnv struct {
	server    *Server
	registry  *fakeRegistry
	runner    *fakeRunner
	chat      *fakeChat
	checks    *store.MemoryCheckStore
	sessions  *store.MemorySessionStore
	evidence  *store.MemoryEvidenceStore
	approvals *fakeApprovals
	ticketing *fakeTicketing
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sessions := store.NewMemorySessionStore()
	env := &testEnv{
		registry: &fakeRegistry{
			infos: []llm.ProviderInfo{{ID: "openai", Name: "OpenAI", Capabilities: []llm.Capability{llm.CapChat}}},
			def:   "openai",
		},
		runner:    &fakeRunner{sessions: sessions},
		chat:      &fakeChat{turn: &agent.Turn{Intent: agent.IntentGeneralQuestion, Response: "hello"}},
		checks:    store.NewMemoryCheckStore(),
		sessions:  sessions,
		evidence:  store.NewMemoryEvidenceStore(),
		approvals: &fakeApprovals{},
		ticketing: &fakeTicketing{},
	}

	require.NoError(t, env.checks.Put(context.Background(), &compliance.ComplianceCheck{
		ID:        "chk-access-review",
		CheckName: "Quarterly Access Review",
		CheckType: "Access Review",
	}))

	srv, err := New(Options{
		Registry:     env.registry,
		Runner:       env.runner,
		Conversation: env.chat,
		Checks:       env.checks,
		Sessions:     env.sessions,
		Evidence:     env.evidence,
		Approvals:    env.approvals,
		Ticketing:    env.ticketing,
	})
	require.NoError(t, err)
	env.server = srv
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListProviders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ProvidersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, "openai", resp.Providers[0].ID)
	assert.Equal(t, "openai", resp.Default)
}

func TestImportAndListChecks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/checks",
		`{"id":"chk-2","check_name":"Firewall Review","check_type":"Network"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/checks", `{"check_name":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/checks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var checks []compliance.ComplianceCheck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checks))
	assert.Len(t, checks, 2)
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", `{"check_ids":["chk-access-review"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var session compliance.EvidenceSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.NotEmpty(t, session.ID)
	// No provider in the request: the registry default is used.
	assert.Equal(t, "openai", session.Provider)
	assert.Len(t, env.runner.started, 1)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.runner.startErr = fmt.Errorf("resolving check chk-x: %w", store.ErrNotFound)
	rec = env.do(t, http.MethodPost, "/api/v1/sessions", `{"check_ids":["chk-x"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.runner.startErr = nil
	env.registry.defErr = llm.ErrNoProviderAvailable
	rec = env.do(t, http.MethodPost, "/api/v1/sessions", `{"check_ids":["chk-access-review"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetSessionAndSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session := compliance.NewSession([]string{"chk-access-review"}, "openai")
	require.NoError(t, env.sessions.Create(ctx, session))
	require.NoError(t, env.sessions.WriteProgressStep(ctx, session.ID, compliance.ProgressStep{
		ID: "step-1", Seq: 1, Title: "Collect evidence", Status: compliance.StepPending,
	}))

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got compliance.EvidenceSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, session.ID, got.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID+"/steps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var steps []compliance.ProgressStep
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, "step-1", steps[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session := compliance.NewSession([]string{"chk-access-review"}, "openai")
	require.NoError(t, env.sessions.Create(ctx, session))

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{session.ID}, env.runner.cancelled)

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/s1/chat", `{"message":"what is happening?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var turn agent.Turn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &turn))
	assert.Equal(t, agent.IntentGeneralQuestion, turn.Intent)
	assert.Equal(t, "hello", turn.Response)

	rec = env.do(t, http.MethodPost, "/api/v1/sessions/s1/chat", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.chat.err = fmt.Errorf("loading session: %w", store.ErrNotFound)
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/nope/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func addEvidence(t *testing.T, env *testEnv, sessionID string) *compliance.EvidenceItem {
	t.Helper()
	item := &compliance.EvidenceItem{
		ID:             "ev-1",
		SessionID:      sessionID,
		CheckID:        "chk-access-review",
		SourceSystem:   "google_drive",
		SourcePath:     "folder-1/q3_access_review.pdf",
		File:           compliance.FileDescriptor{Name: "q3_access_review.pdf", Size: 2048},
		ApprovalHandle: "C123:1725.0001",
		ReviewStatus:   compliance.ReviewPending,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, env.evidence.Add(context.Background(), item))
	return item
}

func TestReviewEvidenceApprovalSubmitsTicket(t *testing.T) {
	env := newTestEnv(t)
	addEvidence(t, env, "s1")

	rec := env.do(t, http.MethodPost, "/api/v1/evidence/ev-1/review",
		`{"status":"approved","reviewer":"casey","notes":"looks right"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var item compliance.EvidenceItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, compliance.ReviewApproved, item.ReviewStatus)
	assert.Equal(t, "casey", item.ReviewedBy)
	assert.Equal(t, "sub-42", item.SubmissionID)

	require.Len(t, env.ticketing.submissions, 1)
	assert.Equal(t, "chk-access-review", env.ticketing.submissions[0].CheckID)

	// The approval-channel message is annotated with the decision.
	require.Len(t, env.approvals.updates, 1)
	assert.Equal(t, "C123:1725.0001", env.approvals.updates[0].handle)
	assert.Equal(t, "approved", env.approvals.updates[0].decision)
	assert.Equal(t, "looks right", env.approvals.updates[0].notes)

	// A second decision on a decided item is rejected.
	rec = env.do(t, http.MethodPost, "/api/v1/evidence/ev-1/review", `{"status":"rejected","reviewer":"casey"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReviewEvidenceSubmissionFailureStillRecordsReview(t *testing.T) {
	env := newTestEnv(t)
	env.ticketing.err = assert.AnError
	env.approvals.err = assert.AnError
	addEvidence(t, env, "s1")

	rec := env.do(t, http.MethodPost, "/api/v1/evidence/ev-1/review", `{"status":"approved","reviewer":"casey"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var item compliance.EvidenceItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, compliance.ReviewApproved, item.ReviewStatus)
	assert.Empty(t, item.SubmissionID)
}

func TestResubmitEvidence(t *testing.T) {
	env := newTestEnv(t)
	addEvidence(t, env, "s1")

	rec := env.do(t, http.MethodPost, "/api/v1/evidence/ev-1/review", `{"status":"requires_changes","reviewer":"casey"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/evidence/ev-1/resubmit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var item compliance.EvidenceItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, compliance.ReviewPending, item.ReviewStatus)
	assert.Empty(t, item.ReviewedBy)

	// Resubmission is only legal from requires_changes.
	rec = env.do(t, http.MethodPost, "/api/v1/evidence/ev-1/resubmit", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListEvidenceBySession(t *testing.T) {
	env := newTestEnv(t)
	addEvidence(t, env, "s1")

	rec := env.do(t, http.MethodGet, "/api/v1/sessions/s1/evidence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []compliance.EvidenceItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "ev-1", items[0].ID)
}
