package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/evidenced/internal/compliance"
	"github.com/fyrsmithlabs/evidenced/internal/llm"
	"github.com/fyrsmithlabs/evidenced/internal/store"
)

type generateCall struct {
	messages []llm.Message
	cfg      llm.GenerateConfig
}

// fakeGenerator returns scripted responses in call order.
type fakeGenerator struct {
	responses []string
	err       error
	calls     []generateCall
}

func (g *fakeGenerator) Generate(_ context.Context, messages []llm.Message, cfg llm.GenerateConfig) (*llm.Response, error) {
	g.calls = append(g.calls, generateCall{messages: messages, cfg: cfg})
	if g.err != nil {
		return nil, g.err
	}
	content := ""
	if len(g.responses) > 0 {
		content = g.responses[0]
		g.responses = g.responses[1:]
	}
	return &llm.Response{Content: content, Provider: cfg.Provider}, nil
}

type testEnv struct {
	controller *Controller
	generator  *fakeGenerator
	sessions   *store.MemorySessionStore
	session    *compliance.EvidenceSession
}

func newTestEnv(t *testing.T, responses ...string) *testEnv {
	t.Helper()

	checks := store.NewMemoryCheckStore()
	require.NoError(t, checks.Put(context.Background(), &compliance.ComplianceCheck{
		ID:        "chk-access-review",
		CheckType: "Access Review",
		CheckName: "Quarterly Access Review",
	}))

	sessions := store.NewMemorySessionStore()
	session := compliance.NewSession([]string{"chk-access-review"}, "openai")
	session.Status = compliance.SessionCollecting
	require.NoError(t, sessions.Create(context.Background(), session))

	generator := &fakeGenerator{responses: responses}
	return &testEnv{
		controller: New(generator, checks, sessions, nil),
		generator:  generator,
		sessions:   sessions,
		session:    session,
	}
}

func TestParseIntent(t *testing.T) {
	assert.Equal(t, IntentModifyStep, parseIntent("modify_step"))
	assert.Equal(t, IntentExplainAction, parseIntent("  Explain_Action\n"))
	assert.Equal(t, IntentChangeApproach, parseIntent("the label is change_approach"))
	assert.Equal(t, IntentGeneralQuestion, parseIntent("general_question"))
	assert.Equal(t, IntentGeneralQuestion, parseIntent("I am not sure"))
	assert.Equal(t, IntentGeneralQuestion, parseIntent(""))
}

func TestModifyStepAcknowledged(t *testing.T) {
	env := newTestEnv(t, "modify_step")

	turn, err := env.controller.HandleMessage(context.Background(), env.session.ID, "skip the OneDrive scan")
	require.NoError(t, err)
	assert.Equal(t, IntentModifyStep, turn.Intent)
	assert.Contains(t, turn.Response, "skip the OneDrive scan")

	// Only the classification call hits the model.
	require.Len(t, env.generator.calls, 1)
	assert.InDelta(t, 0.1, env.generator.calls[0].cfg.Temperature, 1e-9)
	assert.Equal(t, "openai", env.generator.calls[0].cfg.Provider)
}

func TestExplainActionReferencesRunningStep(t *testing.T) {
	env := newTestEnv(t, "explain_action")
	require.NoError(t, env.sessions.WriteProgressStep(context.Background(), env.session.ID, compliance.ProgressStep{
		ID:      "step-1",
		Seq:     1,
		Title:   "Collect evidence: Quarterly Access Review",
		Status:  compliance.StepInProgress,
		Message: "scanning sources",
	}))

	turn, err := env.controller.HandleMessage(context.Background(), env.session.ID, "what are you doing?")
	require.NoError(t, err)
	assert.Equal(t, IntentExplainAction, turn.Intent)
	assert.Contains(t, turn.Response, "step 1")
	assert.Contains(t, turn.Response, "Collect evidence: Quarterly Access Review")
	assert.Contains(t, turn.Response, "scanning sources")
	require.Len(t, env.generator.calls, 1)
}

func TestExplainActionWithNothingRunning(t *testing.T) {
	env := newTestEnv(t, "explain_action")

	turn, err := env.controller.HandleMessage(context.Background(), env.session.ID, "what are you doing?")
	require.NoError(t, err)
	assert.Contains(t, turn.Response, "Nothing is currently running")
}

func TestChangeApproachAsksForSpecifics(t *testing.T) {
	env := newTestEnv(t, "change_approach")

	turn, err := env.controller.HandleMessage(context.Background(), env.session.ID, "try something else")
	require.NoError(t, err)
	assert.Equal(t, IntentChangeApproach, turn.Intent)
	assert.Contains(t, turn.Response, "Which check")
}

func TestGeneralQuestionForwardsSessionContext(t *testing.T) {
	env := newTestEnv(t, "general_question", "Evidence is validated against the check's rule set.")

	turn, err := env.controller.HandleMessage(context.Background(), env.session.ID, "how is evidence validated?")
	require.NoError(t, err)
	assert.Equal(t, IntentGeneralQuestion, turn.Intent)
	assert.Equal(t, "Evidence is validated against the check's rule set.", turn.Response)

	require.Len(t, env.generator.calls, 2)
	answer := env.generator.calls[1]
	assert.InDelta(t, 0.5, answer.cfg.Temperature, 1e-9)
	assert.Equal(t, "openai", answer.cfg.Provider)
	require.Len(t, answer.messages, 2)
	assert.Contains(t, answer.messages[1].Content, "Quarterly Access Review")
	assert.Contains(t, answer.messages[1].Content, "openai")
	assert.Contains(t, answer.messages[1].Content, "how is evidence validated?")
}

func TestClassificationFailureDegradesToGeneralQuestion(t *testing.T) {
	env := newTestEnv(t)
	env.generator.err = assert.AnError

	turn, err := env.controller.HandleMessage(context.Background(), env.session.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, IntentGeneralQuestion, turn.Intent)
	// The answer call also failed; the turn still completes.
	assert.Contains(t, turn.Response, "couldn't reach")
}

func TestUnknownLabelDegradesToGeneralQuestion(t *testing.T) {
	env := newTestEnv(t, "banana", "Here is an answer.")

	turn, err := env.controller.HandleMessage(context.Background(), env.session.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, IntentGeneralQuestion, turn.Intent)
	assert.Equal(t, "Here is an answer.", turn.Response)
}

func TestTranscriptArrivalOrder(t *testing.T) {
	env := newTestEnv(t, "modify_step", "change_approach")

	ctx := context.Background()
	_, err := env.controller.HandleMessage(ctx, env.session.ID, "first message")
	require.NoError(t, err)
	_, err = env.controller.HandleMessage(ctx, env.session.ID, "second message")
	require.NoError(t, err)

	got, err := env.sessions.Get(ctx, env.session.ID)
	require.NoError(t, err)
	require.Len(t, got.Transcript, 4)
	assert.Equal(t, compliance.RoleUser, got.Transcript[0].Role)
	assert.Equal(t, "first message", got.Transcript[0].Content)
	assert.Equal(t, compliance.RoleAssistant, got.Transcript[1].Role)
	assert.Equal(t, compliance.RoleUser, got.Transcript[2].Role)
	assert.Equal(t, "second message", got.Transcript[2].Content)
	assert.Equal(t, compliance.RoleAssistant, got.Transcript[3].Role)
}

func TestHandleMessageUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.controller.HandleMessage(context.Background(), "nope", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
