package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evidenced/internal/compliance"
	"github.com/fyrsmithlabs/evidenced/internal/llm"
	"github.com/fyrsmithlabs/evidenced/internal/logging"
	"github.com/fyrsmithlabs/evidenced/internal/store"
)

const (
	// Classification wants a deterministic label, answers want some room.
	classifyTemperature = 0.1
	answerTemperature   = 0.5
)

// Intent is the classified purpose of one user message.
type Intent string

const (
	IntentModifyStep      Intent = "modify_step"
	IntentExplainAction   Intent = "explain_action"
	IntentChangeApproach  Intent = "change_approach"
	IntentGeneralQuestion Intent = "general_question"
)

// Generator is the slice of the model router the controller needs.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, cfg llm.GenerateConfig) (*llm.Response, error)
}

// Turn is the outcome of one conversational exchange.
type Turn struct {
	Intent   Intent `json:"intent"`
	Response string `json:"response"`
}

// Controller handles conversation during an active session.
type Controller struct {
	generator Generator
	checks    store.CheckStore
	sessions  store.SessionStore
	logger    *logging.Logger
	tracer    trace.Tracer
}

// New creates a controller.
func New(generator Generator, checks store.CheckStore, sessions store.SessionStore, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		generator: generator,
		checks:    checks,
		sessions:  sessions,
		logger:    logger.Named("agent"),
		tracer:    otel.Tracer("evidenced/agent"),
	}
}

// HandleMessage processes one user message against a session. The user
// message is appended to the transcript before any model call so the
// transcript reflects arrival order even when classification fails.
func (c *Controller) HandleMessage(ctx context.Context, sessionID, text string) (*Turn, error) {
	ctx = logging.ContextWithSessionID(ctx, sessionID)
	ctx, span := c.tracer.Start(ctx, "agent.handle_message",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if err := c.appendMessage(ctx, sessionID, compliance.RoleUser, text); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	intent := c.classify(ctx, session, text)
	span.SetAttributes(attribute.String("agent.intent", string(intent)))

	var response string
	switch intent {
	case IntentModifyStep:
		response = c.handleModifyStep(text)
	case IntentExplainAction:
		response = c.handleExplainAction(ctx, session)
	case IntentChangeApproach:
		response = c.handleChangeApproach()
	default:
		response = c.handleGeneralQuestion(ctx, session, text)
	}

	if err := c.appendMessage(ctx, sessionID, compliance.RoleAssistant, response); err != nil {
		return nil, fmt.Errorf("recording response: %w", err)
	}

	c.logger.Info(ctx, "conversation turn handled",
		zap.String("intent", string(intent)))
	return &Turn{Intent: intent, Response: response}, nil
}

func (c *Controller) appendMessage(ctx context.Context, sessionID string, role compliance.ChatRole, content string) error {
	return c.sessions.AppendMessage(ctx, sessionID, compliance.ChatMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

const classifySystemPrompt = `You classify a user's message to an evidence-collection assistant.

Respond with exactly one of these labels and nothing else:
- modify_step: the user wants to change, skip, retry or reorder a collection step
- explain_action: the user asks what the assistant is doing right now or why
- change_approach: the user wants a different overall collection approach or strategy
- general_question: anything else`

// classify labels the user message. Any failure, including output that
// is not one of the known labels, degrades to general_question.
func (c *Controller) classify(ctx context.Context, session *compliance.EvidenceSession, text string) Intent {
	resp, err := c.generator.Generate(ctx, []llm.Message{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: text},
	}, llm.GenerateConfig{
		Provider:    session.Provider,
		Temperature: classifyTemperature,
	})
	if err != nil {
		c.logger.Warn(ctx, "intent classification failed, treating as general question", zap.Error(err))
		return IntentGeneralQuestion
	}
	return parseIntent(resp.Content)
}

func parseIntent(content string) Intent {
	label := strings.ToLower(strings.TrimSpace(content))
	for _, intent := range []Intent{IntentModifyStep, IntentExplainAction, IntentChangeApproach, IntentGeneralQuestion} {
		if strings.Contains(label, string(intent)) {
			return intent
		}
	}
	return IntentGeneralQuestion
}

// handleModifyStep acknowledges the request. Actual step mutation is the
// executor's job; this records intent and confirms in plain language.
func (c *Controller) handleModifyStep(text string) string {
	return fmt.Sprintf("Understood — I've recorded your request to adjust the collection steps: %q. "+
		"The change will be applied before the next step starts.", text)
}

// handleExplainAction references the current in-progress step, or states
// that nothing is running.
func (c *Controller) handleExplainAction(ctx context.Context, session *compliance.EvidenceSession) string {
	steps, err := c.sessions.ReadProgressSteps(ctx, session.ID)
	if err != nil {
		c.logger.Warn(ctx, "failed to read steps for explanation", zap.Error(err))
		return "I couldn't read the session's progress right now. Please try again in a moment."
	}

	for _, step := range steps {
		if step.Status == compliance.StepInProgress {
			explanation := fmt.Sprintf("I'm currently working on step %d: %s.", step.Seq, step.Title)
			if step.Description != "" {
				explanation += " " + step.Description + "."
			}
			if step.Message != "" {
				explanation += fmt.Sprintf(" Latest status: %s.", step.Message)
			}
			return explanation
		}
	}
	return "Nothing is currently running. All steps are either waiting to start or already finished."
}

func (c *Controller) handleChangeApproach() string {
	return "Happy to try a different approach. Which check should I re-plan, and what would you " +
		"like me to change — the sources, the file patterns, or the level of automation?"
}

const answerSystemPrompt = `You are an assistant helping with an evidence-collection session for compliance audits.
Answer the user's question concisely using the session context provided.`

// handleGeneralQuestion forwards the question with session context. A
// model failure degrades to an apology rather than failing the turn, so
// the transcript keeps its user/response pairing.
func (c *Controller) handleGeneralQuestion(ctx context.Context, session *compliance.EvidenceSession, text string) string {
	prompt := c.sessionContext(ctx, session) + "\n\nQuestion: " + text

	resp, err := c.generator.Generate(ctx, []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.GenerateConfig{
		Provider:    session.Provider,
		Temperature: answerTemperature,
	})
	if err != nil {
		c.logger.Warn(ctx, "answer generation failed", zap.Error(err))
		return "I couldn't reach the language model to answer that. Please try again in a moment."
	}
	return resp.Content
}

// sessionContext summarizes the session for the model: the checks being
// collected and the active provider. Check lookups are best effort.
func (c *Controller) sessionContext(ctx context.Context, session *compliance.EvidenceSession) string {
	var b strings.Builder
	b.WriteString("Session context:\n")
	fmt.Fprintf(&b, "- Status: %s\n", session.Status)
	fmt.Fprintf(&b, "- Model provider: %s\n", session.Provider)

	names := make([]string, 0, len(session.CheckIDs))
	for _, id := range session.CheckIDs {
		check, err := c.checks.Get(ctx, id)
		if err != nil {
			names = append(names, id)
			continue
		}
		names = append(names, check.CheckName)
	}
	fmt.Fprintf(&b, "- Checks: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "- Evidence collected: %d (%d valid, %d failed)",
		session.TotalEvidence, session.SuccessfulEvidence, session.FailedEvidence)
	return b.String()
}
