package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evidenced/internal/compliance"
	"github.com/fyrsmithlabs/evidenced/internal/llm"
	"github.com/fyrsmithlabs/evidenced/internal/logging"
	"github.com/fyrsmithlabs/evidenced/internal/memory"
)

// Planning defaults. The fallback constants are the conservative strategy
// used whenever the model's output cannot be parsed.
const (
	planningTemperature = 0.3

	defaultConfidence       = 0.7
	defaultEstimatedSeconds = 300

	fallbackSource           = "google_drive"
	fallbackConfidence       = 0.5
	fallbackEstimatedSeconds = 600
)

// Generator is the slice of the model router the planner needs.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, cfg llm.GenerateConfig) (*llm.Response, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Planner builds collection strategies from check metadata and retrieved
// past-attempt memories.
type Planner struct {
	generator Generator
	memories  memory.Store
	logger    *logging.Logger
	tracer    trace.Tracer
}

// New creates a planner. The memory store may be nil, in which case
// planning proceeds without retrieved context.
func New(generator Generator, memories memory.Store, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Planner{
		generator: generator,
		memories:  memories,
		logger:    logger.Named("planner"),
		tracer:    otel.Tracer("evidenced/planner"),
	}
}

// Plan produces the collection strategy for one check. Memory retrieval
// is best effort; model failures and malformed output degrade to the
// conservative fallback strategy rather than erroring.
func (p *Planner) Plan(ctx context.Context, check *compliance.ComplianceCheck, provider string) *compliance.CollectionStrategy {
	ctx, span := p.tracer.Start(ctx, "planner.plan",
		trace.WithAttributes(attribute.String("check.id", check.ID)))
	defer span.End()

	matches := p.retrieveMemories(ctx, check)
	prompt := p.buildPrompt(check, matches)

	resp, err := p.generator.Generate(ctx, []llm.Message{
		{Role: "system", Content: planningSystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.GenerateConfig{
		Provider:    provider,
		Temperature: planningTemperature,
	})
	if err != nil {
		p.logger.Warn(ctx, "strategy generation failed, using fallback",
			zap.String("check_id", check.ID), zap.Error(err))
		span.SetAttributes(attribute.Bool("planner.fallback", true))
		return FallbackStrategy(check)
	}

	strategy, ok := parseStrategy(resp.Content, check)
	if !ok {
		p.logger.Warn(ctx, "malformed strategy output, using fallback",
			zap.String("check_id", check.ID),
			zap.String("provider", resp.Provider))
		span.SetAttributes(attribute.Bool("planner.fallback", true))
		return FallbackStrategy(check)
	}

	p.logger.Info(ctx, "strategy planned",
		zap.String("check_id", check.ID),
		zap.String("approach", string(strategy.Approach)),
		zap.Strings("sources", strategy.Sources),
		zap.Float64("confidence", strategy.ConfidenceScore),
		zap.String("provider", resp.Provider))
	return strategy
}

// retrieveMemories searches procedural and episodic memories scoped to
// the check type. Failures degrade to planning without memories.
func (p *Planner) retrieveMemories(ctx context.Context, check *compliance.ComplianceCheck) []memory.Match {
	if p.memories == nil {
		return nil
	}

	query := strings.TrimSpace(check.CheckType + " " + check.CheckName)
	embedding, err := p.generator.Embed(ctx, query)
	if err != nil {
		p.logger.Warn(ctx, "memory query embedding failed, planning without memories",
			zap.String("check_id", check.ID), zap.Error(err))
		return nil
	}

	matches, err := p.memories.Search(ctx, embedding, memory.Filters{
		Types:     []memory.Type{memory.TypeProcedural, memory.TypeEpisodic},
		CheckType: check.CheckType,
	}, 0, 0)
	if err != nil {
		p.logger.Warn(ctx, "memory search failed, planning without memories",
			zap.String("check_id", check.ID), zap.Error(err))
		return nil
	}
	return matches
}

const planningSystemPrompt = `You are an evidence-collection planner for compliance audits.

Given a compliance check and records of past collection attempts, produce a collection strategy.

Respond with a JSON object containing:
- "approach": one of "automated", "semi-automated", "manual"
- "sources": ordered array of source system ids to try (e.g. "google_drive", "onedrive")
- "file_patterns": array of shell-style filename patterns for candidate evidence
- "validation_rules": object of rules the collected evidence must satisfy (optional)
- "estimated_time": estimated seconds to complete collection
- "confidence_score": your confidence this strategy succeeds (0.0 to 1.0)

Respond ONLY with the JSON object, no additional text.`

// buildPrompt embeds the check's requirements and retrieved memories into
// the planning prompt.
func (p *Planner) buildPrompt(check *compliance.ComplianceCheck, matches []memory.Match) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Compliance check: %s\n", check.CheckName)
	fmt.Fprintf(&b, "Check type: %s\n", check.CheckType)
	if check.Area != "" {
		fmt.Fprintf(&b, "Area: %s\n", check.Area)
	}
	if check.Frequency != "" {
		fmt.Fprintf(&b, "Frequency: %s\n", check.Frequency)
	}

	if len(check.CollectionRequirements) > 0 {
		if data, err := json.Marshal(check.CollectionRequirements); err == nil {
			fmt.Fprintf(&b, "\nCollection requirements:\n%s\n", data)
		}
	}
	if len(check.ValidationRules) > 0 {
		if data, err := json.Marshal(check.ValidationRules); err == nil {
			fmt.Fprintf(&b, "\nValidation rules:\n%s\n", data)
		}
	}

	if len(matches) > 0 {
		b.WriteString("\nPast attempts for similar checks:\n")
		for _, match := range matches {
			fmt.Fprintf(&b, "- [%s, success rate %.2f] %s\n",
				match.Memory.Type, match.Memory.SuccessRate, match.Memory.Content)
		}
	}

	b.WriteString("\nProduce the collection strategy.")
	return b.String()
}

// strategyResponse is the JSON shape expected from the model.
type strategyResponse struct {
	Approach           string             `json:"approach"`
	Sources            []string           `json:"sources"`
	FilePatterns       []string           `json:"file_patterns"`
	ValidationRules    map[string]any     `json:"validation_rules"`
	EstimatedTime      int                `json:"estimated_time"`
	ConfidenceScore    float64            `json:"confidence_score"`
	FallbackStrategies []strategyResponse `json:"fallback_strategies"`
}

// parseStrategy decodes the model output into a validated strategy.
// Returns ok=false when the output cannot yield a usable strategy.
func parseStrategy(content string, check *compliance.ComplianceCheck) (*compliance.CollectionStrategy, bool) {
	// Models sometimes wrap JSON in markdown code fences.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var resp strategyResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, false
	}
	if len(resp.Sources) == 0 {
		return nil, false
	}

	strategy := responseToStrategy(resp, check)
	if err := strategy.Validate(); err != nil {
		return nil, false
	}
	return strategy, true
}

func responseToStrategy(resp strategyResponse, check *compliance.ComplianceCheck) *compliance.CollectionStrategy {
	approach := compliance.Approach(resp.Approach)
	if !approach.Valid() {
		approach = compliance.ApproachSemiAutomated
	}
	confidence := resp.ConfidenceScore
	if confidence <= 0 || confidence > 1 {
		confidence = defaultConfidence
	}
	estimated := resp.EstimatedTime
	if estimated <= 0 {
		estimated = defaultEstimatedSeconds
	}
	rules := resp.ValidationRules
	if rules == nil {
		rules = check.ValidationRules
	}

	strategy := &compliance.CollectionStrategy{
		CheckID:          check.ID,
		Approach:         approach,
		Sources:          resp.Sources,
		FilePatterns:     resp.FilePatterns,
		ValidationRules:  rules,
		EstimatedSeconds: estimated,
		ConfidenceScore:  confidence,
	}
	for _, fallback := range resp.FallbackStrategies {
		if len(fallback.Sources) == 0 {
			continue
		}
		strategy.FallbackStrategies = append(strategy.FallbackStrategies, *responseToStrategy(fallback, check))
	}
	return strategy
}

// FallbackStrategy is the conservative default used whenever planning
// cannot trust the model's output: manual collection from the primary
// drive with a pattern derived from the check name.
func FallbackStrategy(check *compliance.ComplianceCheck) *compliance.CollectionStrategy {
	return &compliance.CollectionStrategy{
		CheckID:          check.ID,
		Approach:         compliance.ApproachManual,
		Sources:          []string{fallbackSource},
		FilePatterns:     []string{"*" + underscored(check.CheckName) + "*"},
		ValidationRules:  check.ValidationRules,
		EstimatedSeconds: fallbackEstimatedSeconds,
		ConfidenceScore:  fallbackConfidence,
	}
}

func underscored(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}
