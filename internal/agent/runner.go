// Package agent implements the tool-using answer loop over the retrieval
// engine, with step and stall limits so a run always terminates.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/llm"
	"github.com/ruoliu2/partassist/internal/metrics"
)

const systemPrompt = `You are an appliance parts support assistant for dishwashers and refrigerators.
Answer only from tool results and the provided context. When you reference a source,
use only URLs that appear in tool results. If the tools cannot establish an answer,
say so plainly instead of guessing. Keep answers short and concrete.`

const finalizeInstruction = `Produce your final answer now from the evidence gathered so far. Do not request more tools.`

// Config bounds a run.
type Config struct {
	StepLimit      int
	StallThreshold int
	StepTimeout    time.Duration
	RunBudget      time.Duration
}

// Outcome labels how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStepLimit Outcome = "step_limit"
	OutcomeStalled   Outcome = "stalled"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeBudget    Outcome = "budget_exhausted"
)

// Answer is the result of one agent run.
type Answer struct {
	RunID     string             `json:"run_id"`
	Text      string             `json:"text"`
	Citations []catalog.Citation `json:"citations"`
	Intent    Intent             `json:"intent"`
	Outcome   Outcome            `json:"outcome"`
}

// Runner drives the chat loop.
type Runner struct {
	chat   llm.ChatClient
	engine Engine
	live   LiveCrawler
	traces catalog.TraceStore
	clock  catalog.Clock
	ids    catalog.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// NewRunner constructs a Runner. live may be nil, in which case the
// crawl_live tool reports itself unavailable instead of executing.
func NewRunner(
	chat llm.ChatClient,
	engine Engine,
	live LiveCrawler,
	traces catalog.TraceStore,
	clock catalog.Clock,
	ids catalog.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = 6
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 2
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 90 * time.Second
	}
	return &Runner{
		chat:   chat,
		engine: engine,
		live:   live,
		traces: traces,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logger,
	}
}

// RunSync answers a query without streaming.
func (r *Runner) RunSync(ctx context.Context, query string) (Answer, error) {
	return r.Run(ctx, query, nil)
}

// Run answers a query, forwarding text deltas to onDelta as they arrive.
// The run ends when the model produces a final answer or when the step
// limit, stall threshold, or time budget cuts it off.
func (r *Runner) Run(ctx context.Context, query string, onDelta func(string)) (Answer, error) {
	runID, err := r.ids.NewID()
	if err != nil {
		return Answer{}, fmt.Errorf("new run id: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunBudget)
	defer cancel()

	run := &runState{
		runner:  r,
		runID:   runID,
		query:   query,
		intent:  InferIntent(query),
		onDelta: onDelta,
		results: map[string]string{},
	}
	answer := run.execute(ctx)
	metrics.ObserveAgentRun(string(answer.Outcome))
	return answer, nil
}

// SummarizeTitle produces a short conversation title for a query, falling
// back to truncation when the model call fails.
func (r *Runner) SummarizeTitle(ctx context.Context, query string) string {
	completion, err := r.chat.Complete(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Write a title of at most six words for this support question. Reply with the title only."},
			{Role: llm.RoleUser, Content: query},
		},
	})
	if err != nil || strings.TrimSpace(completion.Content) == "" {
		r.logger.Debug("title summarization failed, truncating", zap.Error(err))
		return truncateTitle(query)
	}
	return truncateTitle(strings.Trim(strings.TrimSpace(completion.Content), `"`))
}

func truncateTitle(s string) string {
	s = strings.TrimSpace(s)
	const max = 60
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 20 {
		cut = cut[:i]
	}
	return cut + "…"
}

// runState carries the mutable loop state for one run.
type runState struct {
	runner   *Runner
	runID    string
	query    string
	intent   Intent
	onDelta  func(string)
	turn     int
	evidence []catalog.Citation
	results  map[string]string
	observed []string
	lastSig  string
	repeats  int
	noNew    int
}

func (s *runState) execute(ctx context.Context) Answer {
	r := s.runner

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
	}
	if primed := s.prime(ctx); primed != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: primed})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: s.query})

	forced := Outcome("")
	for step := 0; step < r.cfg.StepLimit; step++ {
		if ctx.Err() != nil {
			return s.interrupted(ctx)
		}

		finalTurn := forced != "" || step == r.cfg.StepLimit-1
		req := llm.ChatRequest{Messages: messages}
		if finalTurn {
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: finalizeInstruction})
		} else {
			req.Tools = toolSpecs()
		}

		stepCtx, cancelStep := context.WithTimeout(ctx, r.cfg.StepTimeout)
		completion, err := r.chat.Stream(stepCtx, req, s.onDelta)
		cancelStep()
		if err != nil {
			if ctx.Err() != nil {
				return s.interrupted(ctx)
			}
			r.logger.Error("model call failed", zap.String("run_id", s.runID), zap.Error(err))
			return s.finalize("I hit an internal error while answering. Please try again.", OutcomeCompleted)
		}

		if len(completion.ToolCalls) == 0 {
			text := strings.TrimSpace(completion.Content)
			if text == "" {
				break
			}
			outcome := OutcomeCompleted
			if forced != "" {
				outcome = forced
			}
			s.trace(ctx, catalog.TraceModelDelta, text)
			return s.finalize(text, outcome)
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: completion.Content, ToolCalls: completion.ToolCalls}
		messages = append(messages, assistant)
		for _, call := range completion.ToolCalls {
			result := s.runTool(ctx, call)
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: result})
		}
		if s.repeats >= r.cfg.StallThreshold || s.noNew >= r.cfg.StallThreshold {
			r.logger.Warn("agent stalled on unproductive tool calls",
				zap.String("run_id", s.runID),
				zap.String("signature", s.lastSig),
			)
			forced = OutcomeStalled
		}
	}

	if ctx.Err() != nil {
		return s.interrupted(ctx)
	}
	// The loop ran out without a usable final turn.
	text := "I could not settle on a grounded answer within this run. The sources gathered so far are listed below."
	if len(s.evidence) == 0 {
		text = "I could not find grounded information to answer this. Try including your model number and the part number."
	}
	if s.onDelta != nil {
		s.onDelta(text)
	}
	outcome := OutcomeStepLimit
	if forced != "" {
		outcome = forced
	}
	return s.finalize(text, outcome)
}

// prime runs the retrieval ladder once up front so cheap answers skip the
// tool loop entirely on the model's first turn.
func (s *runState) prime(ctx context.Context) string {
	res, err := s.runner.engine.Retrieve(ctx, s.query)
	if err != nil {
		s.runner.logger.Warn("retrieval priming failed", zap.String("run_id", s.runID), zap.Error(err))
		return ""
	}
	if res.Source == catalog.SourceNone || len(res.ContextChunks) == 0 {
		return ""
	}
	s.evidence = append(s.evidence, res.Citations...)

	var b strings.Builder
	b.WriteString("Context retrieved for this question (intent: ")
	b.WriteString(string(s.intent))
	b.WriteString("):\n")
	for _, chunk := range res.ContextChunks {
		b.WriteString("- ")
		b.WriteString(chunk)
		b.WriteString("\n")
	}
	b.WriteString("Sources:\n")
	for _, c := range res.Citations {
		b.WriteString("- ")
		b.WriteString(c.URL)
		b.WriteString("\n")
	}
	s.observed = append(s.observed, b.String())
	return b.String()
}

// runTool executes one call, reusing the previous result when the model
// repeats itself so a stalled loop stops burning retrieval work.
func (s *runState) runTool(ctx context.Context, call llm.ToolCall) string {
	sig := call.Name + "(" + call.Arguments + ")"
	s.trace(ctx, catalog.TraceToolCall, sig)
	metrics.ObserveAgentStep(call.Name)

	if sig == s.lastSig {
		s.repeats++
		if cached, ok := s.results[sig]; ok {
			s.noNew++
			return cached
		}
	} else {
		s.lastSig = sig
		s.repeats = 1
	}

	payload, cites, err := s.runner.execTool(ctx, call)
	if err != nil {
		s.runner.logger.Warn("tool call failed",
			zap.String("run_id", s.runID),
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		payload = fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	if s.informative(sig, payload) {
		s.noNew = 0
	} else {
		s.noNew++
	}
	s.evidence = append(s.evidence, cites...)
	s.observed = append(s.observed, payload)
	s.results[sig] = payload
	s.trace(ctx, catalog.TraceToolResult, payload)
	return payload
}

// informative reports whether a tool result carries anything the model has
// not already seen this run. Empty results and byte-identical repeats of an
// earlier result count as no new information.
func (s *runState) informative(sig, payload string) bool {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" || trimmed == "{}" || trimmed == "[]" || trimmed == "null" {
		return false
	}
	for prev, val := range s.results {
		if prev != sig && val == payload {
			return false
		}
	}
	return true
}

func (s *runState) finalize(text string, outcome Outcome) Answer {
	citations := filterCitations(s.evidence)
	answer := Answer{
		RunID:     s.runID,
		Text:      scrubAnswer(text, citations, append(s.observed, s.query)),
		Citations: citations,
		Intent:    s.intent,
		Outcome:   outcome,
	}
	s.trace(context.WithoutCancel(context.Background()), catalog.TraceFinal, answer.Text)
	return answer
}

func (s *runState) interrupted(ctx context.Context) Answer {
	outcome := OutcomeCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome = OutcomeBudget
	}
	s.trace(context.WithoutCancel(ctx), catalog.TraceCancelled, string(outcome))
	return Answer{
		RunID:     s.runID,
		Text:      "",
		Citations: filterCitations(s.evidence),
		Intent:    s.intent,
		Outcome:   outcome,
	}
}

func (s *runState) trace(ctx context.Context, kind catalog.TraceKind, payload string) {
	entry := catalog.TraceEntry{
		RunID:     s.runID,
		TurnIndex: s.turn,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: s.runner.clock.Now(),
	}
	s.turn++
	if err := s.runner.traces.Append(ctx, entry); err != nil {
		s.runner.logger.Error("trace append failed", zap.String("run_id", s.runID), zap.Error(err))
	}
}
