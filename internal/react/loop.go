package react

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/conductor/internal/common/logger"
)

var tracer = otel.Tracer("conductor/react")

// Planner invokes the planning model with a built prompt and returns its
// free-form text response.
type Planner func(ctx context.Context, prompt string) (string, error)

// Reviewer invokes the pre-act reviewer model with a built prompt and
// returns its free-form text response.
type Reviewer func(ctx context.Context, prompt string) (string, error)

// InstructionSource pulls pending runtime instructions for a scope key
// (agentId/workflowId/epicId), consumed exactly once per delivery.
type InstructionSource interface {
	Consume(key string) []string
}

// Config configures one Loop run.
type Config struct {
	MaxRounds         int
	MaxRejections     int
	OnStuck           int // repeats of the same rejection reason after its first occurrence
	OnConvergence     bool
	FormatFixRetries  int // repair attempts beyond the first parse try
	CompleteActions   []string
	FailActions       []string
	ReviewEnabled     bool
	InstructionKey    string
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 20
	}
	if c.MaxRejections <= 0 {
		c.MaxRejections = 5
	}
	if c.OnStuck <= 0 {
		c.OnStuck = 3
	}
	if len(c.CompleteActions) == 0 {
		c.CompleteActions = []string{ActionComplete}
	}
	if len(c.FailActions) == 0 {
		c.FailActions = []string{ActionFail}
	}
	return c
}

// Loop drives one ReACT execution to a terminal Result.
type Loop struct {
	planner     Planner
	reviewer    Reviewer
	registry    *ActionRegistry
	tools       []ToolSpec
	instructions InstructionSource
	cfg         Config
	log         *logger.Logger
}

// New constructs a Loop. reviewer may be nil when Config.ReviewEnabled is
// false; instructions may be nil to disable the runtime-instruction bus.
func New(planner Planner, reviewer Reviewer, registry *ActionRegistry, tools []ToolSpec, instructions InstructionSource, cfg Config, log *logger.Logger) *Loop {
	return &Loop{
		planner:      planner,
		reviewer:     reviewer,
		registry:     registry,
		tools:        tools,
		instructions: instructions,
		cfg:          cfg.withDefaults(),
		log:          log,
	}
}

func actionIn(action string, set []string) bool {
	for _, a := range set {
		if a == action {
			return true
		}
	}
	return false
}

// Run drives rounds until a stop condition fires.
func (l *Loop) Run(ctx context.Context, task string) *Result {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "react.loop", trace.WithAttributes(attribute.String("task", task)))
	defer span.End()

	var iterations []Iteration
	conv := &Convergence{}
	round := 0

	for {
		round++
		if result, done := l.runRound(ctx, task, round, &iterations, conv, start); done {
			return result
		}
	}
}

// runRound executes one plan/review/act/observe round under its own span,
// appending to iterations in place. The bool return reports whether Run
// should stop and return result.
func (l *Loop) runRound(ctx context.Context, task string, round int, iterations *[]Iteration, conv *Convergence, start time.Time) (*Result, bool) {
	roundCtx, roundSpan := tracer.Start(ctx, "react.round", trace.WithAttributes(attribute.Int("round", round)))
	defer roundSpan.End()

	prompt := l.buildPrompt(task, *iterations)

	proposal, formatErr := l.planWithRepair(roundCtx, prompt)
	if formatErr != nil {
		roundSpan.RecordError(formatErr)
		return l.finish(StopProposalError, *iterations, "", formatErr.Error(), round, start), true
	}

	if err := ValidateProposal(proposal, l.registry); err != nil {
		roundSpan.RecordError(err)
		return l.finish(StopProposalError, *iterations, "", err.Error(), round, start), true
	}

	approved := true
	riskLevel := RiskLow
	rejectionFeedback := ""
	if l.cfg.ReviewEnabled && l.reviewer != nil {
		verdict, err := l.review(roundCtx, task, round, proposal, *iterations)
		if err != nil {
			roundSpan.RecordError(err)
			return l.finish(StopProposalError, *iterations, "", err.Error(), round, start), true
		}
		approved = verdict.Approved
		riskLevel = verdict.RiskLevel
		rejectionFeedback = verdict.Feedback
		if riskLevel == RiskHigh {
			approved = false
			if rejectionFeedback == "" {
				rejectionFeedback = "force-rejected: high risk"
			}
		}
	}

	roundSpan.SetAttributes(attribute.Bool("approved", approved), attribute.String("action", proposal.Action))

	if !approved {
		conv.recordRejection(rejectionFeedback)
		*iterations = append(*iterations, Iteration{
			Round: round, Proposal: proposal, Approved: false, Executed: false,
			RejectionFeedback: rejectionFeedback,
		})
		if reason, ok := l.checkStopConditions(*iterations, conv); ok {
			return l.finish(reason, *iterations, "", "", round, start), true
		}
		return nil, false
	}

	result := l.registry.Execute(proposal.Action, proposal.Params)
	conv.recordApproved()
	conv.recordObservation(result.Observation)
	*iterations = append(*iterations, Iteration{
		Round: round, Proposal: proposal, Approved: true, Executed: true,
		Success: result.Success, Observation: result.Observation, Data: result.Data,
	})

	if actionIn(proposal.Action, l.cfg.CompleteActions) {
		return l.finish(StopComplete, *iterations, result.Observation, "", round, start), true
	}
	if actionIn(proposal.Action, l.cfg.FailActions) {
		return l.finish(StopFail, *iterations, result.Observation, result.Observation, round, start), true
	}
	if reason, ok := l.checkStopConditions(*iterations, conv); ok {
		return l.finish(reason, *iterations, result.Observation, "", round, start), true
	}
	return nil, false
}

// planWithRepair invokes the planner and, on parse failure, re-prompts
// with a repair instruction up to FormatFixRetries additional attempts.
func (l *Loop) planWithRepair(ctx context.Context, prompt string) (*Proposal, error) {
	raw, err := l.planner(ctx, prompt)
	if err != nil {
		return nil, err
	}
	proposal, parseErr := ParseProposal(raw)
	if parseErr == nil {
		return proposal, nil
	}

	attempts := l.cfg.FormatFixRetries
	if attempts <= 0 {
		attempts = 1
	}
	lastErr := parseErr
	for i := 0; i < attempts; i++ {
		repairPrompt := fmt.Sprintf(
			"Your previous response could not be parsed as JSON: %s\nPrevious output (truncated): %s\nRespond with a single JSON object only.",
			lastErr.Error(), truncate(raw, 300))
		raw, err = l.planner(ctx, repairPrompt)
		if err != nil {
			return nil, err
		}
		proposal, parseErr = ParseProposal(raw)
		if parseErr == nil {
			return proposal, nil
		}
		lastErr = parseErr
	}
	return nil, lastErr
}

func (l *Loop) review(ctx context.Context, task string, round int, proposal *Proposal, iterations []Iteration) (*ReviewVerdict, error) {
	prompt := l.buildReviewPrompt(task, round, proposal, iterations)
	raw, err := l.reviewer(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return ParseReviewVerdict(raw)
}

// checkStopConditions evaluates the stop conditions in spec §4.3 order;
// first match wins.
func (l *Loop) checkStopConditions(iterations []Iteration, conv *Convergence) (StopReason, bool) {
	if len(iterations) >= l.cfg.MaxRounds {
		return StopMaxRounds, true
	}
	if conv.RejectionStreak >= l.cfg.MaxRejections {
		return StopMaxRejections, true
	}
	if conv.StuckCount >= l.cfg.OnStuck {
		return StopStuck, true
	}
	if l.cfg.OnConvergence && conv.noProgress() {
		return StopNoProgress, true
	}
	return "", false
}

func (l *Loop) finish(reason StopReason, iterations []Iteration, finalObs, finalErr string, totalRounds int, start time.Time) *Result {
	success := reason == StopComplete
	// max_rounds with a succeeding last iteration is a protection-stop, not a failure.
	if reason == StopMaxRounds && len(iterations) > 0 && iterations[len(iterations)-1].Success {
		success = true
	}
	return &Result{
		Success:          success,
		Reason:           reason,
		ShouldEscalate:   reason.ShouldEscalate(),
		Iterations:       iterations,
		FinalObservation: finalObs,
		FinalError:       finalErr,
		TotalRounds:      totalRounds,
		Duration:         time.Since(start),
	}
}

func (l *Loop) buildPrompt(task string, iterations []Iteration) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task)
	b.WriteString("\n\n")

	start := 0
	if len(iterations) > 5 {
		start = len(iterations) - 5
	}
	if start < len(iterations) {
		b.WriteString("Recent rounds:\n")
		for _, it := range iterations[start:] {
			b.WriteString(summarizeIteration(it))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Available tools:\n")
	for _, t := range l.tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	if l.instructions != nil && l.cfg.InstructionKey != "" {
		if pending := l.instructions.Consume(l.cfg.InstructionKey); len(pending) > 0 {
			b.WriteString("\nPending user instructions:\n")
			for _, instr := range pending {
				b.WriteString("- ")
				b.WriteString(instr)
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\nRespond with a single JSON object: {\"thought\":...,\"action\":...,\"params\":{...}}")
	return b.String()
}

func summarizeIteration(it Iteration) string {
	action := "unknown"
	if it.Proposal != nil {
		action = it.Proposal.Action
	}
	approval := "approved"
	if !it.Approved {
		approval = "rejected: " + it.RejectionFeedback
	}
	outcome := "success"
	if !it.Success {
		outcome = "error: " + it.Observation
	} else if it.Executed {
		outcome = "success: " + it.Observation
	} else {
		outcome = "n/a"
	}
	return fmt.Sprintf("Round %d: %s (%s) (%s)", it.Round, action, approval, outcome)
}

func (l *Loop) buildReviewPrompt(task string, round int, proposal *Proposal, iterations []Iteration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nRound: %d\nProposed action: %s\nParams: %v\n\n", task, round, proposal.Action, proposal.Params)
	b.WriteString("Tools:\n")
	for _, t := range l.tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	start := 0
	if len(iterations) > 3 {
		start = len(iterations) - 3
	}
	if start < len(iterations) {
		b.WriteString("\nRecent rounds:\n")
		for _, it := range iterations[start:] {
			b.WriteString(summarizeIteration(it))
			b.WriteString("\n")
		}
	}
	b.WriteString("\nRespond with {\"approved\":bool,\"riskLevel\":\"low|medium|high\",\"feedback\":string,\"requiredFixes\":[string]}")
	return b.String()
}
