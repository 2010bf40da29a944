// Package react drives a planning model through iterative action
// selection under pre-act review (spec §4.3) — plan, validate, review,
// act, observe, repeat until a stop condition fires.
package react

import "time"

// ToolSpec is one entry of the tool catalog rendered into the planner
// prompt: name, description, and a JSON-schema-shaped params description.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

// Proposal is the planner's single JSON action proposal for a round.
type Proposal struct {
	Thought         string         `json:"thought"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params"`
	ExpectedOutcome string         `json:"expectedOutcome,omitempty"`
	Risk            string         `json:"risk,omitempty"`
}

// RiskLevel is the reviewer's assessed risk for a proposal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ReviewVerdict is the pre-act reviewer's judgement on a Proposal.
type ReviewVerdict struct {
	Approved      bool      `json:"approved"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	Feedback      string    `json:"feedback"`
	RequiredFixes []string  `json:"requiredFixes,omitempty"`
}

// ExecResult is an action handler's outcome.
type ExecResult struct {
	Success     bool
	Observation string
	Data        any
}

// Iteration records one round's outcome, executed or not.
type Iteration struct {
	Round             int
	Proposal          *Proposal
	Approved          bool
	Executed          bool
	Success           bool
	Observation       string
	Data              any
	RejectionFeedback string
	FormatError       bool
}

// StopReason explains why the loop ended.
type StopReason string

const (
	StopComplete      StopReason = "complete"
	StopFail          StopReason = "fail"
	StopMaxRounds     StopReason = "max_rounds"
	StopMaxRejections StopReason = "max_rejections"
	StopStuck         StopReason = "stuck"
	StopNoProgress    StopReason = "no_progress"
	StopProposalError StopReason = "proposal_error"
)

// escalatingReasons are stop reasons that should be escalated to the
// owning workflow rather than treated as ordinary completion.
var escalatingReasons = map[StopReason]bool{
	StopMaxRounds:     true,
	StopMaxRejections: true,
	StopStuck:         true,
	StopNoProgress:    true,
	StopProposalError: true,
}

// ShouldEscalate reports whether a StopReason should surface to the
// workflow as an escalation rather than a normal stop.
func (r StopReason) ShouldEscalate() bool { return escalatingReasons[r] }

// Result is the loop's terminal state (spec §4.3).
type Result struct {
	Success         bool
	Reason          StopReason
	ShouldEscalate  bool
	Iterations      []Iteration
	FinalObservation string
	FinalError      string
	TotalRounds     int
	Duration        time.Duration
}

// Convergence tracks the counters the stop-condition checks consult.
type Convergence struct {
	RejectionStreak   int
	StuckCount        int
	lastRejectReason  string
	recentObservations []string
}

func (c *Convergence) recordApproved() {
	c.RejectionStreak = 0
	c.StuckCount = 0
	c.lastRejectReason = ""
}

func (c *Convergence) recordRejection(reason string) {
	c.RejectionStreak++
	if reason != "" && reason == c.lastRejectReason {
		c.StuckCount++
	} else {
		c.StuckCount = 0
	}
	c.lastRejectReason = reason
}

func (c *Convergence) recordObservation(obs string) {
	c.recentObservations = append(c.recentObservations, obs)
	if len(c.recentObservations) > 5 {
		c.recentObservations = c.recentObservations[len(c.recentObservations)-5:]
	}
}

// noProgress reports whether, among the last 5 observations, >=3 are
// identical and there is exactly 1 unique observation among them.
func (c *Convergence) noProgress() bool {
	if len(c.recentObservations) < 5 {
		return false
	}
	unique := map[string]int{}
	for _, o := range c.recentObservations {
		unique[o]++
	}
	if len(unique) != 1 {
		return false
	}
	for _, count := range unique {
		return count >= 3
	}
	return false
}
