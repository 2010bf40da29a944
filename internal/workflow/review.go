package workflow

import (
	"encoding/json"
	"strings"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
)

// DefaultMaxReviewTurns bounds the review loop's rerun budget (spec §4.2).
const DefaultMaxReviewTurns = 10

// Verdict is a reviewer's parsed judgement on a turn's output.
type Verdict struct {
	Passed   bool     `json:"passed"`
	Score    *float64 `json:"score,omitempty"`
	Feedback string   `json:"feedback"`
	Blockers []string `json:"blockers,omitempty"`
	Evidence []string `json:"evidence,omitempty"`
}

// ReviewIteration records one pass of the review loop.
type ReviewIteration struct {
	Turn    int
	Verdict Verdict
	Input   string
}

// StopReason explains why the review loop ended.
type StopReason string

const (
	StopReasonPassed          StopReason = "passed"
	StopReasonMaxTurnsReached StopReason = "max_turns_reached"
)

// ReviewOutcome is the review loop's terminal result.
type ReviewOutcome struct {
	StopReason StopReason
	Iterations []ReviewIteration
	Final      Verdict
}

// Reviewer runs one reviewer pass (readonly tools, isolated context, no
// ledger access) against an assistant turn's output and returns raw text
// the loop parses as a Verdict.
type Reviewer func(turnOutput string) (string, error)

// MainTurn reruns the main thread with feedback-augmented input and
// returns the new output to re-review.
type MainTurn func(feedbackInput string) (string, error)

// RunReviewLoop implements the review loop from spec §4.2: review, parse,
// return on pass, else rerun the main turn with feedback up to maxTurns.
func RunReviewLoop(initialOutput string, review Reviewer, rerun MainTurn, maxTurns int) (*ReviewOutcome, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxReviewTurns
	}

	output := initialOutput
	var iterations []ReviewIteration

	for turn := 1; turn <= maxTurns; turn++ {
		raw, err := review(output)
		if err != nil {
			return nil, cerrors.Wrap(err, "reviewer invocation failed")
		}
		verdict, err := ParseVerdict(raw)
		if err != nil {
			return nil, err
		}
		iterations = append(iterations, ReviewIteration{Turn: turn, Verdict: *verdict, Input: output})

		if verdict.Passed {
			return &ReviewOutcome{StopReason: StopReasonPassed, Iterations: iterations, Final: *verdict}, nil
		}

		if turn == maxTurns {
			break
		}
		feedbackInput := buildFeedbackInput(verdict)
		nextOutput, err := rerun(feedbackInput)
		if err != nil {
			return nil, cerrors.Wrap(err, "main turn rerun failed")
		}
		output = nextOutput
	}

	last := Verdict{}
	if len(iterations) > 0 {
		last = iterations[len(iterations)-1].Verdict
	}
	return &ReviewOutcome{StopReason: StopReasonMaxTurnsReached, Iterations: iterations, Final: last}, nil
}

func buildFeedbackInput(v *Verdict) string {
	var b strings.Builder
	b.WriteString("The previous result did not pass review. Feedback: ")
	b.WriteString(v.Feedback)
	if len(v.Blockers) > 0 {
		b.WriteString(" Blockers: ")
		b.WriteString(strings.Join(v.Blockers, "; "))
	}
	return b.String()
}

// ParseVerdict extracts the outermost `{...}` JSON object from raw (which
// may be markdown-wrapped) and decodes it as a Verdict.
func ParseVerdict(raw string) (*Verdict, error) {
	obj, err := ExtractOutermostJSON(raw)
	if err != nil {
		return nil, cerrors.Parse("reviewer output is not recoverable JSON", map[string]any{"raw": raw})
	}
	var v Verdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return nil, cerrors.Parse("reviewer verdict JSON does not match expected shape", map[string]any{"raw": obj})
	}
	return &v, nil
}

// ExtractOutermostJSON returns the first balanced `{...}` substring of raw,
// tolerating markdown code fences and leading/trailing prose around it.
func ExtractOutermostJSON(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", cerrors.Parse("no JSON object found", nil)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", cerrors.Parse("unbalanced JSON object", nil)
}
