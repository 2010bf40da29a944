package react

import (
	"encoding/json"
	"strings"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
)

// ExtractOutermostJSON returns the first balanced `{...}` substring of raw,
// tolerating markdown code fences and surrounding prose, generalizing the
// defensive envelope-decoding style used for wire-level proposal/verdict
// payloads across this codebase.
func ExtractOutermostJSON(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", cerrors.Parse("no JSON object found in model output", map[string]any{"raw": truncate(raw, 500)})
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
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", cerrors.Parse("unbalanced JSON object in model output", map[string]any{"raw": truncate(raw, 500)})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ParseProposal extracts and decodes a planner Proposal from raw model output.
func ParseProposal(raw string) (*Proposal, error) {
	obj, err := ExtractOutermostJSON(raw)
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return nil, cerrors.Parse("proposal JSON does not match expected shape", map[string]any{"raw": obj})
	}
	return &p, nil
}

// ParseReviewVerdict extracts and decodes a reviewer ReviewVerdict.
func ParseReviewVerdict(raw string) (*ReviewVerdict, error) {
	obj, err := ExtractOutermostJSON(raw)
	if err != nil {
		return nil, err
	}
	var v ReviewVerdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return nil, cerrors.Parse("review verdict JSON does not match expected shape", map[string]any{"raw": obj})
	}
	return &v, nil
}

// ValidateProposal enforces spec §4.3 step 4: thought/action/params must be
// present, action must be registered, and the action's required params
// must all be present in Params.
func ValidateProposal(p *Proposal, registry *ActionRegistry) error {
	if p.Thought == "" {
		return cerrors.Validation("thought", "proposal is missing thought")
	}
	if p.Action == "" {
		return cerrors.Validation("action", "proposal is missing action")
	}
	if p.Params == nil {
		return cerrors.Validation("params", "proposal is missing params object")
	}
	required, ok := registry.RequiredParams(p.Action)
	if !ok {
		return cerrors.Validation("action", "unknown action \""+p.Action+"\"")
	}
	for _, field := range required {
		if _, ok := p.Params[field]; !ok {
			return cerrors.Validation("params."+field, "missing required param for action \""+p.Action+"\"")
		}
	}
	return nil
}
