package react

import (
	"context"
	"testing"

	"github.com/taskforge/conductor/internal/common/logger"
)

func newTestLoopLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func newShellRegistry() *ActionRegistry {
	reg := NewActionRegistry()
	reg.Register(ActionShellExec, DefaultRequiredParams[ActionShellExec], func(params map[string]any) (ExecResult, error) {
		return ExecResult{Success: true, Observation: "a.txt\nb.txt"}, nil
	})
	return reg
}

// TestS1SimpleApprovedAction implements spec scenario S1.
func TestS1SimpleApprovedAction(t *testing.T) {
	calls := 0
	planner := func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls == 1 {
			return `{"thought":"list","action":"SHELL_EXEC","params":{"command":"ls"}}`, nil
		}
		return `{"thought":"done","action":"COMPLETE","params":{}}`, nil
	}
	reviewer := func(ctx context.Context, prompt string) (string, error) {
		return `{"approved":true,"riskLevel":"low","feedback":""}`, nil
	}

	loop := New(planner, reviewer, newShellRegistry(), nil, nil, Config{ReviewEnabled: true}, newTestLoopLogger(t))
	result := loop.Run(context.Background(), "list files")

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Reason != StopComplete {
		t.Fatalf("expected complete, got %s", result.Reason)
	}
	if result.TotalRounds != 2 {
		t.Fatalf("expected 2 rounds, got %d", result.TotalRounds)
	}
}

// TestS2FormatRepairThenSuccess implements spec scenario S2.
func TestS2FormatRepairThenSuccess(t *testing.T) {
	calls := 0
	planner := func(ctx context.Context, prompt string) (string, error) {
		calls++
		switch calls {
		case 1:
			return "here is the plan: ...", nil
		case 2:
			return `{"thought":"list","action":"SHELL_EXEC","params":{"command":"ls"}}`, nil
		default:
			return `{"thought":"done","action":"COMPLETE","params":{}}`, nil
		}
	}
	reviewer := func(ctx context.Context, prompt string) (string, error) {
		return `{"approved":true,"riskLevel":"low","feedback":""}`, nil
	}

	loop := New(planner, reviewer, newShellRegistry(), nil, nil,
		Config{ReviewEnabled: true, FormatFixRetries: 1}, newTestLoopLogger(t))
	result := loop.Run(context.Background(), "list files")

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Iterations) != 2 {
		t.Fatalf("expected 2 recorded iterations (format error not counted as one), got %d", len(result.Iterations))
	}
}

// TestS3StuckDetection implements spec scenario S3.
func TestS3StuckDetection(t *testing.T) {
	planner := func(ctx context.Context, prompt string) (string, error) {
		return `{"thought":"try","action":"SHELL_EXEC","params":{"command":"ls"}}`, nil
	}
	reviewer := func(ctx context.Context, prompt string) (string, error) {
		return `{"approved":false,"riskLevel":"low","feedback":"need more context"}`, nil
	}

	loop := New(planner, reviewer, newShellRegistry(), nil, nil,
		Config{ReviewEnabled: true, OnStuck: 3, MaxRejections: 10, MaxRounds: 10}, newTestLoopLogger(t))
	result := loop.Run(context.Background(), "list files")

	if result.Reason != StopStuck {
		t.Fatalf("expected stuck, got %s", result.Reason)
	}
	if !result.ShouldEscalate {
		t.Fatal("expected escalation on stuck")
	}
	if result.TotalRounds != 4 {
		t.Fatalf("expected 4 rounds, got %d", result.TotalRounds)
	}
}

func TestHighRiskForceRejected(t *testing.T) {
	planner := func(ctx context.Context, prompt string) (string, error) {
		return `{"thought":"risky","action":"SHELL_EXEC","params":{"command":"rm -rf /"}}`, nil
	}
	reviewer := func(ctx context.Context, prompt string) (string, error) {
		return `{"approved":true,"riskLevel":"high","feedback":"dangerous"}`, nil
	}

	loop := New(planner, reviewer, newShellRegistry(), nil, nil,
		Config{ReviewEnabled: true, MaxRejections: 1}, newTestLoopLogger(t))
	result := loop.Run(context.Background(), "clean up")

	if result.Iterations[0].Approved {
		t.Fatal("expected high risk proposal to be force-rejected")
	}
	if result.Reason != StopMaxRejections {
		t.Fatalf("expected max_rejections, got %s", result.Reason)
	}
}

func TestMaxRoundsSuccessIsProtectionStop(t *testing.T) {
	planner := func(ctx context.Context, prompt string) (string, error) {
		return `{"thought":"again","action":"SHELL_EXEC","params":{"command":"ls"}}`, nil
	}
	reviewer := func(ctx context.Context, prompt string) (string, error) {
		return `{"approved":true,"riskLevel":"low","feedback":""}`, nil
	}

	loop := New(planner, reviewer, newShellRegistry(), nil, nil,
		Config{ReviewEnabled: true, MaxRounds: 3}, newTestLoopLogger(t))
	result := loop.Run(context.Background(), "repeat")

	if result.Reason != StopMaxRounds {
		t.Fatalf("expected max_rounds, got %s", result.Reason)
	}
	if !result.Success {
		t.Fatal("expected max_rounds with a succeeding last iteration to be treated as success")
	}
}

func TestValidationErrorOnMissingRequiredParam(t *testing.T) {
	planner := func(ctx context.Context, prompt string) (string, error) {
		return `{"thought":"write","action":"WRITE_FILE","params":{"path":"a.txt"}}`, nil
	}
	reg := NewActionRegistry()
	reg.Register(ActionWriteFile, DefaultRequiredParams[ActionWriteFile], func(params map[string]any) (ExecResult, error) {
		return ExecResult{Success: true}, nil
	})

	loop := New(planner, nil, reg, nil, nil, Config{}, newTestLoopLogger(t))
	result := loop.Run(context.Background(), "write a file")

	if result.Reason != StopProposalError {
		t.Fatalf("expected proposal_error for missing required param, got %s", result.Reason)
	}
}
