package executor

import (
	"fmt"
	"strings"

	"codeforge/pkg/proto"
	"codeforge/pkg/sandbox"
)

// Evaluate checks a command result against the subtask's acceptance
// criteria. With no declared criteria the default applies: exit code 0.
// Declared criteria are independent predicates evaluated in order; the
// first failure short-circuits and its description becomes the next
// attempt's error context.
func Evaluate(criteria []proto.Criterion, result sandbox.Result) (failed string, ok bool) {
	if len(criteria) == 0 {
		if result.ExitCode != 0 {
			return fmt.Sprintf("exit code is %d, want 0", result.ExitCode), false
		}
		return "", true
	}

	for _, criterion := range criteria {
		if desc, pass := evaluateOne(criterion, result); !pass {
			return desc, false
		}
	}
	return "", true
}

func evaluateOne(c proto.Criterion, result sandbox.Result) (string, bool) {
	switch c.Kind {
	case proto.CriterionExitCode:
		if result.ExitCode != c.Code {
			return fmt.Sprintf("exit code is %d, want %d", result.ExitCode, c.Code), false
		}
	case proto.CriterionStdoutContains:
		if !strings.Contains(result.Stdout, c.Value) {
			return fmt.Sprintf("stdout does not contain %q", c.Value), false
		}
	case proto.CriterionStderrContains:
		if !strings.Contains(result.Stderr, c.Value) {
			return fmt.Sprintf("stderr does not contain %q", c.Value), false
		}
	case proto.CriterionStderrEmpty:
		if strings.TrimSpace(result.Stderr) != "" {
			return "stderr is not empty", false
		}
	default:
		return fmt.Sprintf("unknown criterion kind %q", c.Kind), false
	}
	return "", true
}
