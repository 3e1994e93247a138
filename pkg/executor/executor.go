// Package executor drives one subtask through the self-debug loop:
// generate code, run it in a fresh sandbox, evaluate acceptance criteria,
// and retry with the failure fed back as context until the attempt ceiling
// is reached.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codeforge/pkg/events"
	"codeforge/pkg/faults"
	"codeforge/pkg/logx"
	"codeforge/pkg/metrics"
	"codeforge/pkg/proto"
	"codeforge/pkg/sandbox"
)

// Generator is the code-generation collaborator. It turns a subtask, the
// relevant existing files and the previous attempt's failure (nil on the
// first attempt) into one or more source files.
type Generator interface {
	Generate(ctx context.Context, subtask *proto.Subtask, existingFiles map[string]string, failure *AttemptFailure) (map[string]string, error)
}

// Sandboxes is the slice of the sandbox manager the executor needs.
type Sandboxes interface {
	CreateSession(ctx context.Context, spec sandbox.SessionSpec) (string, error)
	MountFiles(sessionID string, files map[string]string) ([]sandbox.MountSpec, error)
	Exec(ctx context.Context, sessionID string, command []string, timeout time.Duration, workingDir string) (sandbox.Result, error)
	DestroySession(ctx context.Context, sessionID string)
}

// AttemptFailure is the error context carried from one attempt into the
// next generation request.
type AttemptFailure struct {
	Attempt         int
	Stdout          string
	Stderr          string
	ExitCode        int
	Err             string
	FailedCriterion string
}

// Summary renders the failure for a generation prompt.
func (f *AttemptFailure) Summary() string {
	if f == nil {
		return ""
	}
	if f.FailedCriterion != "" {
		return fmt.Sprintf("attempt %d failed criterion %q (exit %d)\nstdout:\n%s\nstderr:\n%s",
			f.Attempt, f.FailedCriterion, f.ExitCode, f.Stdout, f.Stderr)
	}
	if f.Err != "" {
		return fmt.Sprintf("attempt %d failed: %s", f.Attempt, f.Err)
	}
	return fmt.Sprintf("attempt %d exited %d\nstdout:\n%s\nstderr:\n%s",
		f.Attempt, f.ExitCode, f.Stdout, f.Stderr)
}

// Outcome is the result of a successful subtask execution.
type Outcome struct {
	// Files is the project file set merged with this subtask's artifacts.
	Files map[string]string
	// Attempts is how many attempts the subtask took.
	Attempts int
	// Stdout and Stderr are the captured streams of the passing run.
	Stdout string
	Stderr string
}

// Executor runs subtasks with bounded self-correction.
type Executor struct {
	logger    *logx.Logger
	sandboxes Sandboxes
	generator Generator
	sink      events.Sink
	metrics   *metrics.Recorder

	// maxDebugAttempts bounds the loop, including the initial attempt.
	maxDebugAttempts int
	defaultTimeout   time.Duration
}

// New creates a task executor.
func New(sandboxes Sandboxes, generator Generator, sink events.Sink, maxDebugAttempts int, defaultTimeout time.Duration) *Executor {
	if maxDebugAttempts < 1 {
		maxDebugAttempts = 3
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Executor{
		logger:           logx.NewLogger("executor"),
		sandboxes:        sandboxes,
		generator:        generator,
		sink:             sink,
		metrics:          metrics.Default(),
		maxDebugAttempts: maxDebugAttempts,
		defaultTimeout:   defaultTimeout,
	}
}

// ExecuteSubtask runs one subtask against the current project file set.
// The caller's file map is never mutated: artifacts are merged into a
// snapshot that is only returned on success. Generation failures, command
// failures, timeouts and criteria failures all feed the retry loop; only
// sandbox-creation infrastructure failure and attempt exhaustion escalate.
func (e *Executor) ExecuteSubtask(ctx context.Context, projectName string, subtask *proto.Subtask, files map[string]string) (*Outcome, error) {
	if err := subtask.Validate(); err != nil {
		return nil, faults.Wrap(faults.KindCoordination, err, "subtask is not executable")
	}

	e.sink.Publish(events.Event{
		Type:        events.TypeTaskStarted,
		ProjectName: projectName,
		SubtaskID:   subtask.ID,
	})

	timeout := e.defaultTimeout
	if subtask.TimeoutMS > 0 {
		timeout = time.Duration(subtask.TimeoutMS) * time.Millisecond
	}

	var failure *AttemptFailure
	for attempt := 1; attempt <= e.maxDebugAttempts; attempt++ {
		outcome, attemptFailure, err := e.runAttempt(ctx, projectName, subtask, files, failure, attempt, timeout)
		if err != nil {
			// Infrastructure failures are not the generated code's
			// fault; retrying with new code cannot fix them.
			e.metrics.ObserveSubtaskAttempt(projectName, "error")
			e.publishFailure(projectName, subtask.ID, attempt, err.Error())
			return nil, err
		}
		if outcome != nil {
			outcome.Attempts = attempt
			e.metrics.ObserveSubtaskAttempt(projectName, "success")
			e.sink.Publish(events.Event{
				Type:        events.TypeTaskCompleted,
				ProjectName: projectName,
				SubtaskID:   subtask.ID,
				Payload:     map[string]string{"attempts": fmt.Sprintf("%d", attempt)},
			})
			return outcome, nil
		}

		failure = attemptFailure
		e.metrics.ObserveSubtaskAttempt(projectName, "retry")
		e.logger.Debug("Subtask %s attempt %d failed, feeding error back: %s", subtask.ID, attempt, failure.Summary())
	}

	e.metrics.ObserveSubtaskAttempt(projectName, "exhausted")
	e.publishFailure(projectName, subtask.ID, e.maxDebugAttempts, failure.Summary())

	terminal := faults.New(faults.KindExecution, "subtask %s exhausted %d attempts: %s",
		subtask.ID, e.maxDebugAttempts, failure.Summary()).
		WithContext("subtask_id", subtask.ID).
		WithContext("attempts", fmt.Sprintf("%d", e.maxDebugAttempts))
	return nil, terminal
}

// runAttempt performs one generate → run → evaluate cycle. It returns a
// non-nil outcome on success, a non-nil failure when the attempt should be
// retried, or an error when the failure must escalate immediately.
func (e *Executor) runAttempt(ctx context.Context, projectName string, subtask *proto.Subtask, files map[string]string, prior *AttemptFailure, attempt int, timeout time.Duration) (*Outcome, *AttemptFailure, error) {
	// GENERATING
	generated, err := e.generator.Generate(ctx, subtask, files, prior)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, faults.Wrap(faults.KindInfrastructure, err, "generation interrupted for subtask %s", subtask.ID)
		}
		return nil, &AttemptFailure{Attempt: attempt, Err: fmt.Sprintf("generation failed: %v", err)}, nil
	}
	// An empty response is itself a failure the next attempt can correct.
	if len(generated) == 0 {
		return nil, &AttemptFailure{Attempt: attempt, Err: "generator returned zero files"}, nil
	}

	// Merge into a snapshot; the caller's set stays untouched until
	// success.
	merged := make(map[string]string, len(files)+len(generated))
	for path, content := range files {
		merged[path] = content
	}
	for path, content := range generated {
		merged[path] = content
	}

	// RUNNING
	sessionID, err := e.sandboxes.CreateSession(ctx, sandbox.SessionSpec{})
	if err != nil {
		return nil, nil, err
	}
	// The session never outlives the attempt.
	defer e.sandboxes.DestroySession(ctx, sessionID)

	if _, err := e.sandboxes.MountFiles(sessionID, merged); err != nil {
		if faults.KindOf(err) == faults.KindSecurityViolation {
			// Path escapes halt immediately, no retry.
			return nil, nil, err
		}
		return nil, &AttemptFailure{Attempt: attempt, Err: fmt.Sprintf("mount failed: %v", err)}, nil
	}

	result, err := e.sandboxes.Exec(ctx, sessionID, subtask.RunCommand, timeout, "")
	if err != nil {
		e.publishSandboxLog(projectName, subtask.ID, attempt, result)
		return nil, &AttemptFailure{
			Attempt:  attempt,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: result.ExitCode,
			Err:      err.Error(),
		}, nil
	}

	e.publishSandboxLog(projectName, subtask.ID, attempt, result)

	// EVALUATING
	if failed, ok := Evaluate(subtask.SuccessCriteria, result); !ok {
		return nil, &AttemptFailure{
			Attempt:         attempt,
			Stdout:          result.Stdout,
			Stderr:          result.Stderr,
			ExitCode:        result.ExitCode,
			FailedCriterion: failed,
		}, nil
	}

	return &Outcome{
		Files:  merged,
		Stdout: result.Stdout,
		Stderr: result.Stderr,
	}, nil, nil
}

func (e *Executor) publishSandboxLog(projectName, subtaskID string, attempt int, result sandbox.Result) {
	e.sink.Publish(events.Event{
		Type:        events.TypeSandboxLog,
		ProjectName: projectName,
		SubtaskID:   subtaskID,
		Payload: map[string]string{
			"attempt":   fmt.Sprintf("%d", attempt),
			"exit_code": fmt.Sprintf("%d", result.ExitCode),
			"stdout":    truncate(result.Stdout, 4096),
			"stderr":    truncate(result.Stderr, 4096),
		},
	})
}

func (e *Executor) publishFailure(projectName, subtaskID string, attempt int, detail string) {
	e.sink.Publish(events.Event{
		Type:        events.TypeTaskFailed,
		ProjectName: projectName,
		SubtaskID:   subtaskID,
		Payload: map[string]string{
			"attempt": fmt.Sprintf("%d", attempt),
			"error":   truncate(detail, 4096),
		},
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...[truncated]"
}
