// Package proto defines the shared data model for projects, subtasks and
// their lifecycle states. These types are persisted as JSON documents and
// exchanged between the orchestrator, task executor and persistence store.
package proto

import (
	"fmt"
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	StatusNew                  ProjectStatus = "new"
	StatusAnalysisInProgress   ProjectStatus = "analysis_in_progress"
	StatusAnalysisComplete     ProjectStatus = "analysis_complete"
	StatusProcessingTasks      ProjectStatus = "processing_tasks"
	StatusCompleted            ProjectStatus = "completed_successfully"
	StatusFailedNeedsReplan    ProjectStatus = "failed_needs_replan"
	StatusFailedUnrecoverable  ProjectStatus = "failed_subtask_unrecoverable"
	StatusFailedTerminal       ProjectStatus = "failed_terminal"
)

// IsTerminal reports whether a project in this status will never be
// processed again.
func (s ProjectStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailedUnrecoverable, StatusFailedTerminal:
		return true
	case StatusNew, StatusAnalysisInProgress, StatusAnalysisComplete,
		StatusProcessingTasks, StatusFailedNeedsReplan:
		return false
	default:
		return false
	}
}

// Subtask is one unit of planned work. Subtasks are produced by the
// planning collaborator and are immutable afterwards; the executor
// consumes them read-only.
type Subtask struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	DependencyIDs     []string `json:"dependencies_ids,omitempty"`
	AssignedRole      string   `json:"assigned_role,omitempty"`
	ExpectedArtifacts []string `json:"expected_artifacts,omitempty"`
	SuccessCriteria   []Criterion `json:"success_criteria,omitempty"`
	RunCommand        []string `json:"run_command"`
	TimeoutMS         int64    `json:"timeout_ms,omitempty"`
	IsOptional        bool     `json:"is_optional,omitempty"`
}

// Validate checks the fields a subtask must carry before it can be executed.
func (s *Subtask) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("subtask id cannot be empty")
	}
	if len(s.RunCommand) == 0 {
		return fmt.Errorf("subtask %s: run command cannot be empty", s.ID)
	}
	return nil
}

// CriterionKind selects how a success criterion is evaluated.
type CriterionKind string

const (
	// CriterionExitCode passes when the command exit code equals Code.
	CriterionExitCode CriterionKind = "exit_code"
	// CriterionStdoutContains passes when stdout contains Value.
	CriterionStdoutContains CriterionKind = "stdout_contains"
	// CriterionStderrContains passes when stderr contains Value.
	CriterionStderrContains CriterionKind = "stderr_contains"
	// CriterionStderrEmpty passes when stderr is empty.
	CriterionStderrEmpty CriterionKind = "stderr_empty"
)

// Criterion is one independent acceptance predicate over a command result.
// Criteria are evaluated in declaration order; the first failure
// short-circuits evaluation.
type Criterion struct {
	Kind  CriterionKind `json:"kind"`
	Value string        `json:"value,omitempty"`
	Code  int           `json:"code,omitempty"`
}

// ProjectMetadata carries identity and lifecycle timestamps.
type ProjectMetadata struct {
	Name         string        `json:"name"`
	Created      time.Time     `json:"created"`
	LastModified time.Time     `json:"last_modified"`
	Status       ProjectStatus `json:"status"`
}

// ProjectContext is the accumulated file set produced so far.
type ProjectContext struct {
	Files map[string]string `json:"files"`
}

// ErrorRecord retains the last failure so callers can inspect why a
// project is stuck without reading logs.
type ErrorRecord struct {
	Kind             string    `json:"kind"`
	Message          string    `json:"message"`
	RecoveryAttempted string   `json:"recovery_attempted,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ProjectExecution tracks subtask progress and recovery bookkeeping.
// SubtaskAttempts is an explicit persisted map so attempt counts survive
// process restarts and checkpoint restores.
type ProjectExecution struct {
	SubtasksFull     []Subtask      `json:"subtasks_full,omitempty"`
	RemainingIDs     []string       `json:"remaining_ids,omitempty"`
	CompletedIDs     []string       `json:"completed_ids,omitempty"`
	SubtaskAttempts  map[string]int `json:"subtask_attempts,omitempty"`
	ProjectAttempts  int            `json:"project_attempts,omitempty"`
	LastCheckpointID string         `json:"last_checkpoint_id,omitempty"`
	RestoredFrom     string         `json:"restored_from,omitempty"`
	LastError        *ErrorRecord   `json:"last_error,omitempty"`
}

// ProjectConversation holds the originating request verbatim.
type ProjectConversation struct {
	OriginalRequest string `json:"original_request"`
}

// ProjectState is the single persisted document per project name. There is
// exactly one live in-memory copy per active project; only the orchestrator
// mutates it, and it is always persisted as an atomic whole.
type ProjectState struct {
	Metadata     ProjectMetadata     `json:"metadata"`
	Context      ProjectContext      `json:"context"`
	Execution    ProjectExecution    `json:"execution"`
	Conversation ProjectConversation `json:"conversation"`
}

// NewProjectState creates a fresh state document for a project name.
func NewProjectState(name, request string) *ProjectState {
	now := time.Now().UTC()
	return &ProjectState{
		Metadata: ProjectMetadata{
			Name:         name,
			Created:      now,
			LastModified: now,
			Status:       StatusNew,
		},
		Context: ProjectContext{
			Files: make(map[string]string),
		},
		Execution: ProjectExecution{
			SubtaskAttempts: make(map[string]int),
		},
		Conversation: ProjectConversation{
			OriginalRequest: request,
		},
	}
}

// Subtask returns the full subtask definition for an id, or nil.
func (p *ProjectState) Subtask(id string) *Subtask {
	for i := range p.Execution.SubtasksFull {
		if p.Execution.SubtasksFull[i].ID == id {
			return &p.Execution.SubtasksFull[i]
		}
	}
	return nil
}

// MarkCompleted moves a subtask id from the remaining set to the completed
// set. It is a no-op for ids not in the remaining set.
func (p *ProjectState) MarkCompleted(id string) {
	remaining := p.Execution.RemainingIDs[:0]
	found := false
	for _, rid := range p.Execution.RemainingIDs {
		if rid == id {
			found = true
			continue
		}
		remaining = append(remaining, rid)
	}
	p.Execution.RemainingIDs = remaining
	if found {
		p.Execution.CompletedIDs = append(p.Execution.CompletedIDs, id)
	}
}

// MergeFiles copies new file contents into the project context.
func (p *ProjectState) MergeFiles(files map[string]string) {
	if p.Context.Files == nil {
		p.Context.Files = make(map[string]string, len(files))
	}
	for path, content := range files {
		p.Context.Files[path] = content
	}
}

// Touch updates the last-modified timestamp.
func (p *ProjectState) Touch() {
	p.Metadata.LastModified = time.Now().UTC()
}
