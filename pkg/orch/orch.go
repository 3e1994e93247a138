// Package orch drives projects through their lifecycle: analysis, subtask
// execution, failure recovery and checkpointing. A single cooperative tick
// loop advances the head of a FIFO project queue by at most one macro-step
// per tick, so no two steps for the same project ever overlap.
package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeforge/pkg/config"
	"codeforge/pkg/events"
	"codeforge/pkg/executor"
	"codeforge/pkg/faults"
	"codeforge/pkg/logx"
	"codeforge/pkg/metrics"
	"codeforge/pkg/proto"
)

// Planner is the external analysis collaborator. It is invoked only at
// phase transitions into analysis.
type Planner interface {
	Analyze(ctx context.Context, request string, analysisCtx AnalysisContext) (*AnalysisResult, error)
}

// AnalysisContext carries what the planner may consider.
type AnalysisContext struct {
	Files map[string]string
	// CompletedIDs lets a re-plan preserve finished work.
	CompletedIDs []string
	// PreviousFailure is non-empty on re-plans and describes why the last
	// plan failed.
	PreviousFailure string
}

// AnalysisResult is the planner's output.
type AnalysisResult struct {
	Understanding string
	Plan          string
	Subtasks      []proto.Subtask
}

// TaskRunner is the slice of the task executor the orchestrator needs.
type TaskRunner interface {
	ExecuteSubtask(ctx context.Context, projectName string, subtask *proto.Subtask, files map[string]string) (*executor.Outcome, error)
}

// Store is the slice of the persistence store the orchestrator needs.
type Store interface {
	Save(name string, state *proto.ProjectState) error
	Load(name string) (*proto.ProjectState, error)
	CreateCheckpoint(name, checkpointID string) error
}

// SessionReaper tears down sandbox sessions on shutdown.
type SessionReaper interface {
	DestroyAll(ctx context.Context)
}

// Orchestrator owns the project queue and the per-project state machine.
type Orchestrator struct {
	logger  *logx.Logger
	cfg     *config.Config
	store   Store
	runner  TaskRunner
	planner Planner
	reaper  SessionReaper
	sink    events.Sink
	metrics *metrics.Recorder

	// mu protects queue, projects and delays against Submit racing the
	// tick handler. State documents themselves are only ever mutated by
	// the tick handler.
	mu       sync.Mutex
	queue    []string
	projects map[string]*proto.ProjectState
	delays   map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates an orchestrator. reaper may be nil when no sandbox manager
// is attached (tests).
func New(cfg *config.Config, store Store, runner TaskRunner, planner Planner, sink events.Sink, reaper SessionReaper) *Orchestrator {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Orchestrator{
		logger:   logx.NewLogger("orch"),
		cfg:      cfg,
		store:    store,
		runner:   runner,
		planner:  planner,
		reaper:   reaper,
		sink:     sink,
		metrics:  metrics.Default(),
		projects: make(map[string]*proto.ProjectState),
		delays:   make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Submit enqueues a change request for a project name. Existing persisted
// state is resumed; otherwise a fresh document is created and saved.
func (o *Orchestrator) Submit(name, request string) error {
	if name == "" {
		return fmt.Errorf("project name cannot be empty")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, active := o.projects[name]; active {
		return fmt.Errorf("project %s is already queued", name)
	}

	state, err := o.store.Load(name)
	if err != nil {
		return logx.Wrap(err, fmt.Sprintf("failed to load project %s", name))
	}
	if state == nil {
		state = proto.NewProjectState(name, request)
		if err := o.store.Save(name, state); err != nil {
			return logx.Wrap(err, fmt.Sprintf("failed to persist new project %s", name))
		}
	}
	if state.Metadata.Status.IsTerminal() {
		return fmt.Errorf("project %s is already terminal (%s)", name, state.Metadata.Status)
	}

	o.projects[name] = state
	o.queue = append(o.queue, name)
	o.logger.Info("Queued project %s (status %s)", name, state.Metadata.Status)
	return nil
}

// Run drives the tick loop until Shutdown is called or the context ends.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Shutdown stops the tick loop and best-effort destroys every tracked
// sandbox session before returning.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.stopOnce.Do(func() { close(o.stopCh) })
	select {
	case <-o.doneCh:
	case <-ctx.Done():
	}
	if o.reaper != nil {
		o.reaper.DestroyAll(ctx)
	}
}

// Tick advances the head project by at most one macro-step. The head is
// not popped until it reaches a terminal status, giving fair round-robin
// only between the head finishing and the next project starting.
func (o *Orchestrator) Tick(ctx context.Context) {
	name, state, ok := o.head()
	if !ok {
		return
	}

	if deadline, delayed := o.delayFor(name); delayed {
		if time.Now().Before(deadline) {
			return
		}
		o.clearDelay(name)
	}

	o.step(ctx, state)

	if state.Metadata.Status.IsTerminal() {
		o.dequeue(name)
		o.logger.Info("Project %s finished with status %s", name, state.Metadata.Status)
	}
}

// step runs one macro-step of the per-project state machine.
func (o *Orchestrator) step(ctx context.Context, state *proto.ProjectState) {
	switch state.Metadata.Status {
	case proto.StatusNew, proto.StatusFailedNeedsReplan, proto.StatusAnalysisInProgress:
		o.runAnalysis(ctx, state)

	case proto.StatusAnalysisComplete, proto.StatusProcessingTasks:
		o.processTasks(ctx, state)

	case proto.StatusCompleted, proto.StatusFailedUnrecoverable, proto.StatusFailedTerminal:
		// Terminal; nothing to do.

	default:
		o.logger.Warn("Project %s in unknown status %q, halting", state.Metadata.Name, state.Metadata.Status)
		o.setStatus(state, proto.StatusFailedTerminal)
	}
}

// runAnalysis asks the planner for subtasks and checkpoints the result.
// On a re-plan the previous failure is passed as context and completed
// subtask ids are preserved.
func (o *Orchestrator) runAnalysis(ctx context.Context, state *proto.ProjectState) {
	name := state.Metadata.Name
	replanning := state.Metadata.Status == proto.StatusFailedNeedsReplan

	analysisCtx := AnalysisContext{
		Files:        state.Context.Files,
		CompletedIDs: append([]string(nil), state.Execution.CompletedIDs...),
	}
	if replanning && state.Execution.LastError != nil {
		analysisCtx.PreviousFailure = state.Execution.LastError.Message
	}

	o.setStatus(state, proto.StatusAnalysisInProgress)

	result, err := o.planner.Analyze(ctx, state.Conversation.OriginalRequest, analysisCtx)
	if err != nil {
		o.handleProjectError(state, faults.Wrap(faults.KindCoordination, err, "analysis failed for project %s", name))
		return
	}
	if len(result.Subtasks) == 0 {
		o.handleProjectError(state, faults.New(faults.KindCoordination, "analysis for project %s produced no subtasks", name))
		return
	}

	completed := make(map[string]bool, len(state.Execution.CompletedIDs))
	for _, id := range state.Execution.CompletedIDs {
		completed[id] = true
	}

	state.Execution.SubtasksFull = result.Subtasks
	state.Execution.RemainingIDs = state.Execution.RemainingIDs[:0]
	for i := range result.Subtasks {
		if !completed[result.Subtasks[i].ID] {
			state.Execution.RemainingIDs = append(state.Execution.RemainingIDs, result.Subtasks[i].ID)
		}
	}
	if state.Execution.SubtaskAttempts == nil {
		state.Execution.SubtaskAttempts = make(map[string]int)
	}

	o.setStatus(state, proto.StatusAnalysisComplete)
	o.checkpoint(state, "analysis_complete")
}

// processTasks makes one pass over the remaining subtasks. A retryable
// failure stops the pass so the next tick re-attempts; a skip continues; a
// re-plan or halt changes the project status.
func (o *Orchestrator) processTasks(ctx context.Context, state *proto.ProjectState) {
	name := state.Metadata.Name

	if state.Metadata.Status != proto.StatusProcessingTasks {
		o.setStatus(state, proto.StatusProcessingTasks)
	}

	remaining := append([]string(nil), state.Execution.RemainingIDs...)
	for _, id := range remaining {
		subtask := state.Subtask(id)
		if subtask == nil {
			o.handleProjectError(state, faults.New(faults.KindCoordination, "subtask %s missing from plan for project %s", id, name))
			return
		}

		attempts := state.Execution.SubtaskAttempts[id] + 1
		state.Execution.SubtaskAttempts[id] = attempts

		outcome, err := o.runner.ExecuteSubtask(ctx, name, subtask, state.Context.Files)
		if err == nil {
			state.MergeFiles(outcome.Files)
			state.MarkCompleted(id)
			state.Execution.LastError = nil
			o.checkpoint(state, fmt.Sprintf("subtask_%s_complete", id))
			continue
		}

		if done := o.recoverSubtask(state, subtask, attempts, err); done {
			return
		}
	}

	if len(state.Execution.RemainingIDs) == 0 {
		o.setStatus(state, proto.StatusCompleted)
		o.checkpoint(state, "project_complete")
	}
}

// recoverSubtask classifies a subtask failure and applies the selected
// strategy. It returns true when the pass must stop.
func (o *Orchestrator) recoverSubtask(state *proto.ProjectState, subtask *proto.Subtask, attempts int, err error) bool {
	name := state.Metadata.Name

	classification := faults.Classify(err, faults.Context{IsOptionalTask: subtask.IsOptional})
	strategy := faults.DetermineRecovery(classification, attempts, o.subtaskRetryConfig())
	o.metrics.ObserveRecovery(string(strategy.Type))

	state.Execution.LastError = &proto.ErrorRecord{
		Kind:              classification.Kind.String(),
		Message:           err.Error(),
		RecoveryAttempted: string(strategy.Type),
		Timestamp:         time.Now().UTC(),
	}

	o.logger.Warn("Subtask %s of project %s failed (attempt %d, %s): applying %s",
		subtask.ID, name, attempts, classification.Severity, strategy.Type)

	switch strategy.Type {
	case faults.RecoveryRetryAsIs, faults.RecoveryRetryWithParams:
		// Leave the subtask in the remaining set; the next tick
		// re-attempts it after the suggested delay.
		if strategy.Delay > 0 {
			o.setDelay(name, strategy.Delay)
		}
		o.save(state)
		return true

	case faults.RecoverySkipOptional:
		state.MarkCompleted(subtask.ID)
		o.logger.Info("Skipped optional subtask %s of project %s", subtask.ID, name)
		o.checkpoint(state, fmt.Sprintf("subtask_%s_skipped", subtask.ID))
		return false

	case faults.RecoveryReplanFromCheckpoint:
		// A subtask-level re-plan consumes exactly one project-level
		// retry slot, so repeated re-plans cannot loop forever.
		state.Execution.ProjectAttempts++
		if state.Execution.ProjectAttempts > o.cfg.Orchestrator.MaxProjectRetries {
			o.setStatus(state, proto.StatusFailedTerminal)
			o.checkpoint(state, "project_error_state_failed_terminal")
			return true
		}
		state.Execution.RemainingIDs = nil
		o.setStatus(state, proto.StatusFailedNeedsReplan)
		o.checkpoint(state, "project_error_state_failed_needs_replan")
		return true

	case faults.RecoveryHalt:
		o.setStatus(state, proto.StatusFailedUnrecoverable)
		o.checkpoint(state, "project_error_state_failed_subtask_unrecoverable")
		return true

	default:
		o.setStatus(state, proto.StatusFailedUnrecoverable)
		o.checkpoint(state, "project_error_state_failed_subtask_unrecoverable")
		return true
	}
}

// handleProjectError escalates the classification/recovery logic to the
// project level with its own retry ceiling.
func (o *Orchestrator) handleProjectError(state *proto.ProjectState, err error) {
	name := state.Metadata.Name

	classification := faults.Classify(err, faults.Context{})
	state.Execution.ProjectAttempts++
	attempts := state.Execution.ProjectAttempts

	state.Execution.LastError = &proto.ErrorRecord{
		Kind:      classification.Kind.String(),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	}

	if attempts > o.cfg.Orchestrator.MaxProjectRetries {
		o.logger.Error("Project %s exhausted %d project-level retries: %v", name, o.cfg.Orchestrator.MaxProjectRetries, err)
		o.setStatus(state, proto.StatusFailedTerminal)
		o.checkpoint(state, "project_error_state_failed_terminal")
		return
	}

	strategy := faults.DetermineRecovery(classification, attempts, o.projectRetryConfig())
	o.metrics.ObserveRecovery(string(strategy.Type))
	state.Execution.LastError.RecoveryAttempted = string(strategy.Type)

	o.logger.Warn("Project %s error (attempt %d, %s): applying %s: %v",
		name, attempts, classification.Severity, strategy.Type, err)

	switch strategy.Type {
	case faults.RecoveryRetryAsIs, faults.RecoveryRetryWithParams:
		// Keep the current status; the next tick retries the same phase.
		if strategy.Delay > 0 {
			o.setDelay(name, strategy.Delay)
		}
		o.save(state)

	case faults.RecoveryReplanFromCheckpoint:
		state.Execution.RemainingIDs = nil
		o.setStatus(state, proto.StatusFailedNeedsReplan)
		o.checkpoint(state, "project_error_state_failed_needs_replan")

	case faults.RecoverySkipOptional, faults.RecoveryHalt:
		o.setStatus(state, proto.StatusFailedTerminal)
		o.checkpoint(state, "project_error_state_failed_terminal")

	default:
		o.setStatus(state, proto.StatusFailedTerminal)
		o.checkpoint(state, "project_error_state_failed_terminal")
	}
}

func (o *Orchestrator) subtaskRetryConfig() faults.RetryConfig {
	return faults.RetryConfig{
		MaxSimpleRetries:   o.cfg.MaxSubtaskRetries.Simple,
		MaxModifiedRetries: o.cfg.MaxSubtaskRetries.Modified,
		BaseDelay:          time.Duration(o.cfg.RetryDelay.BaseMS) * time.Millisecond,
		ModifiedDelay:      time.Duration(o.cfg.RetryDelay.ModifiedMS) * time.Millisecond,
		Jitter:             true,
	}
}

func (o *Orchestrator) projectRetryConfig() faults.RetryConfig {
	return faults.RetryConfig{
		MaxSimpleRetries:   o.cfg.Orchestrator.MaxProjectRetries,
		MaxModifiedRetries: o.cfg.Orchestrator.MaxProjectRetries,
		BaseDelay:          time.Duration(o.cfg.RetryDelay.BaseMS) * time.Millisecond,
		ModifiedDelay:      time.Duration(o.cfg.RetryDelay.ModifiedMS) * time.Millisecond,
		Jitter:             true,
	}
}

// setStatus transitions the project status, persists it and notifies.
func (o *Orchestrator) setStatus(state *proto.ProjectState, status proto.ProjectStatus) {
	previous := state.Metadata.Status
	state.Metadata.Status = status
	o.save(state)

	o.sink.Publish(events.Event{
		Type:        events.TypeProjectStatusChanged,
		ProjectName: state.Metadata.Name,
		Payload: map[string]string{
			"from": string(previous),
			"to":   string(status),
		},
	})
}

// checkpoint persists the state and writes a named snapshot. The id
// encodes the stage and a timestamp so the restore path is
// self-describing.
func (o *Orchestrator) checkpoint(state *proto.ProjectState, stage string) {
	o.save(state)

	checkpointID := fmt.Sprintf("%s_%s", stage, time.Now().UTC().Format("20060102T150405.000"))
	if err := o.store.CreateCheckpoint(state.Metadata.Name, checkpointID); err != nil {
		// A failed checkpoint does not stop the project; the live
		// document is already saved.
		o.logger.Warn("Failed to checkpoint project %s at %s: %v", state.Metadata.Name, stage, err)
		return
	}
	state.Execution.LastCheckpointID = checkpointID
	o.metrics.ObserveCheckpoint(stage)
}

func (o *Orchestrator) save(state *proto.ProjectState) {
	if err := o.store.Save(state.Metadata.Name, state); err != nil {
		o.logger.Error("Failed to persist project %s: %v", state.Metadata.Name, err)
	}
}

func (o *Orchestrator) head() (string, *proto.ProjectState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return "", nil, false
	}
	name := o.queue[0]
	return name, o.projects[name], true
}

func (o *Orchestrator) dequeue(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) > 0 && o.queue[0] == name {
		o.queue = o.queue[1:]
	}
	delete(o.projects, name)
	delete(o.delays, name)
}

func (o *Orchestrator) setDelay(name string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delays[name] = time.Now().Add(delay)
}

func (o *Orchestrator) delayFor(name string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	deadline, ok := o.delays[name]
	return deadline, ok
}

func (o *Orchestrator) clearDelay(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.delays, name)
}

// QueueLength reports how many projects are waiting or in progress.
func (o *Orchestrator) QueueLength() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// ProjectStatus reports the live status for an active project, or the
// persisted one for inactive projects.
func (o *Orchestrator) ProjectStatus(name string) (proto.ProjectStatus, error) {
	o.mu.Lock()
	state, active := o.projects[name]
	o.mu.Unlock()

	if active {
		return state.Metadata.Status, nil
	}
	persisted, err := o.store.Load(name)
	if err != nil {
		return "", err
	}
	if persisted == nil {
		return "", fmt.Errorf("unknown project %s", name)
	}
	return persisted.Metadata.Status, nil
}
