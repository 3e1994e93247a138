package orch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/config"
	"codeforge/pkg/executor"
	"codeforge/pkg/faults"
	"codeforge/pkg/proto"
)

// memStore is an in-memory Store that deep-copies on save and load so tests
// observe persisted snapshots, not shared pointers.
type memStore struct {
	docs        map[string][]byte
	checkpoints map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		docs:        make(map[string][]byte),
		checkpoints: make(map[string][]string),
	}
}

func (m *memStore) Save(name string, state *proto.ProjectState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.docs[name] = data
	return nil
}

func (m *memStore) Load(name string) (*proto.ProjectState, error) {
	data, ok := m.docs[name]
	if !ok {
		return nil, nil
	}
	var state proto.ProjectState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *memStore) CreateCheckpoint(name, checkpointID string) error {
	m.checkpoints[name] = append(m.checkpoints[name], checkpointID)
	return nil
}

func (m *memStore) checkpointStages(name string) []string {
	var stages []string
	for _, id := range m.checkpoints[name] {
		// Strip the trailing timestamp.
		if idx := strings.LastIndex(id, "_"); idx > 0 {
			stages = append(stages, id[:idx])
		} else {
			stages = append(stages, id)
		}
	}
	return stages
}

// scriptedPlanner returns canned subtasks and records every analysis call.
type scriptedPlanner struct {
	subtasks []proto.Subtask
	err      error
	calls    []AnalysisContext
}

func (p *scriptedPlanner) Analyze(_ context.Context, _ string, analysisCtx AnalysisContext) (*AnalysisResult, error) {
	p.calls = append(p.calls, analysisCtx)
	if p.err != nil {
		return nil, p.err
	}
	return &AnalysisResult{
		Understanding: "understood",
		Plan:          "planned",
		Subtasks:      p.subtasks,
	}, nil
}

// scriptedRunner returns per-subtask outcomes, consuming queued errors one
// call at a time.
type scriptedRunner struct {
	// errs maps subtask id to a queue of errors; a nil or exhausted queue
	// means success.
	errs  map[string][]error
	calls []string
}

func (r *scriptedRunner) ExecuteSubtask(_ context.Context, _ string, subtask *proto.Subtask, files map[string]string) (*executor.Outcome, error) {
	r.calls = append(r.calls, subtask.ID)

	queue := r.errs[subtask.ID]
	if len(queue) > 0 {
		err := queue[0]
		r.errs[subtask.ID] = queue[1:]
		if err != nil {
			return nil, err
		}
	}

	merged := make(map[string]string, len(files)+1)
	for k, v := range files {
		merged[k] = v
	}
	merged[subtask.ID+".go"] = "package " + subtask.ID
	return &executor.Outcome{Files: merged, Attempts: 1}, nil
}

type countingReaper struct{ calls int }

func (r *countingReaper) DestroyAll(context.Context) { r.calls++ }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxSubtaskRetries.Simple = 2
	cfg.MaxSubtaskRetries.Modified = 2
	cfg.RetryDelay.BaseMS = 1
	cfg.RetryDelay.ModifiedMS = 1
	cfg.Orchestrator.MaxProjectRetries = 2
	cfg.Orchestrator.TickIntervalMS = 5
	return cfg
}

func twoSubtasks() []proto.Subtask {
	return []proto.Subtask{
		{ID: "t1", Title: "first", RunCommand: []string{"true"}},
		{ID: "t2", Title: "second", RunCommand: []string{"true"}},
	}
}

// tickUntilDone drives the orchestrator until the queue drains, sleeping
// past retry delays between ticks.
func tickUntilDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		if o.QueueLength() == 0 {
			return
		}
		o.Tick(ctx)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("orchestrator did not drain its queue")
}

func TestRun_HappyPathToCompletion(t *testing.T) {
	store := newMemStore()
	planner := &scriptedPlanner{subtasks: twoSubtasks()}
	runner := &scriptedRunner{}
	o := New(testConfig(), store, runner, planner, nil, nil)

	require.NoError(t, o.Submit("demo", "build the widget"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, status)
	assert.Equal(t, []string{"t1", "t2"}, runner.calls)

	final, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, final.Execution.CompletedIDs)
	assert.Empty(t, final.Execution.RemainingIDs)
	assert.Equal(t, "package t1", final.Context.Files["t1.go"])
	assert.Equal(t, "package t2", final.Context.Files["t2.go"])

	stages := store.checkpointStages("demo")
	assert.Contains(t, stages, "analysis_complete")
	assert.Contains(t, stages, "subtask_t1_complete")
	assert.Contains(t, stages, "subtask_t2_complete")
	assert.Contains(t, stages, "project_complete")
}

func TestSubmit_Validation(t *testing.T) {
	store := newMemStore()
	o := New(testConfig(), store, &scriptedRunner{}, &scriptedPlanner{subtasks: twoSubtasks()}, nil, nil)

	require.Error(t, o.Submit("", "request"))

	require.NoError(t, o.Submit("demo", "request"))
	assert.Error(t, o.Submit("demo", "request"), "duplicate submission rejected")

	// A terminal persisted project cannot be resubmitted.
	terminal := proto.NewProjectState("done", "old request")
	terminal.Metadata.Status = proto.StatusCompleted
	require.NoError(t, store.Save("done", terminal))
	assert.Error(t, o.Submit("done", "again"))
}

func TestSubmit_ResumesPersistedState(t *testing.T) {
	store := newMemStore()
	persisted := proto.NewProjectState("demo", "original request")
	persisted.Metadata.Status = proto.StatusAnalysisComplete
	persisted.Execution.SubtasksFull = twoSubtasks()
	persisted.Execution.RemainingIDs = []string{"t2"}
	persisted.Execution.CompletedIDs = []string{"t1"}
	require.NoError(t, store.Save("demo", persisted))

	runner := &scriptedRunner{}
	o := New(testConfig(), store, runner, &scriptedPlanner{}, nil, nil)
	require.NoError(t, o.Submit("demo", "ignored for resumed projects"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, status)
	assert.Equal(t, []string{"t2"}, runner.calls, "completed subtasks are not re-run")
}

func TestTransientFailure_RetriedInPlace(t *testing.T) {
	store := newMemStore()
	runner := &scriptedRunner{errs: map[string][]error{
		"t1": {faults.New(faults.KindTransient, "connection reset")},
	}}
	o := New(testConfig(), store, runner, &scriptedPlanner{subtasks: twoSubtasks()}, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, status)
	assert.Equal(t, []string{"t1", "t1", "t2"}, runner.calls, "failed subtask re-attempted before moving on")

	final, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, 2, final.Execution.SubtaskAttempts["t1"])
	assert.Nil(t, final.Execution.LastError, "last error cleared on success")
}

// TestCriticalFailure_TriggersReplan exercises the re-plan path: a critical
// failure clears the remaining plan but preserves completed work, a fresh
// analysis receives the failure as context, and the project then finishes.
func TestCriticalFailure_TriggersReplan(t *testing.T) {
	store := newMemStore()
	planner := &scriptedPlanner{subtasks: twoSubtasks()}
	runner := &scriptedRunner{errs: map[string][]error{
		"t2": {faults.New(faults.KindCoordination, "plan does not fit the codebase")},
	}}
	o := New(testConfig(), store, runner, planner, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))

	// Drive until the re-plan lands.
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		o.Tick(ctx)
		if status, _ := o.ProjectStatus("demo"); status == proto.StatusFailedNeedsReplan {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mid, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusFailedNeedsReplan, mid.Metadata.Status)
	assert.Empty(t, mid.Execution.RemainingIDs, "pending plan discarded")
	assert.Equal(t, []string{"t1"}, mid.Execution.CompletedIDs, "finished work survives the re-plan")
	assert.Equal(t, 1, mid.Execution.ProjectAttempts, "re-plan consumes one project retry slot")
	require.NotNil(t, mid.Execution.LastError)
	assert.Contains(t, mid.Execution.LastError.Message, "plan does not fit")

	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, status)

	// The re-analysis saw the failure and the completed ids.
	require.Len(t, planner.calls, 2)
	assert.Empty(t, planner.calls[0].PreviousFailure)
	assert.Contains(t, planner.calls[1].PreviousFailure, "plan does not fit")
	assert.Equal(t, []string{"t1"}, planner.calls[1].CompletedIDs)
}

func TestFatalFailure_HaltsProject(t *testing.T) {
	store := newMemStore()
	runner := &scriptedRunner{errs: map[string][]error{
		"t1": {faults.New(faults.KindInfrastructure, "runtime daemon unreachable")},
	}}
	o := New(testConfig(), store, runner, &scriptedPlanner{subtasks: twoSubtasks()}, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusFailedUnrecoverable, status)
	assert.Equal(t, []string{"t1"}, runner.calls, "fatal failures are not retried")

	stages := store.checkpointStages("demo")
	assert.Contains(t, stages, "project_error_state_failed_subtask_unrecoverable")
}

func TestSecurityViolation_AlwaysHalts(t *testing.T) {
	store := newMemStore()
	subtasks := twoSubtasks()
	subtasks[0].IsOptional = true // optional does not soften a violation
	runner := &scriptedRunner{errs: map[string][]error{
		"t1": {faults.New(faults.KindSecurityViolation, "generated file escapes workspace")},
	}}
	o := New(testConfig(), store, runner, &scriptedPlanner{subtasks: subtasks}, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusFailedUnrecoverable, status)
}

func TestOptionalSubtaskFailure_SkippedAndProjectCompletes(t *testing.T) {
	store := newMemStore()
	subtasks := twoSubtasks()
	subtasks[0].IsOptional = true
	runner := &scriptedRunner{errs: map[string][]error{
		"t1": {faults.New(faults.KindExecution, "lint never passes")},
	}}
	o := New(testConfig(), store, runner, &scriptedPlanner{subtasks: subtasks}, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, status)

	final, err := store.Load("demo")
	require.NoError(t, err)
	assert.Contains(t, final.Execution.CompletedIDs, "t1", "skipped optional counts as done")
	assert.NotContains(t, final.Context.Files, "t1.go", "skipped subtask contributed no files")

	stages := store.checkpointStages("demo")
	assert.Contains(t, stages, "subtask_t1_skipped")
}

func TestAnalysisFailure_ExhaustsProjectRetries(t *testing.T) {
	store := newMemStore()
	planner := &scriptedPlanner{err: faults.New(faults.KindCoordination, "request is contradictory")}
	o := New(testConfig(), store, &scriptedRunner{}, planner, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusFailedTerminal, status)

	final, err := store.Load("demo")
	require.NoError(t, err)
	assert.Greater(t, final.Execution.ProjectAttempts, testConfig().Orchestrator.MaxProjectRetries)

	stages := store.checkpointStages("demo")
	assert.Contains(t, stages, "project_error_state_failed_terminal")
}

// TestReplanLoop_BoundedByProjectRetries verifies the ceiling when every
// re-planned attempt fails again: each re-plan consumes one project retry
// slot until the project is declared terminal.
func TestReplanLoop_BoundedByProjectRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.MaxProjectRetries = 1

	store := newMemStore()
	runner := &scriptedRunner{errs: map[string][]error{
		"t1": {
			faults.New(faults.KindCoordination, "plan invalid"),
			faults.New(faults.KindCoordination, "plan invalid again"),
		},
	}}
	o := New(cfg, store, runner, &scriptedPlanner{subtasks: twoSubtasks()}, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusFailedTerminal, status)

	final, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, 2, final.Execution.ProjectAttempts)
}

func TestEmptyPlan_IsProjectError(t *testing.T) {
	store := newMemStore()
	planner := &scriptedPlanner{subtasks: nil}
	o := New(testConfig(), store, &scriptedRunner{}, planner, nil, nil)

	require.NoError(t, o.Submit("demo", "build"))
	tickUntilDone(t, o)

	status, err := o.ProjectStatus("demo")
	require.NoError(t, err)
	assert.Equal(t, proto.StatusFailedTerminal, status)
}

func TestShutdown_ReapsSessions(t *testing.T) {
	reaper := &countingReaper{}
	o := New(testConfig(), newMemStore(), &scriptedRunner{}, &scriptedPlanner{subtasks: twoSubtasks()}, nil, reaper)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	o.Shutdown(shutdownCtx)

	assert.Equal(t, 1, reaper.calls)
}

func TestProjectStatus_UnknownProject(t *testing.T) {
	o := New(testConfig(), newMemStore(), &scriptedRunner{}, &scriptedPlanner{}, nil, nil)
	_, err := o.ProjectStatus("ghost")
	require.Error(t, err)
}
