package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectStatus_IsTerminal(t *testing.T) {
	terminal := []ProjectStatus{StatusCompleted, StatusFailedUnrecoverable, StatusFailedTerminal}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s", s)
	}

	live := []ProjectStatus{StatusNew, StatusAnalysisInProgress, StatusAnalysisComplete, StatusProcessingTasks, StatusFailedNeedsReplan}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestSubtask_Validate(t *testing.T) {
	valid := Subtask{ID: "t1", RunCommand: []string{"go", "test"}}
	assert.NoError(t, valid.Validate())

	missing := Subtask{RunCommand: []string{"true"}}
	assert.Error(t, missing.Validate())

	noCommand := Subtask{ID: "t1"}
	assert.Error(t, noCommand.Validate())
}

func TestProjectState_SubtaskLookup(t *testing.T) {
	state := NewProjectState("demo", "request")
	state.Execution.SubtasksFull = []Subtask{
		{ID: "t1", Title: "first"},
		{ID: "t2", Title: "second"},
	}

	found := state.Subtask("t2")
	require.NotNil(t, found)
	assert.Equal(t, "second", found.Title)
	assert.Nil(t, state.Subtask("ghost"))
}

func TestMarkCompleted(t *testing.T) {
	state := NewProjectState("demo", "request")
	state.Execution.RemainingIDs = []string{"t1", "t2", "t3"}

	state.MarkCompleted("t2")
	assert.Equal(t, []string{"t1", "t3"}, state.Execution.RemainingIDs)
	assert.Equal(t, []string{"t2"}, state.Execution.CompletedIDs)

	// Completing an id not in the remaining set changes nothing.
	state.MarkCompleted("t2")
	state.MarkCompleted("ghost")
	assert.Equal(t, []string{"t1", "t3"}, state.Execution.RemainingIDs)
	assert.Equal(t, []string{"t2"}, state.Execution.CompletedIDs)
}

func TestMergeFiles(t *testing.T) {
	state := NewProjectState("demo", "request")
	state.Context.Files = map[string]string{"a.go": "old a", "b.go": "old b"}

	state.MergeFiles(map[string]string{"b.go": "new b", "c.go": "new c"})
	assert.Equal(t, "old a", state.Context.Files["a.go"])
	assert.Equal(t, "new b", state.Context.Files["b.go"])
	assert.Equal(t, "new c", state.Context.Files["c.go"])

	// Merging into a nil map allocates it.
	state.Context.Files = nil
	state.MergeFiles(map[string]string{"d.go": "d"})
	assert.Equal(t, "d", state.Context.Files["d.go"])
}

func TestNewProjectState(t *testing.T) {
	state := NewProjectState("demo", "add a widget")
	assert.Equal(t, StatusNew, state.Metadata.Status)
	assert.Equal(t, "demo", state.Metadata.Name)
	assert.Equal(t, "add a widget", state.Conversation.OriginalRequest)
	assert.NotNil(t, state.Context.Files)
	assert.NotNil(t, state.Execution.SubtaskAttempts)
	assert.False(t, state.Metadata.Created.IsZero())
}
