package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	return j
}

func TestJournal_DrainRecordsEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	j, err := OpenJournal(dbPath)
	require.NoError(t, err)

	q := NewQueue(16)
	j.Drain(q.Events())

	q.Publish(Event{Type: TypeTaskStarted, ProjectName: "demo", SubtaskID: "t1"})
	q.Publish(Event{
		Type:        TypeTaskCompleted,
		ProjectName: "demo",
		SubtaskID:   "t1",
		Payload:     map[string]string{"attempts": "2"},
	})
	q.Publish(Event{Type: TypeTaskStarted, ProjectName: "other"})

	q.Close()
	require.NoError(t, j.Close())

	// Reopen for reading; Close released the drain's handle.
	reader, err := OpenJournal(dbPath)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	recent, err := reader.Recent("demo", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, event := range recent {
		assert.Equal(t, "demo", event.ProjectName)
		assert.NotEmpty(t, event.ID)
	}

	var completed *Event
	for i := range recent {
		if recent[i].Type == TypeTaskCompleted {
			completed = &recent[i]
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, "2", completed.Payload["attempts"])
}

func TestJournal_RecentOrderAndLimit(t *testing.T) {
	j := newTestJournal(t)
	defer func() { _ = j.Close() }()

	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.record(Event{
			ID:          string(rune('a' + i)),
			Type:        TypeSandboxLog,
			ProjectName: "demo",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recent, err := j.Recent("demo", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].ID, "most recent first")
	assert.Equal(t, "d", recent[1].ID)
	assert.Equal(t, "c", recent[2].ID)
}

func TestJournal_DuplicateIDIgnored(t *testing.T) {
	j := newTestJournal(t)
	defer func() { _ = j.Close() }()

	event := Event{ID: "dup", Type: TypeTaskStarted, ProjectName: "demo", Timestamp: time.Now().UTC()}
	require.NoError(t, j.record(event))
	require.NoError(t, j.record(event))

	recent, err := j.Recent("demo", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestJournal_RecentEmptyProject(t *testing.T) {
	j := newTestJournal(t)
	defer func() { _ = j.Close() }()

	recent, err := j.Recent("nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
