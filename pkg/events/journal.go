package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"codeforge/pkg/logx"
)

// Journal drains an event queue into a SQLite database so external
// consumers can read notification history after the fact. The journal is a
// convenience consumer; the core never depends on it.
type Journal struct {
	db     *sql.DB
	logger *logx.Logger
	wg     sync.WaitGroup
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	project_name TEXT,
	subtask_id   TEXT,
	payload      TEXT,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_name, created_at);
`

// OpenJournal opens (or creates) the journal database at dbPath.
func OpenJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping event journal: %w", err)
	}

	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event journal schema: %w", err)
	}

	// SQLite supports a single writer; the drain goroutine is it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Journal{
		db:     db,
		logger: logx.NewLogger("journal"),
	}, nil
}

// Drain consumes events from the channel until it is closed, recording each
// one. Insert failures are logged and skipped; journaling is best-effort.
func (j *Journal) Drain(ch <-chan Event) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for event := range ch {
			if err := j.record(event); err != nil {
				j.logger.Warn("Failed to journal %s event %s: %v", event.Type, event.ID, err)
			}
		}
	}()
}

func (j *Journal) record(event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = j.db.Exec(
		`INSERT OR IGNORE INTO events (id, type, project_name, subtask_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.ProjectName, event.SubtaskID, string(payload), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Recent returns the newest events for a project, most recent first.
func (j *Journal) Recent(projectName string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.Query(
		`SELECT id, type, project_name, subtask_id, payload, created_at
		 FROM events WHERE project_name = ?
		 ORDER BY created_at DESC LIMIT ?`,
		projectName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Event
	for rows.Next() {
		var (
			event      Event
			eventType  string
			payloadRaw string
			createdAt  time.Time
		)
		if err := rows.Scan(&event.ID, &eventType, &event.ProjectName, &event.SubtaskID, &payloadRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		event.Type = Type(eventType)
		event.Timestamp = createdAt
		if payloadRaw != "" && payloadRaw != "null" {
			if err := json.Unmarshal([]byte(payloadRaw), &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return result, nil
}

// Close waits for the drain goroutine and closes the database. The event
// channel must be closed before calling Close.
func (j *Journal) Close() error {
	j.wg.Wait()
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close event journal: %w", err)
	}
	return nil
}
