package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	element_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_element ON events(element_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS threads (
	element_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'assistant',
	content TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'streaming',
	cancellation_reason TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

CREATE TABLE IF NOT EXISTS thinking_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	message TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thinking_thread ON thinking_events(thread_id);

CREATE TABLE IF NOT EXISTS tool_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args TEXT,
	result TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	start_time TEXT NOT NULL,
	end_time TEXT
);
CREATE INDEX IF NOT EXISTS idx_tools_thread ON tool_executions(thread_id);
`

// Store is the durable event record backing replay. One serialized
// connection; writes are mutually exclusive.
type Store struct {
	db *sql.DB
}

// Message status values.
const (
	MessageStreaming = "streaming"
	MessageComplete  = "complete"
	MessageCancelled = "cancelled"

	ToolRunning  = "running"
	ToolComplete = "complete"
)

// OpenStore opens (creating if needed) the event database at path.
// ":memory:" gives an ephemeral store for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	// modernc sqlite serializes best over a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Fixed-width so string comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// ThreadFor returns the thread for an element, creating one on first use.
func (s *Store) ThreadFor(elementID string) (string, error) {
	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM threads WHERE element_id = ?`, elementID).Scan(&threadID)
	if err == nil {
		return threadID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup thread: %w", err)
	}

	threadID = uuid.New().String()
	_, err = s.db.Exec(`INSERT INTO threads (element_id, thread_id, created_at) VALUES (?, ?, ?)`,
		elementID, threadID, now())
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return threadID, nil
}

// AppendEvent appends one raw audit-log row.
func (s *Store) AppendEvent(elementID, eventType string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO events (element_id, event_type, payload, timestamp) VALUES (?, ?, ?, ?)`,
		elementID, eventType, string(blob), now())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecordEvent persists an event envelope: the raw audit row plus the
// per-type projection rows that replay is rebuilt from.
func (s *Store) RecordEvent(event map[string]any) error {
	eventType, _ := event["type"].(string)
	elementID, _ := event["elementId"].(string)
	if elementID == "" {
		return nil
	}

	if err := s.AppendEvent(elementID, eventType, event); err != nil {
		return err
	}

	threadID, err := s.ThreadFor(elementID)
	if err != nil {
		return err
	}

	str := func(key string) string {
		v, _ := event[key].(string)
		return v
	}

	switch eventType {
	case TypeTextMessageStart:
		role := str("role")
		if role == "" {
			role = "assistant"
		}
		return s.StartMessage(str("messageId"), threadID, role)
	case TypeTextMessageContent:
		return s.AppendMessageContent(str("messageId"), str("delta"))
	case TypeTextMessageEnd:
		return s.CompleteMessage(str("messageId"))
	case TypeTextMessageChunk:
		role := str("role")
		if role == "" {
			role = "assistant"
		}
		return s.InsertCompleteMessage(str("messageId"), threadID, role, str("content"))
	case TypeTaskThinking:
		return s.AddThinking(threadID, str("message"))
	case TypeToolStart:
		return s.StartTool(threadID, str("toolName"), event["args"])
	case TypeToolEnd:
		return s.EndTool(threadID, str("toolName"), event["result"])
	}
	return nil
}

// StartMessage opens a streaming message row with empty content.
func (s *Store) StartMessage(messageID, threadID, role string) error {
	ts := now()
	_, err := s.db.Exec(
		`INSERT INTO messages (message_id, thread_id, role, content, status, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, ?, ?)`,
		messageID, threadID, role, MessageStreaming, ts, ts)
	if err != nil {
		return fmt.Errorf("start message: %w", err)
	}
	return nil
}

// AppendMessageContent appends a streamed delta to a message's content.
func (s *Store) AppendMessageContent(messageID, delta string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET content = content || ?, updated_at = ? WHERE message_id = ?`,
		delta, now(), messageID)
	if err != nil {
		return fmt.Errorf("append message content: %w", err)
	}
	return nil
}

// CompleteMessage marks a streaming message complete.
func (s *Store) CompleteMessage(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = ?, updated_at = ? WHERE message_id = ?`,
		MessageComplete, now(), messageID)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	return nil
}

// CancelMessage marks a streaming message cancelled with a reason.
func (s *Store) CancelMessage(messageID, reason string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET status = ?, cancellation_reason = ?, updated_at = ? WHERE message_id = ?`,
		MessageCancelled, reason, now(), messageID)
	if err != nil {
		return fmt.Errorf("cancel message: %w", err)
	}
	return nil
}

// InsertCompleteMessage stores a finished message in one step. This is the
// sentence-chunk path.
func (s *Store) InsertCompleteMessage(messageID, threadID, role, content string) error {
	ts := now()
	_, err := s.db.Exec(
		`INSERT INTO messages (message_id, thread_id, role, content, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		messageID, threadID, role, content, MessageComplete, ts, ts)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AddThinking appends a thinking entry for the thread.
func (s *Store) AddThinking(threadID, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO thinking_events (thread_id, message, timestamp) VALUES (?, ?, ?)`,
		threadID, message, now())
	if err != nil {
		return fmt.Errorf("add thinking: %w", err)
	}
	return nil
}

// StartTool opens a running tool-execution row.
func (s *Store) StartTool(threadID, toolName string, args any) error {
	blob, _ := json.Marshal(args)
	_, err := s.db.Exec(
		`INSERT INTO tool_executions (thread_id, tool_name, args, status, start_time)
		 VALUES (?, ?, ?, ?, ?)`,
		threadID, toolName, string(blob), ToolRunning, now())
	if err != nil {
		return fmt.Errorf("start tool: %w", err)
	}
	return nil
}

// EndTool closes the latest running execution of the named tool.
func (s *Store) EndTool(threadID, toolName string, result any) error {
	blob, _ := json.Marshal(result)
	_, err := s.db.Exec(
		`UPDATE tool_executions SET result = ?, status = ?, end_time = ?
		 WHERE id = (
			SELECT id FROM tool_executions
			WHERE thread_id = ? AND tool_name = ? AND status = ?
			ORDER BY id DESC LIMIT 1
		 )`,
		string(blob), ToolComplete, now(), threadID, toolName, ToolRunning)
	if err != nil {
		return fmt.Errorf("end tool: %w", err)
	}
	return nil
}

// ReplayItem is one event re-emitted during history replay, already in
// envelope form.
type ReplayItem struct {
	Timestamp string
	Event     map[string]any
}

// History reconstructs the ordered replay stream for an element: thinking
// entries, tool executions split back into start/end, and completed
// messages as chunks.
func (s *Store) History(elementID string) ([]ReplayItem, error) {
	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM threads WHERE element_id = ?`, elementID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup thread: %w", err)
	}

	var items []ReplayItem

	rows, err := s.db.Query(`SELECT message, timestamp FROM thinking_events WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load thinking: %w", err)
	}
	for rows.Next() {
		var msg, ts string
		if err := rows.Scan(&msg, &ts); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, ReplayItem{
			Timestamp: ts,
			Event: map[string]any{
				"type":      TypeTaskThinking,
				"elementId": elementID,
				"message":   msg,
				"timestamp": ts,
			},
		})
	}
	rows.Close()

	rows, err = s.db.Query(
		`SELECT tool_name, args, COALESCE(result, ''), status, start_time, COALESCE(end_time, '')
		 FROM tool_executions WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	for rows.Next() {
		var name, args, result, status, start, end string
		if err := rows.Scan(&name, &args, &result, &status, &start, &end); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, ReplayItem{
			Timestamp: start,
			Event: map[string]any{
				"type":      TypeToolStart,
				"elementId": elementID,
				"toolName":  name,
				"args":      decodeJSON(args),
				"timestamp": start,
			},
		})
		if status == ToolComplete && end != "" {
			items = append(items, ReplayItem{
				Timestamp: end,
				Event: map[string]any{
					"type":      TypeToolEnd,
					"elementId": elementID,
					"toolName":  name,
					"result":    decodeJSON(result),
					"timestamp": end,
				},
			})
		}
	}
	rows.Close()

	rows, err = s.db.Query(
		`SELECT message_id, role, content, created_at FROM messages WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	for rows.Next() {
		var id, role, content, ts string
		if err := rows.Scan(&id, &role, &content, &ts); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, ReplayItem{
			Timestamp: ts,
			Event: map[string]any{
				"type":      TypeTextMessageChunk,
				"elementId": elementID,
				"messageId": id,
				"role":      role,
				"content":   content,
				"timestamp": ts,
			},
		})
	}
	rows.Close()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp < items[j].Timestamp
	})
	return items, nil
}

// ClearHistory drops all persisted rows for an element.
func (s *Store) ClearHistory(elementID string) error {
	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM threads WHERE element_id = ?`, elementID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup thread: %w", err)
	}

	stmts := []struct {
		q   string
		arg string
	}{
		{`DELETE FROM messages WHERE thread_id = ?`, threadID},
		{`DELETE FROM thinking_events WHERE thread_id = ?`, threadID},
		{`DELETE FROM tool_executions WHERE thread_id = ?`, threadID},
		{`DELETE FROM events WHERE element_id = ?`, elementID},
		{`DELETE FROM threads WHERE element_id = ?`, elementID},
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st.q, st.arg); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
	}
	return nil
}

// EventCount returns the raw audit-log row count for an element.
func (s *Store) EventCount(elementID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE element_id = ?`, elementID).Scan(&n)
	return n, err
}

func decodeJSON(blob string) any {
	if blob == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(blob), &v); err != nil {
		return blob
	}
	return v
}
