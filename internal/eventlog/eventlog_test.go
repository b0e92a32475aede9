package eventlog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stupiduntilnot/verabot/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// seedBotTree inserts a bot run and returns the root event ID.
//
//	process.started (bot)      id=1
//	├── command.handled        id=2
//	├── turn.started           id=3
//	│   ├── search.executed    id=4
//	│   └── turn.completed     id=5
//	├── reply.sent             id=6
//	├── circuit.opened         id=7
//	└── process.stopped        id=8
func seedBotTree(t *testing.T, database *sql.DB) int64 {
	t.Helper()

	rootID, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "bot", "pid": 100})
	db.LogEvent(database, &rootID, db.EventCommandHandled, map[string]any{"command": "start", "user_id": 7})
	turnID, _ := db.LogEvent(database, &rootID, db.EventTurnStarted, map[string]any{"turn_id": "t-1", "kind": "text"})
	db.LogEvent(database, &turnID, db.EventSearchExecuted, map[string]any{"outcome": "ok", "query": "погода"})
	db.LogEvent(database, &turnID, db.EventTurnCompleted, map[string]any{"latency_ms": 1820, "input_tokens": 42, "output_tokens": 7})
	db.LogEvent(database, &rootID, db.EventReplySent, map[string]any{"chat_id": 7, "parse_mode": "html"})
	db.LogEvent(database, &rootID, db.EventCircuitOpened, map[string]any{"error_class": "command_source_api"})
	db.LogEvent(database, &rootID, db.EventProcessStopped, nil)
	return rootID
}

func loadTree(t *testing.T, database *sql.DB, id int64) *Event {
	t.Helper()
	root, err := Load(context.Background(), database, id)
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestLatestRoot(t *testing.T) {
	database := testDB(t)
	rootID := seedBotTree(t, database)

	got, err := LatestRoot(context.Background(), database)
	if err != nil {
		t.Fatal(err)
	}
	if got != rootID {
		t.Errorf("expected root id=%d, got %d", rootID, got)
	}
}

func TestLatestRoot_NoEvents(t *testing.T) {
	database := testDB(t)
	_, err := LatestRoot(context.Background(), database)
	if !errors.Is(err, ErrNoRoot) {
		t.Fatalf("expected ErrNoRoot, got %v", err)
	}
}

func TestLatestRoot_PicksLatestBot(t *testing.T) {
	database := testDB(t)
	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "bot", "pid": 100})
	second, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "bot", "pid": 200})
	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "events", "pid": 300})

	got, err := LatestRoot(context.Background(), database)
	if err != nil {
		t.Fatal(err)
	}
	if got != second {
		t.Errorf("expected latest bot id=%d, got %d", second, got)
	}
}

func TestSubtree(t *testing.T) {
	database := testDB(t)
	rootID := seedBotTree(t, database)

	events, err := Subtree(context.Background(), database, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 8 {
		t.Errorf("expected 8 events, got %d", len(events))
	}

	turn, err := Subtree(context.Background(), database, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(turn) != 3 {
		t.Errorf("expected 3 events in turn subtree, got %d", len(turn))
	}
}

func TestBuildTree(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	if root.EventType != db.EventProcessStarted {
		t.Errorf("expected process.started, got %s", root.EventType)
	}
	if len(root.Children) != 5 {
		t.Fatalf("expected 5 root children, got %d", len(root.Children))
	}
	turn := root.Children[1]
	if turn.EventType != db.EventTurnStarted || len(turn.Children) != 2 {
		t.Errorf("unexpected turn node %s with %d children", turn.EventType, len(turn.Children))
	}
}

func TestLoad_UnknownID(t *testing.T) {
	database := testDB(t)
	seedBotTree(t, database)
	if _, err := Load(context.Background(), database, 999); err == nil {
		t.Fatal("expected error for missing event")
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: "turn.started",
		Payload:   sql.NullString{String: `{"user_id":123,"kind":"voice"}`, Valid: true},
	}

	line := formatEvent(ev, false)
	for _, want := range []string{"[42]", "2025-02-17", "turn.started", "kind=voice  user_id=123"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in output: %s", want, line)
		}
	}
	if strings.Contains(formatEvent(ev, true), "user_id") {
		t.Error("expected no payload with noPayload")
	}

	ev.Payload = sql.NullString{}
	if !strings.HasSuffix(formatEvent(ev, false), "turn.started") {
		t.Errorf("null payload should render bare line: %s", formatEvent(ev, false))
	}
}

func TestFormatValue(t *testing.T) {
	if v := formatValue(float64(42)); v != "42" {
		t.Errorf("expected 42, got %s", v)
	}
	if v := formatValue(1.5); v != "1.5" {
		t.Errorf("expected 1.5, got %s", v)
	}
	long := formatValue(strings.Repeat("я", 100))
	if !strings.Contains(long, "...") || strings.Count(long, "я") != 80 {
		t.Errorf("expected rune truncation: %s", long)
	}
}

func TestWriteTree_Full(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	var buf bytes.Buffer
	if err := WriteTree(&buf, root, Options{}); err != nil {
		t.Fatal(err)
	}
	output := buf.String()
	for _, want := range []string{
		"process.started", "command.handled", "turn.started", "search.executed",
		"turn.completed", "reply.sent", "circuit.opened", "process.stopped",
		"├── ", "│   └── ", "└── ",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestWriteTree_DepthLimit(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	var buf bytes.Buffer
	WriteTree(&buf, root, Options{MaxDepth: 2})
	output := buf.String()
	if !strings.Contains(output, "turn.started") {
		t.Errorf("expected turn.started at depth 2:\n%s", output)
	}
	if strings.Contains(output, "search.executed") {
		t.Errorf("search.executed should be truncated at depth 2:\n%s", output)
	}
	if !strings.Contains(output, "[...]") {
		t.Errorf("expected [...] indicator:\n%s", output)
	}

	buf.Reset()
	WriteTree(&buf, root, Options{MaxDepth: 1})
	if lines := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(lines) != 2 {
		t.Errorf("expected root + [...], got %d lines:\n%s", len(lines), buf.String())
	}
}

func TestWriteJSON(t *testing.T) {
	database := testDB(t)
	root := loadTree(t, database, seedBotTree(t, database))

	var buf bytes.Buffer
	if err := WriteJSON(&buf, root, Options{}); err != nil {
		t.Fatal(err)
	}
	var je jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &je); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, buf.String())
	}
	if je.EventType != db.EventProcessStarted || len(je.Children) != 5 {
		t.Errorf("unexpected root %s with %d children", je.EventType, len(je.Children))
	}

	buf.Reset()
	WriteJSON(&buf, root, Options{MaxDepth: 2, NoPayload: true})
	if strings.Contains(buf.String(), `"role"`) {
		t.Errorf("expected no payload:\n%s", buf.String())
	}
	je = jsonEvent{}
	json.Unmarshal(buf.Bytes(), &je)
	for _, child := range je.Children {
		if len(child.Children) > 0 {
			t.Errorf("expected no grandchildren at depth 2, %s has %d", child.EventType, len(child.Children))
		}
	}
}

func TestOpenReadOnly(t *testing.T) {
	path := t.TempDir() + "/ro.db"
	database, err := db.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	db.InitSchema(database)
	seedBotTree(t, database)
	database.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	if _, err := LatestRoot(context.Background(), ro); err != nil {
		t.Fatal(err)
	}
	if _, err := ro.Exec(`DELETE FROM events`); err == nil {
		t.Error("expected write to fail on read-only handle")
	}
}
