// Package eventlog reads the event table back as a tree for inspection.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

// ErrNoRoot is returned when no bot process has logged a start event.
var ErrNoRoot = errors.New("no bot process.started event found")

// Options control rendering.
type Options struct {
	// MaxDepth limits the rendered depth; 0 means unlimited.
	MaxDepth  int
	NoPayload bool
}

// OpenReadOnly opens the database without write access.
func OpenReadOnly(path string) (*sql.DB, error) {
	database, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return database, nil
}

// Load returns the tree rooted at id, or at the latest bot process when id
// is 0.
func Load(ctx context.Context, database *sql.DB, id int64) (*Event, error) {
	rootID := id
	if rootID == 0 {
		var err error
		if rootID, err = LatestRoot(ctx, database); err != nil {
			return nil, err
		}
	}
	events, err := Subtree(ctx, database, rootID)
	if err != nil {
		return nil, fmt.Errorf("query subtree: %w", err)
	}
	root := BuildTree(events, rootID)
	if root == nil {
		return nil, fmt.Errorf("event %d not found", rootID)
	}
	return root, nil
}

// LatestRoot finds the most recent process.started event with role=bot.
func LatestRoot(ctx context.Context, database *sql.DB) (int64, error) {
	var id int64
	err := database.QueryRowContext(ctx,
		`SELECT id FROM events WHERE event_type = 'process.started'
		 AND json_extract(payload, '$.role') = 'bot'
		 ORDER BY id DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRoot
	}
	return id, err
}

// Subtree returns all events under rootID, rootID included, in id order.
func Subtree(ctx context.Context, database *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := database.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// BuildTree links a flat event list into a tree and returns the node for
// rootID.
func BuildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}

// WriteTree renders the tree with box-drawing characters.
func WriteTree(w io.Writer, root *Event, opts Options) error {
	var b strings.Builder
	writeNode(&b, root, "", true, 1, opts)
	_, err := io.WriteString(w, b.String())
	return err
}

func writeNode(b *strings.Builder, ev *Event, prefix string, isLast bool, depth int, opts Options) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, opts.NoPayload)
	if depth == 1 {
		b.WriteString(line + "\n")
	} else {
		b.WriteString(prefix + connector + line + "\n")
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		if len(ev.Children) > 0 {
			b.WriteString(childPrefix + "└── [...]\n")
		}
		return
	}
	for i, child := range ev.Children {
		writeNode(b, child, childPrefix, i == len(ev.Children)-1, depth+1, opts)
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)
	if noPayload {
		return line
	}
	m := payloadMap(ev)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return line
}

func payloadMap(ev *Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue converts a payload value to a display string, truncating long
// text by runes.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if rs := []rune(val); len(rs) > 80 {
			return fmt.Sprintf("%q", string(rs[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth int, opts Options) jsonEvent {
	je := jsonEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
	}
	if !opts.NoPayload {
		if m := payloadMap(ev); m != nil {
			je.Payload = m
		}
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, opts))
	}
	return je
}

// WriteJSON renders the tree as indented JSON.
func WriteJSON(w io.Writer, root *Event, opts Options) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, opts)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
