// Package notes implements a small per-user notes list with ids taken from a
// monotonic counter. Ids are never reused until the whole collection is
// cleared.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/verabot/internal/kv"
)

// ErrNotFound is returned by Delete when no note has the given id.
var ErrNotFound = errors.New("note not found")

// Note is a single stored note.
type Note struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// Store keeps notes in a kv list plus a counter key.
type Store struct {
	kv     kv.Store
	logger *zap.Logger
}

func New(store kv.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: store, logger: logger.Named("notes")}
}

func listKey(userID int64) string    { return kv.Key("notes", userID) }
func counterKey(userID int64) string { return kv.Key("notes_counter", userID) }

// Add stores text as a new note and returns its id.
func (s *Store) Add(ctx context.Context, userID int64, text string) (int64, error) {
	id, err := s.kv.Incr(ctx, counterKey(userID))
	if err != nil {
		return 0, fmt.Errorf("allocate note id: %w", err)
	}
	raw, err := json.Marshal(Note{ID: id, Text: text})
	if err != nil {
		return 0, fmt.Errorf("encode note: %w", err)
	}
	if err := s.kv.ListAppend(ctx, listKey(userID), string(raw), 0, 0); err != nil {
		return 0, fmt.Errorf("store note: %w", err)
	}
	return id, nil
}

// List returns the user's notes in creation order. Corrupt entries are skipped.
func (s *Store) List(ctx context.Context, userID int64) ([]Note, error) {
	notes, _, err := s.list(ctx, userID)
	return notes, err
}

func (s *Store) list(ctx context.Context, userID int64) ([]Note, []string, error) {
	raws, err := s.kv.ListRange(ctx, listKey(userID), 0, -1)
	if err != nil {
		return nil, nil, fmt.Errorf("list notes: %w", err)
	}
	notes := make([]Note, 0, len(raws))
	kept := make([]string, 0, len(raws))
	for _, raw := range raws {
		var n Note
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			s.logger.Warn("skip undecodable note", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		notes = append(notes, n)
		kept = append(kept, raw)
	}
	return notes, kept, nil
}

// Delete removes the note with the given id. It returns ErrNotFound when the
// id does not exist.
func (s *Store) Delete(ctx context.Context, userID, id int64) error {
	notes, raws, err := s.list(ctx, userID)
	if err != nil {
		return err
	}
	for i, n := range notes {
		if n.ID != id {
			continue
		}
		removed, err := s.kv.ListRemove(ctx, listKey(userID), raws[i], 1)
		if err != nil {
			return fmt.Errorf("delete note %d: %w", id, err)
		}
		if removed == 0 {
			return ErrNotFound
		}
		return nil
	}
	return ErrNotFound
}

// Clear removes every note and resets the id counter.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	if err := s.kv.Delete(ctx, listKey(userID), counterKey(userID)); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}
	return nil
}
