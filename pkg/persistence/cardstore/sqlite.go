package cardstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-go-golems/cardstream/pkg/cards/state"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps one JSON snapshot per card. Writes never move a card
// back to an older version.
type SQLiteStore struct {
	db *sql.DB
}

var _ state.SnapshotStore = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite card store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN for path with WAL and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite card store: empty path")
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS card_states (
		  card_id TEXT PRIMARY KEY,
		  template_id TEXT NOT NULL DEFAULT '',
		  conversation_id TEXT NOT NULL DEFAULT '',
		  version INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  state_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS card_states_by_conversation
		  ON card_states(conversation_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite card store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, st state.State) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite card store: db is nil")
	}
	if st.Card.ID == "" {
		return errors.New("sqlite card store: card id is empty")
	}
	version, err := uint64ToInt64(st.Version)
	if err != nil {
		return errors.Wrap(err, "sqlite card store: version overflow")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "sqlite card store: marshal state")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO card_states (card_id, template_id, conversation_id, version, updated_at_ms, state_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			version = excluded.version,
			updated_at_ms = excluded.updated_at_ms,
			state_json = excluded.state_json
		WHERE excluded.version >= card_states.version
	`, st.Card.ID, st.Card.TemplateID, st.Card.ConversationID, version, st.UpdatedAt.UnixMilli(), string(b))
	if err != nil {
		return errors.Wrapf(err, "sqlite card store: save %s", st.Card.ID)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, cardID string) (state.State, bool, error) {
	if s == nil || s.db == nil {
		return state.State{}, false, errors.New("sqlite card store: db is nil")
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM card_states WHERE card_id = ?`, cardID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return state.State{}, false, nil
	}
	if err != nil {
		return state.State{}, false, errors.Wrapf(err, "sqlite card store: load %s", cardID)
	}
	var st state.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return state.State{}, false, errors.Wrapf(err, "sqlite card store: decode %s", cardID)
	}
	return st, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, cardID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite card store: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM card_states WHERE card_id = ?`, cardID); err != nil {
		return errors.Wrapf(err, "sqlite card store: delete %s", cardID)
	}
	return nil
}

// ListConversation returns the ids of the stored cards of one conversation.
func (s *SQLiteStore) ListConversation(ctx context.Context, conversationID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite card store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id FROM card_states
		WHERE conversation_id = ?
		ORDER BY updated_at_ms ASC, card_id ASC
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite card store: list conversation")
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "sqlite card store: scan card id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}
