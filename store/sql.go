package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"deepchat/config"
	"deepchat/models"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func schema(driver string) []string {
	// sqlite orders ties on its implicit rowid; postgres gets an explicit sequence.
	seq := ""
	if driver == DriverPostgres {
		seq = ",\n\t\tseq               BIGSERIAL"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL,
		role              TEXT NOT NULL,
		content           TEXT NOT NULL,
		reasoning_content TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL` + seq + `
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at)`,
	}
}

// SQLStore backs the store with postgres (lib/pq) or sqlite (modernc).
// Queries are written with ? placeholders and rebound for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	clock  models.Clock
}

// OpenSQL opens the database, checks the connection and creates the schema.
func OpenSQL(ctx context.Context, driver string, cfg config.SQLConfig) (*SQLStore, error) {
	dsn := cfg.DSN
	if driver == DriverPostgres && !strings.Contains(dsn, "sslmode=") {
		if strings.Contains(dsn, "?") {
			dsn += "&sslmode=disable"
		} else {
			dsn += "?sslmode=disable"
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxIdleConns(cfg.MaxIdle)
		db.SetMaxOpenConns(cfg.MaxOpen)
		db.SetConnMaxLifetime(cfg.MaxLife)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := NewSQLStore(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $1, $2, ... for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	now := s.clock.Now()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO conversations (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &conv, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = ?`), id).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (s *SQLStore) GetUserConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("select conversations of %s: %w", userID, err)
	}
	defer rows.Close()

	convs := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLStore) CreateMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	created := newMessage(msg, uuid.NewString(), s.clock.Now())
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO messages (id, conversation_id, role, content, reasoning_content, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		created.ID, created.ConversationID, string(created.Role), created.Content, created.ReasoningContent,
		string(created.Status), created.CreatedAt, created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &created, nil
}

const messageColumns = `id, conversation_id, role, content, reasoning_content, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (models.Message, error) {
	var m models.Message
	var role, status string
	err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.ReasoningContent, &status, &m.CreatedAt, &m.UpdatedAt)
	m.Role = models.Role(role)
	m.Status = models.Status(status)
	return m, err
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select message %s: %w", id, err)
	}
	return &msg, nil
}

// UpdateMessage is a single conditional UPDATE; nil patch fields keep the
// column through COALESCE.
func (s *SQLStore) UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error) {
	var status sql.NullString
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE messages SET
			content = COALESCE(?, content),
			reasoning_content = COALESCE(?, reasoning_content),
			status = COALESCE(?, status),
			updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`),
		nullString(patch.Content), nullString(patch.ReasoningContent), status, s.clock.Now(),
		id, string(models.StatusCompleted), string(models.StatusError))
	if err != nil {
		return nil, fmt.Errorf("update message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update message %s: %w", id, err)
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return msg, fmt.Errorf("message %s: %w", id, ErrTerminal)
	}
	return msg, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func (s *SQLStore) tiebreak() string {
	if s.driver == DriverPostgres {
		return "seq ASC"
	}
	return "rowid ASC"
}

func (s *SQLStore) GetConversationMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, `+s.tiebreak()), conversationID)
	if err != nil {
		return nil, fmt.Errorf("select messages of %s: %w", conversationID, err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
