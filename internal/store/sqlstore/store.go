package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Every sqlite connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		kind TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		file_url TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		file_type TEXT NOT NULL DEFAULT '',
		file_format TEXT NOT NULL DEFAULT '',
		sent_at TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		lang TEXT NOT NULL DEFAULT 'en',
		delivered BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages (recipient, delivered);
	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender, recipient, created_at);
	`

	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

const messageColumns = "id, sender, recipient, kind, body, file_url, file_name, file_size, file_type, file_format, sent_at, created_at, lang, delivered"

func (s *SQLStore) Append(ctx context.Context, m *models.Message) (string, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.ID = uuid.NewString()
	m.Delivered = false

	var f models.FileRef
	if m.File != nil {
		f = *m.File
	}
	query := s.rebind("INSERT INTO messages (" + messageColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.From, m.To, string(m.Kind), m.Text,
		f.URL, f.Name, f.Size, f.Type, f.Format,
		m.SentAt, m.CreatedAt.UnixNano(), m.Lang, false)
	if err != nil {
		m.ID = ""
		return "", err
	}
	return m.ID, nil
}

func (s *SQLStore) MarkDelivered(ctx context.Context, id string) error {
	query := s.rebind("UPDATE messages SET delivered = TRUE WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLStore) FindUndelivered(ctx context.Context, username string) ([]models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE recipient = ? AND delivered = FALSE ORDER BY created_at ASC, seq ASC")
	return s.queryMessages(ctx, query, username)
}

func (s *SQLStore) FindConversation(ctx context.Context, userA, userB string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = store.DefaultConversationLimit
	}
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`)
	messages, err := s.queryMessages(ctx, query, userA, userB, userB, userA, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m         models.Message
			kind      string
			f         models.FileRef
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &kind, &m.Text,
			&f.URL, &f.Name, &f.Size, &f.Type, &f.Format,
			&m.SentAt, &createdAt, &m.Lang, &m.Delivered); err != nil {
			return nil, err
		}
		m.Kind = models.Kind(kind)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		if m.Kind == models.KindFile {
			m.File = &f
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
