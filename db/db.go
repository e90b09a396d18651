package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"messenger/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already exists")
	ErrEmailTaken    = errors.New("email already in use")
	ErrUserNotFound  = errors.New("user not found")
	ErrSelfContact   = errors.New("cannot add yourself as contact")
	ErrContactExists = errors.New("user is already a contact")
)

const timeLayout = time.RFC3339Nano

type Options struct {
	Driver     string // "sqlite3" (mattn) or "sqlite" (modernc)
	Path       string
	BcryptCost int
}

type DB struct {
	conn       *sql.DB
	bcryptCost int
}

func New(opts Options) (*DB, error) {
	if opts.Driver == "" {
		opts.Driver = "sqlite3"
	}
	dsn, err := dataSourceName(opts.Driver, opts.Path)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	// One connection serializes writers, which makes every transaction
	// below exclusive and avoids SQLITE_BUSY under concurrent handlers.
	conn.SetMaxOpenConns(1)

	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	db := &DB{conn: conn, bcryptCost: cost}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func dataSourceName(driver, path string) (string, error) {
	switch driver {
	case "sqlite3":
		return path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", nil
	case "sqlite":
		return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			user_id INTEGER NOT NULL REFERENCES users(id),
			contact_id INTEGER NOT NULL REFERENCES users(id),
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			receiver_id INTEGER NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			is_read INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, is_read)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, sender_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

// User methods

// credentialKey digests the client credential to a fixed 64-byte hex string,
// which stays under bcrypt's 72-byte input limit whatever the client sends.
func credentialKey(passwordHash string) []byte {
	sum := sha256.Sum256([]byte(passwordHash))
	return []byte(hex.EncodeToString(sum[:]))
}

// CreateUser stores a new user. passwordHash is the client-side credential
// hash; it is stored bcrypt-wrapped. The uniqueness checks and the insert
// share one transaction, and UNIQUE violations map to the same errors, so
// concurrent registrations of one username cannot both succeed.
func (db *DB) CreateUser(ctx context.Context, username, email, passwordHash string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword(credentialKey(passwordHash), db.bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	var id int64
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		taken, err := exists(ctx, tx, "SELECT COUNT(*) FROM users WHERE username = ?", username)
		if err != nil {
			return err
		}
		if taken {
			return ErrUsernameTaken
		}
		taken, err = exists(ctx, tx, "SELECT COUNT(*) FROM users WHERE email = ?", email)
		if err != nil {
			return err
		}
		if taken {
			return ErrEmailTaken
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO users (username, email, password, created_at) VALUES (?, ?, ?, ?)",
			username, email, string(hashed), time.Now().UTC().Format(timeLayout),
		)
		switch {
		case isUniqueViolation(err, "users.username"):
			return ErrUsernameTaken
		case isUniqueViolation(err, "users.email"):
			return ErrEmailTaken
		case err != nil:
			return fmt.Errorf("insert user: %w", err)
		}

		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Authenticate matches login against username or email and verifies the
// credential hash. It returns ErrNotFound when nothing matches.
func (db *DB) Authenticate(ctx context.Context, login, passwordHash string) (*models.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, username, email, password, created_at FROM users WHERE username = ? OR email = ? ORDER BY id",
		login, login,
	)
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	defer rows.Close()

	var candidates []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, u := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), credentialKey(passwordHash)) == nil {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return db.getUser(ctx, db.conn, "id = ?", id)
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.getUser(ctx, db.conn, "username = ?", username)
}

func (db *DB) getUser(ctx context.Context, q queryer, where string, arg any) (*models.User, error) {
	row := q.QueryRowContext(ctx, "SELECT id, username, email, password, created_at FROM users WHERE "+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*models.User, error) {
	var u models.User
	var createdAt string
	if err := s.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &createdAt); err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &u, nil
}

func exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Contact methods

// AddContact records the relation in both directions. Either both edges
// are written or neither is.
func (db *DB) AddContact(ctx context.Context, ownerID, contactID int64) error {
	if ownerID == contactID {
		return ErrSelfContact
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []int64{ownerID, contactID} {
			ok, err := exists(ctx, tx, "SELECT COUNT(*) FROM users WHERE id = ?", id)
			if err != nil {
				return err
			}
			if !ok {
				return ErrUserNotFound
			}
		}

		ok, err := exists(ctx, tx,
			"SELECT COUNT(*) FROM contacts WHERE (user_id = ? AND contact_id = ?) OR (user_id = ? AND contact_id = ?)",
			ownerID, contactID, contactID, ownerID,
		)
		if err != nil {
			return err
		}
		if ok {
			return ErrContactExists
		}

		now := time.Now().UTC().Format(timeLayout)
		const insert = "INSERT INTO contacts (user_id, contact_id, created_at) VALUES (?, ?, ?)"
		if _, err := tx.ExecContext(ctx, insert, ownerID, contactID, now); err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, contactID, ownerID, now); err != nil {
			return fmt.Errorf("insert reverse contact: %w", err)
		}
		return nil
	})
}

func (db *DB) ContactExists(ctx context.Context, ownerID, contactID int64) (bool, error) {
	return exists(ctx, db.conn, "SELECT COUNT(*) FROM contacts WHERE user_id = ? AND contact_id = ?", ownerID, contactID)
}

// ContactsWithPreview lists the owner's contacts ordered by username, each
// with the latest message of the pair and the owner's unread count.
func (db *DB) ContactsWithPreview(ctx context.Context, ownerID int64) ([]models.ContactPreview, error) {
	query := `
		SELECT u.id, u.username, u.email, u.password, u.created_at,
			m.id, m.sender_id, m.receiver_id, m.content, m.type, m.is_read, m.timestamp,
			(SELECT COUNT(*) FROM messages x
				WHERE x.sender_id = c.contact_id AND x.receiver_id = c.user_id AND x.is_read = 0)
		FROM contacts c
		JOIN users u ON u.id = c.contact_id
		LEFT JOIN messages m ON m.id = (
			SELECT y.id FROM messages y
			WHERE (y.sender_id = c.user_id AND y.receiver_id = c.contact_id)
				OR (y.sender_id = c.contact_id AND y.receiver_id = c.user_id)
			ORDER BY julianday(y.timestamp) DESC, y.id DESC
			LIMIT 1
		)
		WHERE c.user_id = ?
		ORDER BY u.username, u.id
	`

	rows, err := db.conn.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	contacts := []models.ContactPreview{}
	for rows.Next() {
		var (
			p         models.ContactPreview
			createdAt string
			msgID     sql.NullInt64
			sender    sql.NullInt64
			receiver  sql.NullInt64
			content   sql.NullString
			msgType   sql.NullString
			read      sql.NullBool
			timestamp sql.NullString
		)
		if err := rows.Scan(
			&p.Contact.ID, &p.Contact.Username, &p.Contact.Email, &p.Contact.PasswordHash, &createdAt,
			&msgID, &sender, &receiver, &content, &msgType, &read, &timestamp,
			&p.UnreadCount,
		); err != nil {
			return nil, err
		}
		p.Contact.CreatedAt, _ = time.Parse(timeLayout, createdAt)

		if msgID.Valid {
			p.LastMessage = &models.Message{
				ID:         msgID.Int64,
				SenderID:   sender.Int64,
				ReceiverID: receiver.Int64,
				Content:    content.String,
				Type:       models.MessageType(msgType.String),
				Read:       read.Bool,
				Timestamp:  timestamp.String,
			}
		}
		contacts = append(contacts, p)
	}

	return contacts, rows.Err()
}

// Message methods

// AddMessage persists msg with read=false and returns the assigned id.
func (db *DB) AddMessage(ctx context.Context, msg *models.Message) (int64, error) {
	if msg.Type == "" {
		msg.Type = models.MessageText
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []int64{msg.SenderID, msg.ReceiverID} {
			ok, err := exists(ctx, tx, "SELECT COUNT(*) FROM users WHERE id = ?", id)
			if err != nil {
				return err
			}
			if !ok {
				return ErrUserNotFound
			}
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO messages (sender_id, receiver_id, content, type, is_read, timestamp) VALUES (?, ?, ?, ?, 0, ?)",
			msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Type), msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	msg.Read = false
	return msg.ID, nil
}

// GetChatHistory returns every message exchanged between the two users in
// either direction, oldest first.
func (db *DB) GetChatHistory(ctx context.Context, userID, contactID int64) ([]models.Message, error) {
	query := `
		SELECT m.id, m.sender_id, m.receiver_id, u.username, m.content, m.type, m.is_read, m.timestamp
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE (m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY julianday(m.timestamp) ASC, m.id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, userID, contactID, contactID, userID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var msgType string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.SenderName, &m.Content, &msgType, &m.Read, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Type = models.MessageType(msgType)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MarkRead flags every unread message from senderID to receiverID as read
// and reports how many rows changed.
func (db *DB) MarkRead(ctx context.Context, senderID, receiverID int64) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = 1 WHERE sender_id = ? AND receiver_id = ? AND is_read = 0",
		senderID, receiverID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return result.RowsAffected()
}
