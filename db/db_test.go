package db

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"messenger/models"
)

// setupTestDB creates a store backed by a database file in a temp dir.
func setupTestDB(t *testing.T, driver string) *DB {
	t.Helper()

	database, err := New(Options{
		Driver:     driver,
		Path:       filepath.Join(t.TempDir(), "test.db"),
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func createUser(t *testing.T, database *DB, name string) int64 {
	t.Helper()
	id, err := database.CreateUser(context.Background(), name, name+"@example.com", "hash-"+name)
	require.NoError(t, err)
	return id
}

func addMessage(t *testing.T, database *DB, from, to int64, content, ts string) int64 {
	t.Helper()
	id, err := database.AddMessage(context.Background(), &models.Message{
		SenderID:   from,
		ReceiverID: to,
		Content:    content,
		Timestamp:  ts,
	})
	require.NoError(t, err)
	return id
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(Options{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x.db")})
	assert.Error(t, err)
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			database := setupTestDB(t, driver)

			alice := createUser(t, database, "alice")
			bob := createUser(t, database, "bob")
			require.NoError(t, database.AddContact(ctx, alice, bob))
			addMessage(t, database, alice, bob, "hi", "2025-01-01T00:00:00")

			history, err := database.GetChatHistory(ctx, bob, alice)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, "hi", history[0].Content)
			assert.Equal(t, "alice", history[0].SenderName)
			assert.NoError(t, database.Ping(ctx))
		})
	}
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")

	id, err := database.CreateUser(ctx, "alice", "alice@example.com", "abc123")
	require.NoError(t, err)
	assert.Positive(t, id)

	user, err := database.Authenticate(ctx, "alice", "abc123")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotEqual(t, "abc123", user.PasswordHash, "credential hash must be stored wrapped")
	assert.False(t, user.CreatedAt.IsZero())

	byEmail, err := database.Authenticate(ctx, "alice@example.com", "abc123")
	require.NoError(t, err)
	assert.Equal(t, id, byEmail.ID)

	_, err = database.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.Authenticate(ctx, "nobody", "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLongCredentialHash(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")

	// a hex SHA-512 digest is 128 bytes, past bcrypt's 72-byte input limit
	credential := strings.Repeat("ab", 64)
	id, err := database.CreateUser(ctx, "carol", "carol@example.com", credential)
	require.NoError(t, err)

	user, err := database.Authenticate(ctx, "carol", credential)
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)

	// differs only after byte 72, so it must not match
	_, err = database.Authenticate(ctx, "carol", credential[:127]+"c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUserDuplicates(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	createUser(t, database, "alice")

	_, err := database.CreateUser(ctx, "alice", "other@example.com", "x")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = database.CreateUser(ctx, "alice2", "alice@example.com", "x")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestCreateUserConcurrentSameUsername(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = database.CreateUser(ctx, "carol", "carol"+string(rune('a'+i))+"@example.com", "x")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrUsernameTaken)
	}
	assert.Equal(t, 1, succeeded)
}

func TestGetUser(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	id := createUser(t, database, "alice")

	user, err := database.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	user, err = database.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)

	_, err = database.GetUserByID(ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.GetUserByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddContactSymmetric(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	require.NoError(t, database.AddContact(ctx, alice, bob))

	for _, pair := range [][2]int64{{alice, bob}, {bob, alice}} {
		ok, err := database.ContactExists(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, ok, "edge %v missing", pair)
	}

	aliceContacts, err := database.ContactsWithPreview(ctx, alice)
	require.NoError(t, err)
	require.Len(t, aliceContacts, 1)
	assert.Equal(t, bob, aliceContacts[0].Contact.ID)

	bobContacts, err := database.ContactsWithPreview(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bobContacts, 1)
	assert.Equal(t, alice, bobContacts[0].Contact.ID)
}

func TestAddContactRejections(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	assert.ErrorIs(t, database.AddContact(ctx, alice, alice), ErrSelfContact)
	assert.ErrorIs(t, database.AddContact(ctx, alice, bob+50), ErrUserNotFound)

	require.NoError(t, database.AddContact(ctx, alice, bob))
	assert.ErrorIs(t, database.AddContact(ctx, alice, bob), ErrContactExists)
	assert.ErrorIs(t, database.AddContact(ctx, bob, alice), ErrContactExists)

	ok, err := database.ContactExists(ctx, alice, bob+50)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddContactConcurrentIsAtomic(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results <- database.AddContact(ctx, alice, bob)
			} else {
				results <- database.AddContact(ctx, bob, alice)
			}
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrContactExists)
	}
	assert.Equal(t, 1, succeeded)

	aliceContacts, err := database.ContactsWithPreview(ctx, alice)
	require.NoError(t, err)
	bobContacts, err := database.ContactsWithPreview(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, aliceContacts, 1)
	assert.Len(t, bobContacts, 1)
}

func TestContactsWithPreview(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")
	carol := createUser(t, database, "carol")
	bob := createUser(t, database, "bob")

	require.NoError(t, database.AddContact(ctx, alice, carol))
	require.NoError(t, database.AddContact(ctx, alice, bob))

	addMessage(t, database, bob, alice, "first", "2025-01-01T10:00:00")
	addMessage(t, database, bob, alice, "second", "2025-01-01T10:05:00")
	addMessage(t, database, alice, bob, "reply", "2025-01-01T10:10:00")

	contacts, err := database.ContactsWithPreview(ctx, alice)
	require.NoError(t, err)
	require.Len(t, contacts, 2)

	// ordered by username
	assert.Equal(t, "bob", contacts[0].Contact.Username)
	assert.Equal(t, "carol", contacts[1].Contact.Username)

	require.NotNil(t, contacts[0].LastMessage)
	assert.Equal(t, "reply", contacts[0].LastMessage.Content)
	assert.Equal(t, "2025-01-01T10:10:00", contacts[0].LastMessage.Timestamp)
	assert.Equal(t, 2, contacts[0].UnreadCount)

	assert.Nil(t, contacts[1].LastMessage)
	assert.Zero(t, contacts[1].UnreadCount)

	// bob has not received anything unread from alice
	bobContacts, err := database.ContactsWithPreview(ctx, bob)
	require.NoError(t, err)
	require.Len(t, bobContacts, 1)
	assert.Equal(t, 1, bobContacts[0].UnreadCount)
}

func TestContactsWithPreviewEmpty(t *testing.T) {
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")

	contacts, err := database.ContactsWithPreview(context.Background(), alice)
	require.NoError(t, err)
	assert.NotNil(t, contacts)
	assert.Empty(t, contacts)
}

func TestAddMessage(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	msg := &models.Message{SenderID: alice, ReceiverID: bob, Content: "hello", Timestamp: "2025-01-01T00:00:00"}
	id, err := database.AddMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, models.MessageText, msg.Type)

	fileMsg := &models.Message{SenderID: bob, ReceiverID: alice, Content: "report.pdf", Type: models.MessageFile, Timestamp: "2025-01-01T00:01:00"}
	fileID, err := database.AddMessage(ctx, fileMsg)
	require.NoError(t, err)
	assert.Greater(t, fileID, id)

	_, err = database.AddMessage(ctx, &models.Message{SenderID: alice, ReceiverID: bob + 10, Content: "x", Timestamp: "2025-01-01T00:00:00"})
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestGetChatHistoryOrderAndSymmetry(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")
	carol := createUser(t, database, "carol")

	// inserted out of chronological order, mixed zone notation
	addMessage(t, database, bob, alice, "third", "2025-01-01T12:00:00Z")
	addMessage(t, database, alice, bob, "first", "2025-01-01T10:00:00")
	addMessage(t, database, alice, bob, "second", "2025-01-01T13:00:00+02:00")
	addMessage(t, database, alice, carol, "elsewhere", "2025-01-01T09:00:00")

	history, err := database.GetChatHistory(ctx, alice, bob)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{history[0].Content, history[1].Content, history[2].Content})
	assert.Equal(t, "2025-01-01T13:00:00+02:00", history[1].Timestamp)
	assert.Equal(t, alice, history[0].SenderID)
	assert.Equal(t, "bob", history[2].SenderName)

	reversed, err := database.GetChatHistory(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, history, reversed)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t, "sqlite3")
	alice := createUser(t, database, "alice")
	bob := createUser(t, database, "bob")

	addMessage(t, database, alice, bob, "one", "2025-01-01T00:00:00")
	addMessage(t, database, alice, bob, "two", "2025-01-01T00:00:01")
	addMessage(t, database, bob, alice, "back", "2025-01-01T00:00:02")

	changed, err := database.MarkRead(ctx, alice, bob)
	require.NoError(t, err)
	assert.EqualValues(t, 2, changed)

	changed, err = database.MarkRead(ctx, alice, bob)
	require.NoError(t, err)
	assert.Zero(t, changed)

	// the other direction is untouched
	history, err := database.GetChatHistory(ctx, alice, bob)
	require.NoError(t, err)
	for _, m := range history {
		assert.Equal(t, m.SenderID == alice, m.Read, m.Content)
	}
}
