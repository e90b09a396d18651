package models

import "time"

type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string // bcrypt of the client-side hash, never sent to clients
	CreatedAt    time.Time
}

type MessageType string

const (
	MessageText MessageType = "text"
	MessageFile MessageType = "file" // content is a file reference, not file data
)

type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	SenderName string // filled by history queries
	Content    string
	Type       MessageType
	Read       bool
	Timestamp  string // ISO-8601 exactly as stored
}

// ContactPreview is one row of a contact list: the contact, the latest
// message exchanged in either direction, and how many of the contact's
// messages the owner has not read yet.
type ContactPreview struct {
	Contact     User
	LastMessage *Message // nil when the pair never exchanged a message
	UnreadCount int
}
