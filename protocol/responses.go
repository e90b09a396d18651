package protocol

import "messenger/models"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type ErrorResponse struct {
	Status  string `json:"status"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}

func Error(action, message string) ErrorResponse {
	return ErrorResponse{Status: StatusError, Action: action, Message: message}
}

type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type LoginResponse struct {
	Status string   `json:"status"`
	User   UserInfo `json:"user"`
}

type RegisterResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ContactEntry struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	LastMessage     string `json:"lastMessage"`
	LastMessageTime string `json:"lastMessageTime"`
	UnreadCount     int    `json:"unreadCount"`
}

type ContactsResponse struct {
	Status   string         `json:"status"`
	Action   string         `json:"action"`
	Contacts []ContactEntry `json:"contacts"`
}

type HistoryEntry struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	Read       bool   `json:"read"`
	Timestamp  string `json:"timestamp"`
}

type HistoryResponse struct {
	Status   string         `json:"status"`
	Action   string         `json:"action"`
	Messages []HistoryEntry `json:"messages"`
}

type SendMessageResponse struct {
	Status    string `json:"status"`
	Action    string `json:"action"`
	MessageID int64  `json:"messageId"`
}

type AddContactResponse struct {
	Status  string `json:"status"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

func NewUserInfo(u *models.User) UserInfo {
	return UserInfo{ID: u.ID, Username: u.Username, Email: u.Email}
}

func NewContactEntry(p models.ContactPreview) ContactEntry {
	entry := ContactEntry{
		ID:          p.Contact.ID,
		Username:    p.Contact.Username,
		UnreadCount: p.UnreadCount,
	}
	if p.LastMessage != nil {
		entry.LastMessage = p.LastMessage.Content
		entry.LastMessageTime = p.LastMessage.Timestamp
	}
	return entry
}

func NewHistoryEntry(m models.Message) HistoryEntry {
	return HistoryEntry{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Type:       string(m.Type),
		Read:       m.Read,
		Timestamp:  m.Timestamp,
	}
}
