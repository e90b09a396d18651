// Package protocol defines the newline-delimited JSON wire format spoken
// between clients and the server: request variants decoded from a line,
// response and push shapes, and the framing codec.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	ActionLogin          = "login"
	ActionRegister       = "register"
	ActionGetContacts    = "getContacts"
	ActionGetChatHistory = "getChatHistory"
	ActionSendMessage    = "sendMessage"
	ActionAddContact     = "addContact"

	// ActionMessage tags a push frame delivered to an online receiver.
	ActionMessage = "message"
)

var (
	ErrInvalidJSON  = errors.New("invalid JSON")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field")
)

// SyntaxError reports a line that is not a JSON object.
type SyntaxError struct {
	Reason string
}

func (e *SyntaxError) Error() string { return "Invalid JSON: " + e.Reason }
func (e *SyntaxError) Unwrap() error { return ErrInvalidJSON }

// FieldError names the request field that failed validation.
type FieldError struct {
	Action string
	Field  string
	Err    error // ErrMissingField or ErrInvalidField
	Want   string
}

func (e *FieldError) Error() string {
	if errors.Is(e.Err, ErrMissingField) {
		return "Missing required field: " + e.Field
	}
	return fmt.Sprintf("Invalid field %s: expected %s", e.Field, e.Want)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Request is one decoded client request. The concrete type identifies the
// action; Unknown carries any action name without a handler.
type Request interface {
	Action() string
}

type Login struct {
	Username string // username or email
	Password string // client-side hash
}

type Register struct {
	Username string
	Email    string
	Password string
}

type GetContacts struct {
	UserID int64
}

type GetChatHistory struct {
	UserID    int64
	ContactID int64
}

type SendMessage struct {
	SenderID   int64
	ReceiverID int64
	Content    string
	Type       string
	Timestamp  string

	// Fields holds every field of the original request so the push frame
	// can echo what the sender supplied.
	Fields map[string]json.RawMessage
}

type AddContact struct {
	UserID          int64
	ContactUsername string
}

type Unknown struct {
	Name string
}

func (Login) Action() string          { return ActionLogin }
func (Register) Action() string       { return ActionRegister }
func (GetContacts) Action() string    { return ActionGetContacts }
func (GetChatHistory) Action() string { return ActionGetChatHistory }
func (SendMessage) Action() string    { return ActionSendMessage }
func (AddContact) Action() string     { return ActionAddContact }
func (u Unknown) Action() string      { return u.Name }

// ParseRequest decodes one frame. It returns *SyntaxError when the line is
// not a JSON object and *FieldError when a known action is missing a
// required field or carries one of the wrong type. In the latter case the
// partially filled variant is returned alongside the error so the caller
// can still tag its error response with the action.
func ParseRequest(line []byte) (Request, error) {
	var f fields
	if err := json.Unmarshal(line, &f); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &SyntaxError{Reason: "request must be a JSON object"}
		}
		return nil, &SyntaxError{Reason: err.Error()}
	}
	if f == nil {
		return nil, &SyntaxError{Reason: "request must be a JSON object"}
	}

	action, _ := f.optString("action")
	p := parser{action: action, f: f}

	switch action {
	case ActionLogin:
		req := Login{
			Username: p.str("username"),
			Password: p.str("password"),
		}
		return req, p.err
	case ActionRegister:
		req := Register{
			Username: p.str("username"),
			Email:    p.str("email"),
			Password: p.str("password"),
		}
		return req, p.err
	case ActionGetContacts:
		req := GetContacts{UserID: p.id("userId")}
		return req, p.err
	case ActionGetChatHistory:
		req := GetChatHistory{
			UserID:    p.id("userId"),
			ContactID: p.id("contactId"),
		}
		return req, p.err
	case ActionSendMessage:
		req := SendMessage{
			SenderID:   p.id("senderId"),
			ReceiverID: p.id("receiverId"),
			Content:    p.str("content"),
			Type:       p.optStr("type"),
			Timestamp:  p.optStr("timestamp"),
			Fields:     f,
		}
		return req, p.err
	case ActionAddContact:
		req := AddContact{
			UserID:          p.id("userId"),
			ContactUsername: p.str("contactUsername"),
		}
		return req, p.err
	default:
		return Unknown{Name: action}, nil
	}
}

// Push builds the frame delivered to the receiver of a stored message: the
// sender's original fields plus the action tag, the assigned id, and the
// content, type and timestamp actually stored. Echoed fields are re-encoded
// when they hold invalid UTF-8.
func (m SendMessage) Push(id int64, msgType, timestamp string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m.Fields)+2)
	for k, v := range m.Fields {
		if !utf8.Valid(v) {
			var decoded any
			if err := json.Unmarshal(v, &decoded); err != nil {
				continue
			}
			v = mustRaw(decoded)
		}
		out[k] = v
	}
	out["action"] = mustRaw(ActionMessage)
	out["content"] = mustRaw(m.Content)
	out["id"] = mustRaw(id)
	out["type"] = mustRaw(msgType)
	out["timestamp"] = mustRaw(timestamp)
	return out
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

type fields map[string]json.RawMessage

func (f fields) optString(name string) (string, bool) {
	raw, ok := f[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// parser extracts typed fields and keeps the first validation failure.
type parser struct {
	action string
	f      fields
	err    error
}

func (p *parser) fail(field string, err error, want string) {
	if p.err == nil {
		p.err = &FieldError{Action: p.action, Field: field, Err: err, Want: want}
	}
}

func (p *parser) raw(name string) (json.RawMessage, bool) {
	raw, ok := p.f[name]
	if !ok || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

func (p *parser) str(name string) string {
	raw, ok := p.raw(name)
	if !ok {
		p.fail(name, ErrMissingField, "")
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		p.fail(name, ErrInvalidField, "string")
		return ""
	}
	if s == "" {
		p.fail(name, ErrMissingField, "")
	}
	return s
}

func (p *parser) optStr(name string) string {
	raw, ok := p.raw(name)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		p.fail(name, ErrInvalidField, "string")
		return ""
	}
	return s
}

func (p *parser) id(name string) int64 {
	raw, ok := p.raw(name)
	if !ok {
		p.fail(name, ErrMissingField, "")
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil || n <= 0 {
		p.fail(name, ErrInvalidField, "positive integer")
		return 0
	}
	return n
}

// ServerTimestampLayout formats timestamps the server assigns itself.
const ServerTimestampLayout = "2006-01-02T15:04:05Z"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// ValidTimestamp reports whether s is an ISO-8601 date-time the store can
// order by.
func ValidTimestamp(s string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// NormalizeTimestamp returns s unchanged when valid, otherwise now in UTC.
func NormalizeTimestamp(s string, now time.Time) string {
	if s != "" && ValidTimestamp(s) {
		return s
	}
	return now.UTC().Format(ServerTimestampLayout)
}
