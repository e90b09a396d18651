package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messenger/db"
	"messenger/models"
	"messenger/protocol"
)

func (s *Server) handleFrame(ctx context.Context, c *client, frame []byte) {
	req, err := protocol.ParseRequest(frame)
	if err != nil {
		var fieldErr *protocol.FieldError
		action := ""
		if errors.As(err, &fieldErr) {
			action = responseAction(fieldErr.Action)
		}
		c.log.Debug("rejected request", "err", err)
		s.metrics.observe(metricAction(req), protocol.StatusError, 0)
		s.reply(c, protocol.Error(action, err.Error()))
		return
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "messenger.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messenger.action", metricAction(req)),
			attribute.String("messenger.conn", c.id),
		),
	)
	resp := s.dispatch(ctx, c, req)
	status := protocol.StatusSuccess
	if e, ok := resp.(protocol.ErrorResponse); ok {
		status = protocol.StatusError
		span.SetStatus(codes.Error, e.Message)
	}
	span.End()

	s.metrics.observe(metricAction(req), status, time.Since(start))
	s.reply(c, resp)
}

// dispatch routes a decoded request to its handler and returns the
// response for the calling connection.
func (s *Server) dispatch(ctx context.Context, c *client, req protocol.Request) any {
	if s.config.StrictAuth {
		if resp, ok := s.checkAuth(c, req); !ok {
			return resp
		}
	}

	switch r := req.(type) {
	case protocol.Login:
		return s.handleLogin(ctx, c, r)
	case protocol.Register:
		return s.handleRegister(ctx, c, r)
	case protocol.GetContacts:
		return s.handleGetContacts(ctx, c, r)
	case protocol.GetChatHistory:
		return s.handleGetChatHistory(ctx, c, r)
	case protocol.SendMessage:
		return s.handleSendMessage(ctx, c, r)
	case protocol.AddContact:
		return s.handleAddContact(ctx, c, r)
	default:
		return protocol.Error("", "Unknown action: "+req.Action())
	}
}

// checkAuth enforces strict-auth mode: the connection must be logged in
// and may only act as its own user.
func (s *Server) checkAuth(c *client, req protocol.Request) (protocol.ErrorResponse, bool) {
	var actor int64
	switch r := req.(type) {
	case protocol.Login, protocol.Register, protocol.Unknown:
		return protocol.ErrorResponse{}, true
	case protocol.GetContacts:
		actor = r.UserID
	case protocol.GetChatHistory:
		actor = r.UserID
	case protocol.SendMessage:
		actor = r.SenderID
	case protocol.AddContact:
		actor = r.UserID
	}

	action := responseAction(req.Action())
	if c.state != StateAuthenticated {
		return protocol.Error(action, "Not authenticated"), false
	}
	if actor != c.userID {
		return protocol.Error(action, "Permission denied"), false
	}
	return protocol.ErrorResponse{}, true
}

func (s *Server) handleLogin(ctx context.Context, c *client, req protocol.Login) any {
	user, err := s.store.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, db.ErrNotFound) {
		c.log.Info("login failed", "username", req.Username)
		return protocol.Error("", "Invalid username or password")
	}
	if err != nil {
		c.log.Error("login error", "err", err)
		return protocol.Error("", "Login failed")
	}

	s.sessions.Bind(user.ID, c)
	c.state = StateAuthenticated
	c.userID = user.ID
	c.log = c.base.With("user_id", user.ID)
	c.log.Info("user logged in", "username", user.Username)

	return protocol.LoginResponse{
		Status: protocol.StatusSuccess,
		User:   protocol.NewUserInfo(user),
	}
}

func (s *Server) handleRegister(ctx context.Context, c *client, req protocol.Register) any {
	id, err := s.store.CreateUser(ctx, req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, db.ErrUsernameTaken):
		return protocol.Error("", "Username already exists")
	case errors.Is(err, db.ErrEmailTaken):
		return protocol.Error("", "Email already in use")
	case err != nil:
		c.log.Error("register error", "username", req.Username, "err", err)
		return protocol.Error("", "Failed to register user")
	}

	c.log.Info("user registered", "username", req.Username, "new_user_id", id)
	return protocol.RegisterResponse{
		Status:  protocol.StatusSuccess,
		Message: "User registered successfully",
	}
}

func (s *Server) handleGetContacts(ctx context.Context, c *client, req protocol.GetContacts) any {
	previews, err := s.store.ContactsWithPreview(ctx, req.UserID)
	if err != nil {
		c.log.Error("get contacts error", "for_user", req.UserID, "err", err)
		return protocol.Error(protocol.ActionGetContacts, "Failed to load contacts")
	}

	contacts := make([]protocol.ContactEntry, 0, len(previews))
	for _, p := range previews {
		contacts = append(contacts, protocol.NewContactEntry(p))
	}

	return protocol.ContactsResponse{
		Status:   protocol.StatusSuccess,
		Action:   protocol.ActionGetContacts,
		Contacts: contacts,
	}
}

// handleGetChatHistory returns the conversation and then marks everything
// the contact sent to the requesting user as read. The returned entries
// carry the read flags as they were before marking.
func (s *Server) handleGetChatHistory(ctx context.Context, c *client, req protocol.GetChatHistory) any {
	history, err := s.store.GetChatHistory(ctx, req.UserID, req.ContactID)
	if err != nil {
		c.log.Error("chat history error", "for_user", req.UserID, "contact_id", req.ContactID, "err", err)
		return protocol.Error(protocol.ActionGetChatHistory, "Failed to load chat history")
	}

	if _, err := s.store.MarkRead(ctx, req.ContactID, req.UserID); err != nil {
		c.log.Error("mark read error", "for_user", req.UserID, "contact_id", req.ContactID, "err", err)
	}

	messages := make([]protocol.HistoryEntry, 0, len(history))
	for _, m := range history {
		messages = append(messages, protocol.NewHistoryEntry(m))
	}

	return protocol.HistoryResponse{
		Status:   protocol.StatusSuccess,
		Action:   protocol.ActionGetChatHistory,
		Messages: messages,
	}
}

func (s *Server) handleSendMessage(ctx context.Context, c *client, req protocol.SendMessage) any {
	msg := &models.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       models.MessageType(req.Type),
		Timestamp:  protocol.NormalizeTimestamp(req.Timestamp, s.now()),
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}

	id, err := s.store.AddMessage(ctx, msg)
	if errors.Is(err, db.ErrUserNotFound) {
		return protocol.Error(protocol.ActionSendMessage, "User not found")
	}
	if err != nil {
		c.log.Error("send message error", "sender_id", req.SenderID, "receiver_id", req.ReceiverID, "err", err)
		return protocol.Error(protocol.ActionSendMessage, "Failed to send message")
	}

	s.deliver(c, msg, req.Push(id, string(msg.Type), msg.Timestamp))

	c.log.Debug("message sent", "message_id", id, "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID)
	return protocol.SendMessageResponse{
		Status:    protocol.StatusSuccess,
		Action:    protocol.ActionSendMessage,
		MessageID: id,
	}
}

// deliver pushes a stored message to the receiver if they are online. An
// offline receiver is not an error; the message waits in the store.
func (s *Server) deliver(from *client, msg *models.Message, push any) {
	conn, ok := s.sessions.ConnectionFor(msg.ReceiverID)
	if !ok {
		s.metrics.Pushes.WithLabelValues("offline").Inc()
		return
	}

	if err := conn.Send(push); err != nil {
		s.metrics.Pushes.WithLabelValues("failed").Inc()
		from.log.Warn("push failed", "receiver_id", msg.ReceiverID, "receiver_conn", conn.ID(), "err", err)
		return
	}
	s.metrics.Pushes.WithLabelValues("delivered").Inc()
}

func (s *Server) handleAddContact(ctx context.Context, c *client, req protocol.AddContact) any {
	const action = protocol.ActionAddContact

	contact, err := s.store.GetUserByUsername(ctx, req.ContactUsername)
	if errors.Is(err, db.ErrNotFound) {
		return protocol.Error(action, "User not found")
	}
	if err != nil {
		c.log.Error("add contact lookup error", "contact_username", req.ContactUsername, "err", err)
		return protocol.Error(action, "Failed to add contact")
	}

	if contact.ID == req.UserID {
		return protocol.Error(action, "Cannot add yourself as contact")
	}

	exists, err := s.store.ContactExists(ctx, req.UserID, contact.ID)
	if err != nil {
		c.log.Error("add contact check error", "err", err)
		return protocol.Error(action, "Failed to add contact")
	}
	if exists {
		return protocol.Error(action, "User is already a contact")
	}

	err = s.store.AddContact(ctx, req.UserID, contact.ID)
	switch {
	case errors.Is(err, db.ErrContactExists):
		return protocol.Error(action, "User is already a contact")
	case errors.Is(err, db.ErrUserNotFound):
		return protocol.Error(action, "User not found")
	case errors.Is(err, db.ErrSelfContact):
		return protocol.Error(action, "Cannot add yourself as contact")
	case err != nil:
		c.log.Error("add contact error", "contact_id", contact.ID, "err", err)
		return protocol.Error(action, "Failed to add contact")
	}

	c.log.Info("contact added", "owner_id", req.UserID, "contact_id", contact.ID)
	return protocol.AddContactResponse{
		Status:  protocol.StatusSuccess,
		Action:  action,
		Message: "Contact added successfully",
	}
}

// responseAction returns the action tag echoed in responses. login and
// register responses carry no action field.
func responseAction(action string) string {
	switch action {
	case protocol.ActionGetContacts, protocol.ActionGetChatHistory,
		protocol.ActionSendMessage, protocol.ActionAddContact:
		return action
	default:
		return ""
	}
}

// metricAction bounds the action label to the known set.
func metricAction(req protocol.Request) string {
	if req == nil {
		return "invalid"
	}
	switch req.(type) {
	case protocol.Unknown:
		return "unknown"
	default:
		return req.Action()
	}
}
