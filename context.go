package telesession

import (
	"context"
	"log/slog"
)

// Context is passed to route handlers. It carries the update being handled
// and the session handling it.
type Context struct {
	context.Context

	update  Update
	session *Session

	// Set by the matched route.
	args   string
	groups []string
}

// Update returns the update being handled.
func (c *Context) Update() Update {
	return c.update
}

// Session returns the session handling the update.
func (c *Context) Session() *Session {
	return c.session
}

// Logger returns the session logger.
func (c *Context) Logger() *slog.Logger {
	return c.session.logger
}

// Kind returns the update payload kind.
func (c *Context) Kind() Kind {
	return c.update.Kind()
}

// Text returns the message text, callback data or inline query.
func (c *Context) Text() string {
	text, _ := c.update.Text()
	return text
}

// Args returns the text after a matched command, prefix or callback token.
func (c *Context) Args() string {
	return c.args
}

// Groups returns the submatches of a matched pattern route.
func (c *Context) Groups() []string {
	return c.groups
}

// Params parses Args against schema.
func (c *Context) Params(schema Params) (ParsedParams, error) {
	return ParseParams(c.args, schema)
}

// ChatID returns the chat the update belongs to, or 0.
func (c *Context) ChatID() int64 {
	id, _ := c.update.ChatID()
	return id
}

// SenderID returns the user who sent the update, or 0.
func (c *Context) SenderID() int64 {
	id, _ := c.update.UserID()
	return id
}

// MessageID returns the ID of the message the update refers to, or 0.
func (c *Context) MessageID() int {
	switch p := c.update.Payload.(type) {
	case *Message:
		return p.ID
	case *EditedMessage:
		return p.ID
	case *ChannelPost:
		return p.ID
	case *CallbackQuery:
		return p.MessageID
	}
	return 0
}

// Send hands a request to the outbound client.
func (c *Context) Send(req Request) {
	c.session.tag.SendRequest(c, req)
}

// SendText sends text to the current chat. Updates without a chat (inline
// queries) fall back to the sender's private chat.
func (c *Context) SendText(text string) {
	chatID := c.ChatID()
	if chatID == 0 {
		chatID = c.SenderID()
	}
	c.Send(SendText{ChatID: chatID, Text: text})
}

// Reply sends text as a reply to the current message.
func (c *Context) Reply(text string) {
	c.Send(SendText{ChatID: c.ChatID(), Text: text, ReplyTo: c.MessageID()})
}

// Answer answers the current callback query with a toast or an alert.
// It does nothing for other update kinds.
func (c *Context) Answer(text string, alert bool) {
	q, ok := c.update.Payload.(*CallbackQuery)
	if !ok {
		return
	}
	c.Send(AnswerCallback{QueryID: q.ID, Text: text, Alert: alert})
}

// Remove asks for the current session to be removed once this update has
// been handled.
func (c *Context) Remove() {
	c.session.Remove()
}
