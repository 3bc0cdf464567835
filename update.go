package telesession

import (
	"fmt"
	"time"
)

// Kind identifies the payload variant carried by an Update.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindEditedMessage
	KindChannelPost
	KindCallbackQuery
	KindInlineQuery
	KindChosenInlineResult
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEditedMessage:
		return "edited_message"
	case KindChannelPost:
		return "channel_post"
	case KindCallbackQuery:
		return "callback_query"
	case KindInlineQuery:
		return "inline_query"
	case KindChosenInlineResult:
		return "chosen_inline_result"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Payload is the closed set of update contents. Only types declared in this
// package implement it.
type Payload interface {
	Kind() Kind
	sealed()
}

// Message is a new message in a private chat or group.
type Message struct {
	ID   int
	Text string
	// ReplyTo is the ID of the message this one replies to, or 0.
	ReplyTo int
	// GroupedID is set for messages that belong to an album.
	GroupedID int64
}

func (*Message) Kind() Kind { return KindMessage }
func (*Message) sealed()    {}

// EditedMessage is a new version of a previously seen message.
type EditedMessage struct {
	Message
}

func (*EditedMessage) Kind() Kind { return KindEditedMessage }
func (*EditedMessage) sealed()    {}

// ChannelPost is a message posted to a channel. Channel posts usually carry
// no sender.
type ChannelPost struct {
	Message
}

func (*ChannelPost) Kind() Kind { return KindChannelPost }
func (*ChannelPost) sealed()    {}

// CallbackQuery is an inline keyboard button press.
type CallbackQuery struct {
	ID        int64
	Data      string
	MessageID int
}

func (*CallbackQuery) Kind() Kind { return KindCallbackQuery }
func (*CallbackQuery) sealed()    {}

// InlineQuery is a query typed after the bot's username in any chat.
type InlineQuery struct {
	ID     int64
	Query  string
	Offset string
}

func (*InlineQuery) Kind() Kind { return KindInlineQuery }
func (*InlineQuery) sealed()    {}

// ChosenInlineResult reports which inline result a user picked.
type ChosenInlineResult struct {
	ResultID string
	Query    string
}

func (*ChosenInlineResult) Kind() Kind { return KindChosenInlineResult }
func (*ChosenInlineResult) sealed()    {}

// ChatType is the type of a chat.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Chat identifies the chat an update belongs to.
type Chat struct {
	// ID follows the Bot API convention: private chats carry the user id,
	// basic groups -id and channels -1000000000000-id.
	ID    int64
	Type  ChatType
	Title string
}

// User identifies the sender of an update.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

// Update is one parsed inbound event. It is treated as immutable once
// handed to the Dispatcher.
type Update struct {
	// Seq increases monotonically over the update stream.
	Seq int64

	// Chat is nil for events that are not bound to a chat (inline queries).
	Chat *Chat

	// From is nil for events without a sender (channel posts).
	From *User

	Payload Payload

	Time time.Time

	// Raw is the platform value the update was parsed from.
	Raw any
}

// Kind returns the payload kind, or KindUnknown for an empty update.
func (u Update) Kind() Kind {
	if u.Payload == nil {
		return KindUnknown
	}
	return u.Payload.Kind()
}

// ChatID returns the chat identifier if the update carries one.
func (u Update) ChatID() (int64, bool) {
	if u.Chat == nil {
		return 0, false
	}
	return u.Chat.ID, true
}

// UserID returns the sender identifier if the update carries one.
func (u Update) UserID() (int64, bool) {
	if u.From == nil {
		return 0, false
	}
	return u.From.ID, true
}

// Text returns the textual content routes match against: message text,
// callback data or the inline query string.
func (u Update) Text() (string, bool) {
	switch p := u.Payload.(type) {
	case *Message:
		return p.Text, true
	case *EditedMessage:
		return p.Text, true
	case *ChannelPost:
		return p.Text, true
	case *CallbackQuery:
		return p.Data, true
	case *InlineQuery:
		return p.Query, true
	case *ChosenInlineResult:
		return p.Query, true
	case nil:
		return "", false
	default:
		panic(fmt.Sprintf("telesession: unhandled payload %T", p))
	}
}

// key returns the identity index key for the given scope.
func (u Update) key(scope Scope) (int64, bool) {
	switch scope {
	case ScopeChat:
		return u.ChatID()
	case ScopeUser:
		return u.UserID()
	}
	return 0, false
}
