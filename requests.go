package telesession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
)

// SendText sends a text message to a chat.
type SendText struct {
	ChatID int64
	Text   string
	// ReplyTo is the message to reply to, or 0.
	ReplyTo int
}

// EditText replaces the text of a message sent by the bot.
type EditText struct {
	ChatID    int64
	MessageID int
	Text      string
}

// DeleteMessages deletes messages from a chat.
type DeleteMessages struct {
	ChatID     int64
	MessageIDs []int
}

// AnswerCallback answers a callback query with a toast or an alert.
type AnswerCallback struct {
	QueryID   int64
	Text      string
	Alert     bool
	CacheTime time.Duration
}

// RawRequest runs arbitrary calls against the MTProto API.
type RawRequest func(ctx context.Context, api *tg.Client) error

// sendRequest is the RequestFunc bound into every session. It returns
// immediately; the request runs on its own goroutine.
func (b *Bot) sendRequest(ctx context.Context, tag SessionTag, req Request) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
		defer cancel()

		if err := b.Invoke(ctx, req); err != nil {
			b.config.Logger.Error("request failed",
				"session", tag.String(),
				"request", fmt.Sprintf("%T", req),
				"error", err)
		}
	}()
}

// Invoke performs req and waits for the result.
func (b *Bot) Invoke(ctx context.Context, req Request) error {
	api := b.api.Load()
	if api == nil {
		return ErrBotNotRunning
	}

	switch r := req.(type) {
	case SendText:
		peer, err := b.peers.input(r.ChatID)
		if err != nil {
			return err
		}
		builder := message.NewSender(api).To(peer)
		if r.ReplyTo != 0 {
			_, err = builder.Reply(r.ReplyTo).Text(ctx, r.Text)
		} else {
			_, err = builder.Text(ctx, r.Text)
		}
		return err

	case EditText:
		peer, err := b.peers.input(r.ChatID)
		if err != nil {
			return err
		}
		_, err = api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
			Peer:    peer,
			ID:      r.MessageID,
			Message: r.Text,
		})
		return err

	case DeleteMessages:
		peer, err := b.peers.input(r.ChatID)
		if err != nil {
			return err
		}
		if ch, ok := peer.(*tg.InputPeerChannel); ok {
			_, err = api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
				ID:      r.MessageIDs,
			})
			return err
		}
		_, err = api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
			Revoke: true,
			ID:     r.MessageIDs,
		})
		return err

	case AnswerCallback:
		_, err := api.MessagesSetBotCallbackAnswer(ctx, &tg.MessagesSetBotCallbackAnswerRequest{
			QueryID:   r.QueryID,
			Message:   r.Text,
			Alert:     r.Alert,
			CacheTime: int(r.CacheTime / time.Second),
		})
		return err

	case RawRequest:
		return r(ctx, api)
	}

	return fmt.Errorf("%w: %T", ErrUnknownRequest, req)
}

// peerCache remembers input peers (with access hashes) seen in updates so
// requests can address chats by ID alone. Keys are the same TDLib-style ids
// that Chat.ID carries.
type peerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

func newPeerCache() *peerCache {
	return &peerCache{peers: make(map[int64]tg.InputPeerClass)}
}

func (c *peerCache) remember(e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, u := range e.Users {
		c.peers[id] = &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
	}
	for id := range e.Chats {
		c.peers[chatPeerID(id)] = &tg.InputPeerChat{ChatID: id}
	}
	for id, ch := range e.Channels {
		c.peers[channelPeerID(id)] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
	}
}

func (c *peerCache) input(id int64) (tg.InputPeerClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peer, ok := c.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	return peer, nil
}
