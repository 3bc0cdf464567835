package telesession

import (
	"context"
	"time"

	"github.com/gotd/td/constant"
	"github.com/gotd/td/tg"
)

func (b *Bot) registerDispatcherHandlers() {
	b.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		return b.handleMessage(ctx, msg, e, false)
	})

	b.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		return b.handleMessage(ctx, msg, e, false)
	})

	b.dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		return b.handleMessage(ctx, msg, e, true)
	})

	b.dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		return b.handleMessage(ctx, msg, e, true)
	})

	b.dispatcher.OnBotCallbackQuery(func(ctx context.Context, e tg.Entities, u *tg.UpdateBotCallbackQuery) error {
		b.peers.remember(e)
		return b.ingest(ctx, callbackUpdate(u, e))
	})

	b.dispatcher.OnBotInlineQuery(func(ctx context.Context, e tg.Entities, u *tg.UpdateBotInlineQuery) error {
		b.peers.remember(e)
		return b.ingest(ctx, inlineQueryUpdate(u, e))
	})

	b.dispatcher.OnBotInlineSend(func(ctx context.Context, e tg.Entities, u *tg.UpdateBotInlineSend) error {
		b.peers.remember(e)
		return b.ingest(ctx, inlineSendUpdate(u, e))
	})
}

func (b *Bot) handleMessage(ctx context.Context, msg *tg.Message, e tg.Entities, edited bool) error {
	if msg.Out {
		return nil
	}
	b.peers.remember(e)
	return b.ingest(ctx, messageUpdate(msg, e, edited))
}

// ingest stamps u with the next sequence number and hands it to the
// engine, blocking while the inbox is full.
func (b *Bot) ingest(ctx context.Context, u Update) error {
	u.Seq = b.seq.Add(1)
	if u.Time.IsZero() {
		u.Time = time.Now()
	}

	select {
	case b.inbox <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func messageUpdate(msg *tg.Message, e tg.Entities, edited bool) Update {
	m := Message{
		ID:        msg.ID,
		Text:      msg.Message,
		GroupedID: msg.GroupedID,
	}
	if h, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok {
		m.ReplyTo = h.ReplyToMsgID
	}

	chat := chatFromPeer(msg.PeerID, e)

	u := Update{
		Chat: chat,
		From: messageSender(msg, e),
		Time: time.Unix(int64(msg.Date), 0),
		Raw:  msg,
	}
	if edited && msg.EditDate != 0 {
		u.Time = time.Unix(int64(msg.EditDate), 0)
	}

	switch {
	case edited:
		u.Payload = &EditedMessage{Message: m}
	case msg.Post || (chat != nil && chat.Type == ChatChannel):
		u.Payload = &ChannelPost{Message: m}
	default:
		u.Payload = &m
	}
	return u
}

func messageSender(msg *tg.Message, e tg.Entities) *User {
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		return userFromEntities(from.UserID, e)
	}
	if msg.FromID == nil {
		// Private chats omit the sender; the peer is the sender.
		if peer, ok := msg.PeerID.(*tg.PeerUser); ok {
			return userFromEntities(peer.UserID, e)
		}
	}
	return nil
}

func callbackUpdate(q *tg.UpdateBotCallbackQuery, e tg.Entities) Update {
	return Update{
		Chat: chatFromPeer(q.Peer, e),
		From: userFromEntities(q.UserID, e),
		Payload: &CallbackQuery{
			ID:        q.QueryID,
			Data:      string(q.Data),
			MessageID: q.MsgID,
		},
		Raw: q,
	}
}

func inlineQueryUpdate(q *tg.UpdateBotInlineQuery, e tg.Entities) Update {
	return Update{
		From: userFromEntities(q.UserID, e),
		Payload: &InlineQuery{
			ID:     q.QueryID,
			Query:  q.Query,
			Offset: q.Offset,
		},
		Raw: q,
	}
}

func inlineSendUpdate(s *tg.UpdateBotInlineSend, e tg.Entities) Update {
	return Update{
		From: userFromEntities(s.UserID, e),
		Payload: &ChosenInlineResult{
			ResultID: s.ID,
			Query:    s.Query,
		},
		Raw: s,
	}
}

// chatPeerID and channelPeerID map MTProto ids into the TDLib id space,
// where users are positive, basic groups are -id and channels are
// -1000000000000-id. Raw MTProto ids of different peer kinds can collide.
func chatPeerID(id int64) int64 {
	var p constant.TDLibPeerID
	p.Chat(id)
	return int64(p)
}

func channelPeerID(id int64) int64 {
	var p constant.TDLibPeerID
	p.Channel(id)
	return int64(p)
}

func chatFromPeer(peer tg.PeerClass, e tg.Entities) *Chat {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return &Chat{ID: p.UserID, Type: ChatPrivate}
	case *tg.PeerChat:
		chat := &Chat{ID: chatPeerID(p.ChatID), Type: ChatGroup}
		if c, ok := e.Chats[p.ChatID]; ok {
			chat.Title = c.Title
		}
		return chat
	case *tg.PeerChannel:
		chat := &Chat{ID: channelPeerID(p.ChannelID), Type: ChatGroup}
		if c, ok := e.Channels[p.ChannelID]; ok {
			chat.Title = c.Title
			if c.Broadcast {
				chat.Type = ChatChannel
			}
		}
		return chat
	}
	return nil
}

func userFromEntities(id int64, e tg.Entities) *User {
	u, ok := e.Users[id]
	if !ok {
		return &User{ID: id}
	}
	return &User{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.Bot,
	}
}
