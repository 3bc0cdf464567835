// Package telesession routes Telegram updates to long-lived conversation
// sessions.
//
// A Dispatcher owns a set of session Builders. Every update is offered to
// each builder; a builder whose Match accepts it either finds the live
// session for the update's chat or user, or creates one through its
// Factory. The update is then handed to every matching session, which
// routes it through its first matching Route. Each session handles one
// update at a time.
//
// Sessions can schedule actions (one-shot, repeating or cron) that run
// under the same serialization as their handlers, keep a flood limiter,
// and time out after a period of inactivity.
//
// Basic usage:
//
//	bot, err := telesession.New(telesession.Config{
//	    APIID:    12345,
//	    APIHash:  "your-api-hash",
//	    BotToken: "your-bot-token",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = bot.Register(telesession.Builder{
//	    ID:      "chat",
//	    Scope:   telesession.ScopeChat,
//	    Timeout: 10 * time.Minute,
//	    Factory: func(ctx context.Context, s *telesession.Session, u telesession.Update) error {
//	        s.Routes().Register(telesession.Command("start"), func(ctx *telesession.Context) error {
//	            ctx.Reply("Hello!")
//	            return nil
//	        })
//	        return nil
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := bot.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// Handlers must not call Dispatch; removal requested from a handler is
// applied once the current update has been delivered.
package telesession
