// Command telesession-echo runs a small bot on the session engine. Every
// chat gets a session that echoes text, every user gets a session that can
// set reminders, and a per-user guard blacklists senders that keep flooding.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"

	"github.com/en9inerd/telesession"
	"github.com/en9inerd/telesession/postgres"
)

type options struct {
	DatabaseURL string  `env:"DATABASE_URL"`
	AdminIDs    []int64 `env:"ADMIN_IDS" envSeparator:","`
	LogLevel    string  `env:"LOG_LEVEL" envDefault:"info"`
}

// store is what the bot needs from a permission backend.
type store interface {
	telesession.PermissionStore
	Add(ctx context.Context, list string, userIDs ...int64) error
}

type moderatorStore struct{ *telesession.Moderator }

func (m moderatorStore) Add(_ context.Context, list string, userIDs ...int64) error {
	m.Moderator.Add(list, userIDs...)
	return nil
}

var reminderParams = telesession.Params{
	"minutes": {Type: telesession.TypeInt, Position: 1, Required: true},
	"note":    {Type: telesession.TypeString, Position: 2, Default: "reminder"},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	if err := env.Parse(&opts); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		return fmt.Errorf("parsing LOG_LEVEL: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	perms, closeStore, err := openStore(ctx, opts.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	if len(opts.AdminIDs) > 0 {
		if err := perms.Add(ctx, telesession.ListAdmin, opts.AdminIDs...); err != nil {
			return err
		}
	}

	cfg, err := telesession.LoadConfig()
	if err != nil {
		return err
	}
	cfg.Logger = logger
	cfg.Engine.Permissions = perms
	cfg.Engine.OnFlood = blacklistFlooders(perms)

	bot, err := telesession.New(cfg)
	if err != nil {
		return err
	}

	if err := bot.Register(chatBuilder()); err != nil {
		return err
	}
	if err := bot.Register(userBuilder()); err != nil {
		return err
	}
	if err := bot.Register(guardBuilder()); err != nil {
		return err
	}

	return bot.Run(ctx)
}

// blacklistFlooders returns an OnFlood callback that blacklists the sender
// behind a user session once its limiter has tripped too often.
func blacklistFlooders(perms store) func(*telesession.Session, int) {
	return func(s *telesession.Session, breaches int) {
		// Only user sessions are keyed by a sender id.
		if s.Scope() != telesession.ScopeUser || !s.Flood().ReachedLimit() {
			return
		}
		if err := perms.Add(context.Background(), telesession.ListBlacklist, s.ID()); err != nil {
			s.Logger().Error("blacklisting failed", "error", err)
			return
		}
		s.Logger().Warn("blacklisted after repeated flooding", "breaches", breaches)
		s.Remove()
	}
}

func openStore(ctx context.Context, url string) (store, func(), error) {
	if url == "" {
		return moderatorStore{telesession.NewModerator()}, func() {}, nil
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	s := postgres.New(db, postgres.Config{})
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, func() { _ = db.Close() }, nil
}

func chatBuilder() telesession.Builder {
	return telesession.Builder{
		ID:      "echo",
		Scope:   telesession.ScopeChat,
		Timeout: 30 * time.Minute,
		Factory: func(_ context.Context, s *telesession.Session, _ telesession.Update) error {
			s.Routes().Register(telesession.Command("start"), func(ctx *telesession.Context) error {
				ctx.Reply("Hi! Send me anything and I will repeat it. /remind <minutes> [note] sets a reminder.")
				return nil
			})
			s.Routes().Register(telesession.Command("stop"), func(ctx *telesession.Context) error {
				ctx.Reply("Bye.")
				ctx.Remove()
				return nil
			})
			// Handled by the user's reminders session.
			s.Routes().Register(telesession.Command("remind"), func(*telesession.Context) error { return nil })
			s.Routes().Register(telesession.OnKind(telesession.KindMessage), func(ctx *telesession.Context) error {
				if ctx.Text() != "" {
					ctx.SendText(ctx.Text())
				}
				return nil
			})
			return nil
		},
	}
}

func userBuilder() telesession.Builder {
	return telesession.Builder{
		ID:                    "reminders",
		Scope:                 telesession.ScopeUser,
		Match:                 telesession.Command("remind").Matches,
		Timeout:               24 * time.Hour,
		CancelEventsOnRemoval: true,
		Factory: func(_ context.Context, s *telesession.Session, _ telesession.Update) error {
			s.Routes().Register(telesession.Command("remind"), func(ctx *telesession.Context) error {
				params, err := ctx.Params(reminderParams)
				if err != nil {
					ctx.Reply("Usage: /remind <minutes> [note]\n" + err.Error())
					return nil
				}

				chatID := ctx.ChatID()
				note := params.String("note")
				delay := time.Duration(params.Int("minutes")) * time.Minute
				s.Schedule().After(delay, func(ctx context.Context) error {
					s.Tag().SendRequest(ctx, telesession.SendText{ChatID: chatID, Text: "⏰ " + note})
					return nil
				})
				ctx.Reply(fmt.Sprintf("OK, in %s.", delay))
				return nil
			})
			return nil
		},
	}
}

// guardBuilder tracks every sender's update rate. It registers no routes;
// its sessions only feed the flood limiter.
func guardBuilder() telesession.Builder {
	return telesession.Builder{
		ID:      "guard",
		Scope:   telesession.ScopeUser,
		Timeout: 10 * time.Minute,
		Flood:   telesession.FloodConfig{Limit: 10, Decay: 1, MaxBreaches: 3},
	}
}
