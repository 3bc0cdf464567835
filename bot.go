package telesession

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"
	"golang.org/x/sync/errgroup"
)

// Bot connects a Dispatcher to Telegram over MTProto.
type Bot struct {
	config     Config
	client     *telegram.Client
	api        atomic.Pointer[tg.Client]
	dispatcher tg.UpdateDispatcher
	gaps       *updates.Manager

	engine *Dispatcher
	inbox  chan Update
	peers  *peerCache
	seq    atomic.Int64

	// Lifecycle callbacks
	onReady func(ctx context.Context)

	// State
	running atomic.Bool
	selfID  atomic.Int64
}

// New creates a new Bot with the given configuration.
func New(cfg Config) (*Bot, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.SessionDir, 0700); err != nil {
		return nil, err
	}

	bot := &Bot{
		inbox: make(chan Update, cfg.InboxSize),
		peers: newPeerCache(),
	}
	if cfg.Engine.Requester == nil {
		cfg.Engine.Requester = bot.sendRequest
	}
	bot.config = cfg
	bot.engine = NewDispatcher(cfg.Engine)

	dispatcher := tg.NewUpdateDispatcher()
	logger := cfg.zapLogger()

	gaps := updates.New(updates.Config{
		Handler: &dispatcher,
		Logger:  logger.Named("gaps"),
	})

	bot.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		Logger:        logger,
		UpdateHandler: gaps,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(gaps.Handle),
			floodWaitMiddleware{max: cfg.MaxFloodWait, logger: cfg.Logger},
		},
		Device: telegram.DeviceConfig{
			DeviceModel:    cfg.DeviceModel,
			SystemVersion:  cfg.SystemVersion,
			AppVersion:     cfg.AppVersion,
			LangCode:       cfg.LangCode,
			SystemLangCode: cfg.LangCode,
		},
		SessionStorage: &session.FileStorage{
			Path: filepath.Join(cfg.SessionDir, "session"),
		},
	})
	bot.dispatcher = dispatcher
	bot.gaps = gaps

	bot.registerDispatcherHandlers()

	return bot, nil
}

// Engine returns the session engine updates are routed through.
func (b *Bot) Engine() *Dispatcher {
	return b.engine
}

// Register adds a session builder to the engine.
func (b *Bot) Register(builder Builder) error {
	return b.engine.Register(builder)
}

// OnReady sets a callback that's called when the bot is connected and ready.
func (b *Bot) OnReady(fn func(ctx context.Context)) {
	b.onReady = fn
}

// Run starts the bot and blocks until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	return b.client.Run(ctx, func(ctx context.Context) error {
		status, err := b.client.Auth().Status(ctx)
		if err != nil {
			return err
		}
		if !status.Authorized {
			if _, err := b.client.Auth().Bot(ctx, b.config.BotToken); err != nil {
				return err
			}
		}

		self, err := b.client.Self(ctx)
		if err != nil {
			return err
		}
		b.selfID.Store(self.ID)
		api := tg.NewClient(b.client)
		b.api.Store(api)
		defer b.api.Store(nil)

		if b.onReady != nil {
			b.onReady(ctx)
		}

		b.config.Logger.Info("bot started", "id", self.ID, "username", self.Username)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return b.engine.Run(ctx, b.inbox)
		})
		g.Go(func() error {
			return b.gaps.Run(ctx, api, self.ID, updates.AuthOptions{
				OnStart: func(ctx context.Context) {
					b.config.Logger.Info("listening for updates")
				},
			})
		})
		return g.Wait()
	})
}

// API returns the raw tg.Client for advanced operations. It is nil until
// the bot is connected.
func (b *Bot) API() *tg.Client {
	return b.api.Load()
}

// SelfID returns the bot's user ID.
func (b *Bot) SelfID() int64 {
	return b.selfID.Load()
}
