package telesession

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EngineConfig configures a Dispatcher.
type EngineConfig struct {
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Permissions provides the permission snapshot handed to new sessions
	// and the blacklist check. Defaults to an empty Moderator.
	Permissions PermissionStore

	// BlacklistList is the permission list whose members are ignored.
	// Defaults to "blacklist".
	BlacklistList string `env:"BLACKLIST_LIST" envDefault:"blacklist"`

	// SweepInterval is how often Run removes timed out sessions while no
	// updates arrive. Defaults to 30s.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`

	// ParallelForward delivers one update to distinct sessions concurrently.
	// Each session still handles one update at a time.
	ParallelForward bool `env:"PARALLEL_FORWARD"`

	// MaxParallel bounds concurrent deliveries when ParallelForward is set.
	// Zero means no bound.
	MaxParallel int `env:"MAX_PARALLEL"`

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Requester delivers outbound requests sent through SessionTag.
	Requester RequestFunc

	// OnEvent receives session events the engine does not handle itself.
	OnEvent func(Event)

	// OnError receives every reported dispatch and scheduler error.
	OnError func(error)

	// OnFlood is called once each time a session's flood limiter crosses
	// its limit. Policy (warning, blacklisting) belongs to the callee.
	OnFlood func(s *Session, breaches int)

	// OnNoRoute is called when an update reaches a session but matches no
	// route.
	OnNoRoute func(s *Session, u Update)

	// OnSessionCreated and OnSessionRemoved observe the session lifecycle.
	OnSessionCreated func(s *Session)
	OnSessionRemoved func(s *Session, reason RemovalReason)
}

func (c *EngineConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Permissions == nil {
		c.Permissions = NewModerator()
	}
	if c.BlacklistList == "" {
		c.BlacklistList = ListBlacklist
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Config holds the configuration for the Telegram bot.
type Config struct {
	// APIID is the Telegram API ID from https://my.telegram.org
	APIID int `env:"TELEGRAM_API_ID"`

	// APIHash is the Telegram API hash from https://my.telegram.org
	APIHash string `env:"TELEGRAM_API_HASH"`

	// BotToken is the bot token from @BotFather
	BotToken string `env:"TELEGRAM_BOT_TOKEN"`

	// SessionDir is the directory for storing MTProto session data.
	// Defaults to "./session" if empty.
	SessionDir string `env:"TELESESSION_SESSION_DIR"`

	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// DeviceModel is the device model to report to Telegram.
	// Defaults to "telesession" if empty.
	DeviceModel string `env:"TELESESSION_DEVICE_MODEL"`

	// SystemVersion is the system version to report to Telegram.
	// Defaults to "1.0" if empty.
	SystemVersion string `env:"TELESESSION_SYSTEM_VERSION"`

	// AppVersion is the app version to report to Telegram.
	// Defaults to "1.0.0" if empty.
	AppVersion string `env:"TELESESSION_APP_VERSION"`

	// LangCode is the language code to report to Telegram.
	// Defaults to "en" if empty.
	LangCode string `env:"TELESESSION_LANG_CODE"`

	// InboxSize is the number of parsed updates buffered between the
	// MTProto client and the Dispatcher. Defaults to 100.
	InboxSize int `env:"TELESESSION_INBOX_SIZE"`

	// RequestTimeout bounds each outbound request. Defaults to 30s.
	RequestTimeout time.Duration `env:"TELESESSION_REQUEST_TIMEOUT"`

	// MaxFloodWait is the longest FLOOD_WAIT the client sleeps through
	// before giving up on a request. Defaults to 1m.
	MaxFloodWait time.Duration `env:"TELESESSION_MAX_FLOOD_WAIT"`

	// Verbose enables debug logging for the MTProto client.
	Verbose bool `env:"TELESESSION_VERBOSE"`

	// Engine configures the session engine.
	Engine EngineConfig `envPrefix:"TELESESSION_"`
}

// LoadConfig reads a Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.SessionDir == "" {
		c.SessionDir = "./session"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DeviceModel == "" {
		c.DeviceModel = "telesession"
	}
	if c.SystemVersion == "" {
		c.SystemVersion = "1.0"
	}
	if c.AppVersion == "" {
		c.AppVersion = "1.0.0"
	}
	if c.LangCode == "" {
		c.LangCode = "en"
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 100
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxFloodWait <= 0 {
		c.MaxFloodWait = time.Minute
	}
	if c.Engine.Logger == nil {
		c.Engine.Logger = c.Logger
	}
}

func (c *Config) validate() error {
	if c.APIID == 0 {
		return ErrMissingAPIID
	}
	if c.APIHash == "" {
		return ErrMissingAPIHash
	}
	if c.BotToken == "" {
		return ErrMissingBotToken
	}
	return nil
}

// zapLogger creates a zap logger for the MTProto client matching the
// Verbose setting.
func (c *Config) zapLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if c.Verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("mtproto")
}
