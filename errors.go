package telesession

import "errors"

// Configuration errors
var (
	ErrMissingAPIID    = errors.New("telesession: API ID is required")
	ErrMissingAPIHash  = errors.New("telesession: API hash is required")
	ErrMissingBotToken = errors.New("telesession: bot token is required")
)

// Registration errors
var (
	ErrBuilderID     = errors.New("telesession: builder ID is required")
	ErrBuilderExists = errors.New("telesession: builder already registered")
	ErrInvalidScope  = errors.New("telesession: invalid session scope")
	ErrInvalidCron   = errors.New("telesession: invalid cron expression")
)

// Dispatch errors. They are reported, never returned from Dispatch itself.
var (
	ErrFactoryFailed    = errors.New("telesession: session factory failed")
	ErrSessionCollision = errors.New("telesession: session already exists")
	ErrHandlerPanicked  = errors.New("telesession: route handler panicked")
	ErrActionFailed     = errors.New("telesession: scheduled action failed")
	ErrActionPanicked   = errors.New("telesession: scheduled action panicked")
)

// Runtime errors
var (
	ErrBotNotRunning  = errors.New("telesession: bot is not running")
	ErrAlreadyRunning = errors.New("telesession: bot is already running")
	ErrUnknownPeer    = errors.New("telesession: peer not seen yet")
	ErrUnknownRequest = errors.New("telesession: unsupported request type")
)
