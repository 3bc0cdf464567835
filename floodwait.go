package telesession

import (
	"context"
	"log/slog"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// floodWaitMiddleware sleeps through FLOOD_WAIT errors and retries the call.
// Waits longer than max are returned to the caller.
type floodWaitMiddleware struct {
	max    time.Duration
	logger *slog.Logger
}

func (f floodWaitMiddleware) Handle(next tg.Invoker) telegram.InvokeFunc {
	return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
		for {
			err := next.Invoke(ctx, input, output)
			if err == nil {
				return nil
			}

			if d, ok := tgerr.AsFloodWait(err); ok {
				if d > f.max {
					return err
				}
				f.logger.Debug("flood wait", "duration", d)
			}

			waited, waitErr := tgerr.FloodWait(ctx, err)
			if !waited {
				return waitErr
			}
		}
	}
}
