// Package ingest feeds events from network and file sources into the
// dispatcher. Every source decodes the same JSON event shape and submits
// through the Submitter interface.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"iotsentry/internal/dispatch"
	"iotsentry/internal/model"
)

type Submitter interface {
	Submit(ev model.Event) error
}

// submit hands the event over, dropping it with a warning if the
// dispatcher has already begun shutdown.
func submit(sub Submitter, ev model.Event, source string, logger *slog.Logger) bool {
	err := sub.Submit(ev)
	if err == nil {
		return true
	}
	if logger != nil {
		if errors.Is(err, dispatch.ErrStopped) {
			logger.Warn("event rejected, dispatcher stopped", "source", source, "source_id", ev.SourceID)
		} else {
			logger.Warn("event submit failed", "source", source, "err", err)
		}
	}
	return false
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
