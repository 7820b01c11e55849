package workitem

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Source is the remote side of the work loop.
type Source interface {
	Fetch(ctx context.Context) (WorkItem, error)
	Submit(ctx context.Context, name string, recording []byte) error
}

// Fetcher retrieves the next item. Callers that overlap an in-flight fetch
// share its result instead of issuing another request.
type Fetcher struct {
	source Source
	group  singleflight.Group
	log    *slog.Logger
}

func NewFetcher(source Source, log *slog.Logger) *Fetcher {
	return &Fetcher{
		source: source,
		log:    log.With(slog.String("component", "workitem-fetcher")),
	}
}

// Next returns the next item, or ErrNoMoreWork when the remote is done.
// The shared request is detached from the first caller's cancellation so a
// caller that joins it never sees someone else's context error. The client
// timeout still bounds it.
func (f *Fetcher) Next(ctx context.Context) (WorkItem, error) {
	v, err, shared := f.group.Do("next", func() (any, error) {
		return f.source.Fetch(context.WithoutCancel(ctx))
	})
	if shared {
		f.log.Debug("joined in-flight fetch")
	}
	item, _ := v.(WorkItem)
	switch {
	case errors.Is(err, ErrNoMoreWork):
		f.log.Info("no more work items")
		return WorkItem{}, err
	case err != nil:
		f.log.Warn("work item fetch failed", slog.String("error", err.Error()))
		return WorkItem{}, err
	}
	f.log.Info("work item fetched", slog.String("file_name", item.FileName))
	return item, nil
}
