package ingest

import (
	"context"
	"errors"
	"fmt"
)

// Sink receives a batch of normalized records
type Sink[T any] func(ctx context.Context, batch []T) error

// FetchAll pages through src starting at cursor and returns every
// normalized record
func FetchAll[R, T any](ctx context.Context, e *Engine, src Source[R, T], cursor Cursor) ([]T, Stats, error) {
	var records []T
	stats, err := FetchEach(ctx, e, src, cursor, 0, func(_ context.Context, batch []T) error {
		records = append(records, batch...)
		return nil
	})
	return records, stats, err
}

// FetchEach pages through src and hands normalized records to sink every
// flushEvery pages (zero means once at the end). Records from pages fetched
// before a failure are still handed to sink before the error is returned.
func FetchEach[R, T any](ctx context.Context, e *Engine, src Source[R, T], cursor Cursor, flushEvery int, sink Sink[T]) (Stats, error) {
	var stats Stats
	var pending []T

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := pending
		pending = nil
		return sink(ctx, batch)
	}

	startRetries, startCooldowns := e.retries, e.cooldowns
	finish := func(err error) (Stats, error) {
		stats.Retries = e.retries - startRetries
		stats.Cooldowns = e.cooldowns - startCooldowns
		return stats, err
	}

	for {
		var page Page[R]
		err := e.Do(ctx, func(ctx context.Context) error {
			p, err := src.FetchPage(ctx, cursor)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			err = fmt.Errorf("%s page %d: %w", e.desc.Name, stats.Pages+1, err)
			if flushErr := flush(); flushErr != nil {
				return finish(errors.Join(err, flushErr))
			}
			return finish(err)
		}

		stats.Pages++
		stats.Fetched += len(page.Items)
		for _, raw := range page.Items {
			rec, ok := src.Normalize(raw)
			if !ok {
				stats.Dropped++
				continue
			}
			pending = append(pending, rec)
		}

		if !page.HasMore {
			break
		}
		cursor = page.Next

		if flushEvery > 0 && stats.Pages%flushEvery == 0 {
			if err := flush(); err != nil {
				return finish(err)
			}
		}
	}

	return finish(flush())
}
