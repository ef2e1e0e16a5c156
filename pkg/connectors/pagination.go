package connectors

import (
	"context"
	"errors"
	"fmt"
)

// ErrCursorExpired is returned by cursor fetchers when the source no longer
// honors the cursor and pagination must restart.
var ErrCursorExpired = errors.New("pagination cursor expired")

// ErrUseCursor is returned by offset fetchers when the source demands
// cursor-based pagination for the remainder of the listing.
var ErrUseCursor = errors.New("source requires cursor pagination")

// PageFetcher retrieves up to limit items starting at offset.
type PageFetcher[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// FetchPageWithFallback fetches one page of size limit. On failure it
// halves the page size down to 1; at size 1 a failing item is recorded as a
// failure and skipped so the rest of the page still comes through. The
// second return value lists the skipped items.
func FetchPageWithFallback[T any](ctx context.Context, offset, limit int, fetch PageFetcher[T]) ([]T, []ConnectorFailure, error) {
	items, err := fetch(ctx, offset, limit)
	if err == nil {
		return items, nil, nil
	}
	if errors.Is(err, ErrUseCursor) {
		return nil, nil, err
	}

	size := limit / 2
	for size > 1 {
		var out []T
		var innerErr error
		for sub := 0; sub < limit; sub += size {
			n := size
			if sub+n > limit {
				n = limit - sub
			}
			chunk, err := fetch(ctx, offset+sub, n)
			if err != nil {
				innerErr = err
				break
			}
			out = append(out, chunk...)
			if len(chunk) < n {
				// Short page: the listing ended inside this span.
				return out, nil, nil
			}
		}
		if innerErr == nil {
			return out, nil, nil
		}
		size /= 2
	}

	// Item-by-item: skip individual bad items and keep going.
	var out []T
	var failures []ConnectorFailure
	for sub := 0; sub < limit; sub++ {
		chunk, err := fetch(ctx, offset+sub, 1)
		if err != nil {
			failures = append(failures, ConnectorFailure{
				FailedEntityID: fmt.Sprintf("offset-%d", offset+sub),
				Message:        fmt.Sprintf("fetching item at offset %d", offset+sub),
				Err:            err,
			})
			continue
		}
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
	}
	return out, failures, nil
}

// CursorFetcher retrieves the next page for a cursor. An empty cursor means
// "start from the beginning". It returns the items, the next cursor (empty
// when exhausted) and an error.
type CursorFetcher[T any] func(ctx context.Context, cursor string, limit int) ([]T, string, error)

// CursorPager drives cursor pagination with expiry recovery: when the source
// reports the cursor expired, the pager restarts from the beginning and
// fast-forwards past the items already retrieved.
type CursorPager[T any] struct {
	Fetch        CursorFetcher[T]
	Limit        int
	Cursor       string
	NumRetrieved int

	skipping int
	done     bool
}

// NextPage returns the next page of items, or (nil, false, nil) when the
// listing is exhausted.
func (p *CursorPager[T]) NextPage(ctx context.Context) ([]T, bool, error) {
	if p.done {
		return nil, false, nil
	}
	for {
		items, next, err := p.Fetch(ctx, p.Cursor, p.Limit)
		if err != nil {
			if errors.Is(err, ErrCursorExpired) {
				// Restart and fast-forward by what we already emitted.
				p.Cursor = ""
				p.skipping = p.NumRetrieved
				continue
			}
			return nil, false, err
		}

		if p.skipping > 0 {
			if len(items) <= p.skipping {
				p.skipping -= len(items)
				if next == "" {
					p.done = true
					return nil, false, nil
				}
				p.Cursor = next
				continue
			}
			items = items[p.skipping:]
			p.skipping = 0
		}

		p.Cursor = next
		p.NumRetrieved += len(items)
		if next == "" {
			p.done = true
		}

		if len(items) == 0 {
			if next == "" {
				return nil, false, nil
			}
			continue
		}
		return items, true, nil
	}
}
