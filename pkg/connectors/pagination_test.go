package connectors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFetchPageWithFallbackHappyPath(t *testing.T) {
	fetch := func(ctx context.Context, offset, limit int) ([]int, error) {
		out := make([]int, limit)
		for i := range out {
			out[i] = offset + i
		}
		return out, nil
	}

	items, failures, err := FetchPageWithFallback(context.Background(), 0, 8, fetch)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(items) != 8 || len(failures) != 0 {
		t.Errorf("got %d items / %d failures, want 8 / 0", len(items), len(failures))
	}
}

func TestFetchPageWithFallbackHalves(t *testing.T) {
	// Full page fails; halves succeed.
	fetch := func(ctx context.Context, offset, limit int) ([]int, error) {
		if limit > 4 {
			return nil, errors.New("page too large")
		}
		out := make([]int, limit)
		for i := range out {
			out[i] = offset + i
		}
		return out, nil
	}

	items, failures, err := FetchPageWithFallback(context.Background(), 0, 8, fetch)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(items) != 8 {
		t.Errorf("got %d items, want 8: %v", len(items), items)
	}
	if len(failures) != 0 {
		t.Errorf("got %d failures, want 0", len(failures))
	}
	for i, v := range items {
		if v != i {
			t.Errorf("items[%d] = %d, want %d (order preserved)", i, v, i)
		}
	}
}

func TestFetchPageWithFallbackSkipsBadItems(t *testing.T) {
	// Every multi-item fetch fails; at size 1, offsets 2 and 5 fail.
	fetch := func(ctx context.Context, offset, limit int) ([]int, error) {
		if limit > 1 {
			return nil, errors.New("page fetch failed")
		}
		if offset == 2 || offset == 5 {
			return nil, fmt.Errorf("item %d is corrupt", offset)
		}
		return []int{offset}, nil
	}

	items, failures, err := FetchPageWithFallback(context.Background(), 0, 8, fetch)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if len(items) != 6 {
		t.Errorf("got %d items, want 6: %v", len(items), items)
	}
	if len(failures) != 2 {
		t.Errorf("got %d failures, want 2 (one per failing item)", len(failures))
	}
}

func TestCursorPagerWalksAllPages(t *testing.T) {
	pages := map[string][]string{
		"":   {"a", "b"},
		"c1": {"c", "d"},
		"c2": {"e"},
	}
	next := map[string]string{"": "c1", "c1": "c2", "c2": ""}

	pager := &CursorPager[string]{
		Limit: 2,
		Fetch: func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
			return pages[cursor], next[cursor], nil
		},
	}

	var all []string
	for {
		items, ok, err := pager.NextPage(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		all = append(all, items...)
	}
	if len(all) != 5 {
		t.Errorf("got %d items, want 5: %v", len(all), all)
	}
	if pager.NumRetrieved != 5 {
		t.Errorf("NumRetrieved = %d, want 5", pager.NumRetrieved)
	}
}

func TestCursorPagerRecoversFromExpiry(t *testing.T) {
	all := []string{"a", "b", "c", "d", "e", "f"}
	expiredOnce := false

	fetch := func(ctx context.Context, cursor string, limit int) ([]string, string, error) {
		// Cursors are numeric offsets in this fake.
		offset := 0
		if cursor != "" {
			fmt.Sscanf(cursor, "%d", &offset)
		}
		if cursor == "2" && !expiredOnce {
			expiredOnce = true
			return nil, "", ErrCursorExpired
		}
		stop := offset + limit
		if stop > len(all) {
			stop = len(all)
		}
		nextCursor := ""
		if stop < len(all) {
			nextCursor = fmt.Sprintf("%d", stop)
		}
		return all[offset:stop], nextCursor, nil
	}

	pager := &CursorPager[string]{Limit: 2, Fetch: fetch}

	var got []string
	for {
		items, ok, err := pager.NextPage(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, items...)
	}

	// After the expiry at offset 2 with 2 items already retrieved, the pager
	// restarts from the beginning and skips exactly 2 items.
	want := []string{"a", "b", "c", "d", "e", "f"}
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
