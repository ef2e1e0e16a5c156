package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T, slug string) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClient(rdb, nil, slug), mr
}

func TestTenantPrefixing(t *testing.T) {
	c, mr := newTestClient(t, "acme")
	ctx := context.Background()

	if _, err := c.Set(ctx, "foo", "bar", 0, false); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	// The raw key in Redis must carry the tenant prefix.
	if got, err := mr.Get("t:acme:foo"); err != nil || got != "bar" {
		t.Errorf("raw key t:acme:foo = %q (err %v), want %q", got, err, "bar")
	}

	val, found, err := c.Get(ctx, "foo")
	if err != nil || !found || val != "bar" {
		t.Errorf("Get(foo) = (%q, %v, %v), want (bar, true, nil)", val, found, err)
	}
}

func TestTenantIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	a := NewClient(rdb, nil, "acme")
	b := NewClient(rdb, nil, "globex")

	if _, err := a.Set(ctx, "k", "a-value", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := b.Get(ctx, "k"); found {
		t.Error("tenant globex can see tenant acme's key")
	}
}

func TestSetNX(t *testing.T) {
	c, _ := newTestClient(t, "acme")
	ctx := context.Background()

	ok, err := c.Set(ctx, "once", "1", 0, true)
	if err != nil || !ok {
		t.Fatalf("first SetNX = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = c.Set(ctx, "once", "2", 0, true)
	if err != nil || ok {
		t.Fatalf("second SetNX = (%v, %v), want (false, nil)", ok, err)
	}

	val, _, _ := c.Get(ctx, "once")
	if val != "1" {
		t.Errorf("value after failed NX = %q, want %q", val, "1")
	}
}

func TestGetMissing(t *testing.T) {
	c, _ := newTestClient(t, "acme")
	_, found, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if found {
		t.Error("Get(absent) found = true, want false")
	}
}

func TestSetOperations(t *testing.T) {
	c, _ := newTestClient(t, "acme")
	ctx := context.Background()

	if err := c.SAdd(ctx, "s", "a", "b", "c"); err != nil {
		t.Fatal(err)
	}
	n, err := c.SCard(ctx, "s")
	if err != nil || n != 3 {
		t.Errorf("SCard = (%d, %v), want (3, nil)", n, err)
	}
	if err := c.SRem(ctx, "s", "b"); err != nil {
		t.Fatal(err)
	}
	members, err := c.SMembers(ctx, "s")
	if err != nil || len(members) != 2 {
		t.Errorf("SMembers = (%v, %v), want 2 members", members, err)
	}
	ok, err := c.SIsMember(ctx, "s", "a")
	if err != nil || !ok {
		t.Errorf("SIsMember(a) = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestScanKeysStripsPrefix(t *testing.T) {
	c, _ := newTestClient(t, "acme")
	ctx := context.Background()

	for _, k := range []string{"quarry:indexing:fence:1/1", "quarry:indexing:fence:2/1", "quarry:other"} {
		if _, err := c.Set(ctx, k, "x", 0, false); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := c.ScanKeys(ctx, "quarry:indexing:fence:*")
	if err != nil {
		t.Fatalf("ScanKeys() error: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ScanKeys() returned %d keys, want 2: %v", len(keys), keys)
	}
	for _, k := range keys {
		if k[0] == 't' && k[1] == ':' {
			t.Errorf("key %q still carries the tenant prefix", k)
		}
	}
}

func TestExpire(t *testing.T) {
	c, mr := newTestClient(t, "acme")
	ctx := context.Background()

	if _, err := c.Set(ctx, "ttl", "v", time.Minute, false); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	if _, found, _ := c.Get(ctx, "ttl"); found {
		t.Error("key survived its TTL")
	}
}
