package quorum

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisStores(t *testing.T, n int) ([]NodeStore, []*miniredis.Miniredis, []*redis.Client) {
	t.Helper()
	stores := make([]NodeStore, 0, n)
	servers := make([]*miniredis.Miniredis, 0, n)
	clients := make([]*redis.Client, 0, n)
	for i := 0; i < n; i++ {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() {
			_ = client.Close()
			mr.Close()
		})
		stores = append(stores, NewRedisStore(client))
		servers = append(servers, mr)
		clients = append(clients, client)
	}
	return stores, servers, clients
}

func TestRedisStoreConditionalPutAndDelete(t *testing.T) {
	stores, _, clients := newRedisStores(t, 1)
	s := stores[0]
	ctx := context.Background()

	ok, err := s.TryPut(ctx, "k", "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("tryput: ok %v err %v", ok, err)
	}
	if ok, _ := s.TryPut(ctx, "k", "v2", time.Minute); ok {
		t.Fatal("tryput must fail while a live entry exists")
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", "v2"); ok {
		t.Fatal("compare-and-delete must reject a foreign value")
	}
	if v, _ := clients[0].Get(ctx, "k").Result(); v != "v1" {
		t.Fatalf("entry mutated by rejected delete: %q", v)
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", "v1"); !ok {
		t.Fatal("compare-and-delete with owner value should succeed")
	}
	if ok, _ := s.TryPut(ctx, "k", "v3", time.Minute); !ok {
		t.Fatal("tryput should succeed after delete")
	}
}

func TestRedisStoreEntryExpires(t *testing.T) {
	stores, servers, _ := newRedisStores(t, 1)
	s := stores[0]
	ctx := context.Background()

	if ok, _ := s.TryPut(ctx, "k", "v1", 50*time.Millisecond); !ok {
		t.Fatal("tryput failed")
	}
	servers[0].FastForward(100 * time.Millisecond)
	if ok, _ := s.TryPut(ctx, "k", "v2", time.Minute); !ok {
		t.Fatal("expired entry must be logically absent")
	}
}

func TestQuorumOverRedisNodes(t *testing.T) {
	stores, _, clients := newRedisStores(t, 5)
	l, _ := New(stores)
	ctx := context.Background()

	proof, ok, err := l.Acquire(ctx, "res", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	for i, c := range clients {
		if v, _ := c.Get(ctx, "res").Result(); v != proof {
			t.Fatalf("redis node %d missing grant", i)
		}
	}
	if err := l.Release(ctx, "res", proof); err != nil {
		t.Fatalf("release: %v", err)
	}
	for i, c := range clients {
		if _, err := c.Get(ctx, "res").Result(); err != redis.Nil {
			t.Fatalf("redis node %d still holds entry after release", i)
		}
	}
}

func TestQuorumOverRedisNodesRollsBackWithoutMajority(t *testing.T) {
	stores, servers, clients := newRedisStores(t, 5)
	l, _ := New(stores)
	ctx := context.Background()

	// Three nodes already hold the key for another owner.
	for _, mr := range servers[:3] {
		if err := mr.Set("res", "someone-else"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, ok, _ := l.Acquire(ctx, "res", time.Minute); ok {
		t.Fatal("acquire without majority must fail")
	}
	for i, c := range clients[3:] {
		if _, err := c.Get(ctx, "res").Result(); err != redis.Nil {
			t.Fatalf("free redis node %d left with orphaned grant", i+3)
		}
	}
	for _, c := range clients[:3] {
		if v, _ := c.Get(ctx, "res").Result(); v != "someone-else" {
			t.Fatal("held nodes must keep their original entry")
		}
	}
}
