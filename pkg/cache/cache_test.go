package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is an in-memory KVStore with togglable failure.
type fakeKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	fail   bool
	gets   int
	puts   int
	closed bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.fail {
		return nil, fmt.Errorf("kv down")
	}
	val, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return val, nil
}

func (f *fakeKV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.fail {
		return fmt.Errorf("kv down")
	}
	f.data[key] = value
	return nil
}

func (f *fakeKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("kv down")
	}
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestCache_PutThenGet(t *testing.T) {
	c := New(Config{}, newFakeKV())
	ctx := context.Background()

	c.Put(ctx, "k1", []byte("v1"), time.Minute)
	val, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)
}

func TestCache_ZeroTTLAbsent(t *testing.T) {
	c := New(Config{}, nil)
	ctx := context.Background()

	c.Put(ctx, "k1", []byte("v1"), 0)
	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)

	// A zero TTL also removes any previous value for the key.
	c.Put(ctx, "k2", []byte("v1"), time.Minute)
	c.Put(ctx, "k2", []byte("v2"), 0)
	_, ok = c.Get(ctx, "k2")
	assert.False(t, ok)
}

func TestCache_SharedHitPopulatesLocal(t *testing.T) {
	kv := newFakeKV()
	ctx := context.Background()

	writer := New(Config{}, kv)
	writer.Put(ctx, "k1", []byte("v1"), time.Minute)

	// A fresh process with an empty local tier reads through.
	reader := New(Config{}, kv)
	val, ok := reader.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)

	// Second read is served locally.
	before := kv.gets
	_, ok = reader.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, before, kv.gets)
}

func TestCache_SharedFailureIsSoft(t *testing.T) {
	kv := newFakeKV()
	kv.fail = true
	c := New(Config{}, kv)
	ctx := context.Background()

	// Write succeeds locally despite the shared tier being down.
	c.Put(ctx, "k1", []byte("v1"), time.Minute)
	val, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)

	// A read that misses locally degrades to a miss, not an error.
	_, ok = c.Get(ctx, "absent")
	assert.False(t, ok)
}

func TestCache_EnvelopeRoundTrip(t *testing.T) {
	kv := newFakeKV()
	c := New(Config{}, kv)
	ctx := context.Background()

	payload := []byte(`{"answer":"X is Y"}`)
	c.Put(ctx, "k1", payload, time.Minute)

	raw := kv.data["k1"]
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, envelopeVersion, env.Version)
	assert.Equal(t, int64(60_000), env.TTLMillis)
	assert.JSONEq(t, string(payload), string(env.Payload))
}

func TestCache_ExpiredSharedEntryIsMiss(t *testing.T) {
	kv := newFakeKV()
	c := New(Config{}, kv)
	ctx := context.Background()

	raw, err := json.Marshal(envelope{
		Version:   envelopeVersion,
		CreatedAt: time.Now().Add(-2 * time.Minute).UnixMilli(),
		TTLMillis: time.Minute.Milliseconds(),
		Payload:   []byte(`"stale"`),
	})
	require.NoError(t, err)
	kv.data["k1"] = raw

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
}

func TestCache_UndecodableSharedEntryIsMiss(t *testing.T) {
	kv := newFakeKV()
	c := New(Config{}, kv)
	kv.data["k1"] = []byte("not json")

	_, ok := c.Get(context.Background(), "k1")
	assert.False(t, ok)
}

func TestCache_Delete(t *testing.T) {
	kv := newFakeKV()
	c := New(Config{}, kv)
	ctx := context.Background()

	c.Put(ctx, "k1", []byte("v1"), time.Minute)
	c.Delete(ctx, "k1")

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
	assert.Empty(t, kv.data)
}

func TestLocalCache_LRUEviction(t *testing.T) {
	// Capacity below the shard count clamps each shard to one entry, so a
	// second insert into the same shard evicts the first.
	c := newLocalCache(shardCount)
	target := c.shards[0]

	var keys []string
	for i := 0; len(keys) < 2; i++ {
		key := fmt.Sprintf("key-%d", i)
		if c.shardFor(key) == target {
			keys = append(keys, key)
		}
	}

	c.Put(keys[0], []byte("first"), time.Minute)
	c.Put(keys[1], []byte("second"), time.Minute)

	_, ok := c.Get(keys[0])
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(keys[1])
	assert.True(t, ok)
}

func TestLocalCache_TTLExpiry(t *testing.T) {
	c := newLocalCache(0)
	c.Put("k1", []byte("v1"), 10*time.Millisecond)

	_, ok := c.Get("k1")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k1")
	assert.False(t, ok)
}

func TestLocalCache_ConcurrentAccess(t *testing.T) {
	c := newLocalCache(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("key-%d-%d", n, j%10)
				c.Put(key, []byte("v"), time.Minute)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), defaultCapacity)
}
