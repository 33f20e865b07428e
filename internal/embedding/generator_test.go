package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/communiq/communiq/internal/model"
	"github.com/communiq/communiq/internal/storage"
)

// mockEmbedder implements Embedder with a scripted response sequence.
type mockEmbedder struct {
	calls     int
	callSizes []int
	fail      []error // consumed one per call; nil means succeed
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls++
	m.callSizes = append(m.callSizes, len(texts))
	if len(m.fail) > 0 {
		err := m.fail[0]
		m.fail = m.fail[1:]
		if err != nil {
			return nil, err
		}
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i])), 1}
	}
	return vectors, nil
}

// mockCache implements Cache with a plain map.
type mockCache struct {
	entries map[string][]float32
}

func newMockCache() *mockCache {
	return &mockCache{entries: map[string][]float32{}}
}

func (m *mockCache) GetEmbedding(fingerprint string) ([]float32, error) {
	vec, ok := m.entries[fingerprint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return vec, nil
}

func (m *mockCache) PutEmbedding(fingerprint string, vector []float32) error {
	m.entries[fingerprint] = vector
	return nil
}

func testConfig() Config {
	return Config{
		BatchSize:         2,
		MaxAttempts:       3,
		BaseBackoff:       time.Millisecond,
		RateLimitCooldown: time.Millisecond,
		RequestsPerSecond: 10000,
	}
}

func TestEmbedBatchUsesCache(t *testing.T) {
	embedder := &mockEmbedder{}
	cache := newMockCache()
	g := New(embedder, cache, nil, testConfig())

	texts := []string{"alpha", "beta", "gamma"}
	first, err := g.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if embedder.calls == 0 {
		t.Fatal("model never called on a cold cache")
	}

	// Second run must be served entirely from the cache.
	callsBefore := embedder.calls
	second, err := g.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("embedding again: %v", err)
	}
	if embedder.calls != callsBefore {
		t.Errorf("model called %d more times on a warm cache", embedder.calls-callsBefore)
	}
	for i := range texts {
		if first[i] == nil || second[i] == nil {
			t.Fatalf("nil vector at %d", i)
		}
		if first[i][0] != second[i][0] {
			t.Errorf("cached vector differs at %d", i)
		}
	}
}

func TestEmbedBatchSplitsIntoSubBatches(t *testing.T) {
	embedder := &mockEmbedder{}
	g := New(embedder, newMockCache(), nil, testConfig())

	if _, err := g.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"}); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	// BatchSize 2, 5 misses: calls of size 2, 2, 1.
	if embedder.calls != 3 {
		t.Errorf("got %d calls, want 3 (sizes %v)", embedder.calls, embedder.callSizes)
	}
}

func TestEmbedBatchRetriesUnavailable(t *testing.T) {
	embedder := &mockEmbedder{fail: []error{model.ErrUnavailable, model.ErrUnavailable}}
	g := New(embedder, newMockCache(), nil, testConfig())

	vectors, err := g.EmbedBatch(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if vectors[0] == nil {
		t.Error("vector missing after successful retry")
	}
	if embedder.calls != 3 {
		t.Errorf("got %d calls, want 3", embedder.calls)
	}
}

func TestEmbedBatchExhaustedRetriesLeaveNil(t *testing.T) {
	embedder := &mockEmbedder{fail: []error{
		model.ErrUnavailable, model.ErrUnavailable, model.ErrUnavailable,
	}}
	g := New(embedder, newMockCache(), nil, testConfig())

	vectors, err := g.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	// First sub-batch (a, b) exhausts its attempts; the trailing sub-batch
	// still runs and succeeds.
	if vectors[0] != nil || vectors[1] != nil {
		t.Error("failed sub-batch should leave nil vectors")
	}
	if vectors[2] == nil {
		t.Error("later sub-batch should still be embedded")
	}
}

func TestEmbedBatchRecoversFromRateLimit(t *testing.T) {
	embedder := &mockEmbedder{fail: []error{model.ErrRateLimited}}
	g := New(embedder, newMockCache(), nil, testConfig())

	vectors, err := g.EmbedBatch(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if vectors[0] == nil {
		t.Error("vector missing after rate-limit cooldown")
	}
}

func TestEmbedSingleQueryCached(t *testing.T) {
	embedder := &mockEmbedder{}
	g := New(embedder, newMockCache(), nil, testConfig())

	if _, err := g.Embed(context.Background(), "how do I deploy"); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if _, err := g.Embed(context.Background(), "how do I deploy"); err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if embedder.calls != 1 {
		t.Errorf("got %d model calls, want 1", embedder.calls)
	}
}

type embedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f embedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

func TestEmbedConcurrentIdenticalSharesCall(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	embedder := embedderFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
		calls.Add(1)
		<-release
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{1}
		}
		return out, nil
	})
	g := New(embedder, newMockCache(), nil, testConfig())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Embed(context.Background(), "same question"); err != nil {
				t.Errorf("embedding: %v", err)
			}
		}()
	}
	// Let every goroutine join the in-flight call before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("got %d model calls, want 1 shared call", calls.Load())
	}
}

func TestEmbedBatchContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(&mockEmbedder{}, newMockCache(), nil, testConfig())
	if _, err := g.EmbedBatch(ctx, []string{"a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
