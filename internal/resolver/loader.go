package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/lenshq/lens/internal/value"
)

// Loader batches and caches field resolution within one execution. A fresh
// table is built per operation call and released at its end; nothing leaks
// across requests.
//
// Batching is wave-based: the walker resolves one traversal level at a
// time, and all parents needing the same (type, field) in that wave go
// through a single Batch call when the field provides one.
type Loader struct {
	mu    sync.Mutex
	cache map[string]any
}

func NewLoader() *Loader {
	return &Loader{cache: make(map[string]any)}
}

func loaderKey(typeName, fieldName string, source map[string]any, idField string) string {
	id, ok := source[idField]
	if !ok {
		// Unidentified parents cache by content.
		return fmt.Sprintf("%s.%s#%s", typeName, fieldName, value.HashOf(source).Hex())
	}
	return fmt.Sprintf("%s.%s:%v", typeName, fieldName, id)
}

// LoadWave resolves field f of entity e for every source in one wave.
// Cached parents are served from the table; the rest batch through
// f.Batch when provided, falling back to per-parent Resolve calls.
// Results align by index with sources.
func (l *Loader) LoadWave(ctx context.Context, e *Entity, fieldName string, f *Field, sources []map[string]any) ([]any, error) {
	results := make([]any, len(sources))
	keys := make([]string, len(sources))

	var missing []int
	l.mu.Lock()
	for i, src := range sources {
		keys[i] = loaderKey(e.Name, fieldName, src, e.idField())
		if cached, ok := l.cache[keys[i]]; ok {
			results[i] = cached
		} else {
			missing = append(missing, i)
		}
	}
	l.mu.Unlock()

	if len(missing) == 0 {
		return results, nil
	}

	if f.Batch != nil {
		batchSources := make([]map[string]any, len(missing))
		for j, i := range missing {
			batchSources[j] = sources[i]
		}
		batched, err := f.Batch(ctx, batchSources)
		if err != nil {
			return nil, fmt.Errorf("resolver: batch %s.%s: %w", e.Name, fieldName, err)
		}
		if len(batched) != len(batchSources) {
			return nil, fmt.Errorf("resolver: batch %s.%s returned %d results for %d sources",
				e.Name, fieldName, len(batched), len(batchSources))
		}
		for j, i := range missing {
			results[i] = batched[j]
		}
	} else {
		for _, i := range missing {
			v, err := f.Resolve(ctx, sources[i])
			if err != nil {
				return nil, fmt.Errorf("resolver: resolve %s.%s: %w", e.Name, fieldName, err)
			}
			results[i] = v
		}
	}

	l.mu.Lock()
	for _, i := range missing {
		l.cache[keys[i]] = results[i]
	}
	l.mu.Unlock()

	return results, nil
}
