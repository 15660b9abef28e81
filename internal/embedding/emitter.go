package embedding

import (
	"context"
	"sync"

	"github.com/mnemora/mnemora/internal/domain"
)

// usageEmitter fans out usage events to registered listeners. Listener
// panics must never break the embedding call that triggered them. The
// emitting call's context rides along so listeners can read attribution
// values from it.
type usageEmitter struct {
	mu        sync.RWMutex
	listeners []func(context.Context, domain.EmbeddingUsage)
}

func (e *usageEmitter) OnUsage(fn func(context.Context, domain.EmbeddingUsage)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *usageEmitter) emit(ctx context.Context, u domain.EmbeddingUsage) {
	e.mu.RLock()
	listeners := make([]func(context.Context, domain.EmbeddingUsage), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() { _ = recover() }()
			fn(ctx, u)
		}()
	}
}

// estimateTokens approximates token usage for cost attribution when the
// provider does not report it (mock mode).
func estimateTokens(texts []string) int {
	total := 0
	for _, t := range texts {
		n := len(t) / 4
		if n == 0 {
			n = 1
		}
		total += n
	}
	return total
}
