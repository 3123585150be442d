package identity

import (
	"context"
	"sync"

	"veriflow/internal/domain"
)

// Holder is a single-slot carrier for the currently active actor context.
// Exactly zero or one context is current at a time; reading before Set is an
// error, not a nil. A Holder is scoped to one unit of work; sharing one
// across concurrent requests would leak identities between tenants, so each
// request gets its own (or uses the context.Context plumbing below).
type Holder struct {
	mu      sync.Mutex
	current *domain.ActorContext
}

func NewHolder() *Holder {
	return &Holder{}
}

// Set overwrites the current context unconditionally.
func (h *Holder) Set(ac domain.ActorContext) {
	h.mu.Lock()
	h.current = &ac
	h.mu.Unlock()
}

// Current returns the active context or ErrNoActiveContext.
func (h *Holder) Current() (domain.ActorContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return domain.ActorContext{}, ErrNoActiveContext
	}
	return *h.current, nil
}

// Clear empties the slot; clearing an empty holder is fine.
func (h *Holder) Clear() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

type contextKey struct{}

// WithContext attaches a resolved actor context to a request context.
func WithContext(ctx context.Context, ac domain.ActorContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext reads the actor context established for this request.
func FromContext(ctx context.Context) (domain.ActorContext, error) {
	ac, ok := ctx.Value(contextKey{}).(domain.ActorContext)
	if !ok {
		return domain.ActorContext{}, ErrNoActiveContext
	}
	return ac, nil
}
