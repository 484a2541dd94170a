package capability

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Handler is the single entry point of one capability kind.
type Handler interface {
	DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, def *types.Definition, params types.Parameters) (string, error)

// DoCall calls f.
func (f HandlerFunc) DoCall(ctx context.Context, def *types.Definition, params types.Parameters) (string, error) {
	return f(ctx, def, params)
}

// Registry maps each kind to its handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.Kind]Handler
	logger   *zap.Logger
}

// NewRegistry creates an empty handler registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[types.Kind]Handler),
		logger:   logger.With(zap.String("component", "capability_registry")),
	}
}

// Register binds h to kind, replacing any previous handler.
func (r *Registry) Register(kind types.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		r.logger.Warn("replacing capability handler", zap.String("kind", string(kind)))
	}
	r.handlers[kind] = h
	r.logger.Debug("capability handler registered", zap.String("kind", string(kind)))
}

// Handler returns the handler for kind, or a ConfigError when none is registered.
func (r *Registry) Handler(kind types.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, types.NewConfigError("kind", "no handler registered for kind "+string(kind))
	}
	return h, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []types.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Kind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
