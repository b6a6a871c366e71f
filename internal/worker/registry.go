package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

// Result is what a handler reports for a successful run
type Result struct {
	// Rows is the number of rows written, recorded on the ETL job record
	Rows int64
	// Detached means another component finishes the ETL job record, as the
	// bulk poller does; the pool only completes the queue job
	Detached bool
}

// Handler executes one kind of sync job
type Handler interface {
	Handle(ctx context.Context, job *models.SyncJob) (Result, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *models.SyncJob) (Result, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job *models.SyncJob) (Result, error) {
	return f(ctx, job)
}

// Registry maps job kinds to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.JobKind]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.JobKind]Handler)}
}

// Register binds a handler to a kind, replacing any previous binding
func (r *Registry) Register(kind types.JobKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Lookup returns the handler for a kind
func (r *Registry) Lookup(kind types.JobKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists the registered kinds in order
func (r *Registry) Kinds() []types.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.JobKind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
