// Package lifecycle implements the Uninitialized -> Ready -> Closed state
// machine shared by every adapter, plus the per-call guard that bounds each
// backend call by the operation timeout and classifies its failure.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// State of an adapter instance.
type State int

// Adapter states.
const (
	Uninitialized State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Guard tracks the state of one adapter. CRUD calls hold the read lock for
// their whole duration, so Close waits for in-flight calls and every call
// that starts afterwards fails with ErrAlreadyClosed.
type Guard struct {
	mu      sync.RWMutex
	state   State
	backend types.Backend
	cfg     types.Config
	log     *zap.Logger
}

// New returns a Guard in the Uninitialized state. cfg supplies the timeouts;
// zero timeouts get the defaults.
func New(backend types.Backend, cfg types.Config, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		backend: backend,
		cfg:     cfg.WithDefaults(),
		log:     log.With(zap.String("backend", string(backend))),
	}
}

// Backend returns the backend the guard was built for.
func (g *Guard) Backend() types.Backend { return g.backend }

// Config returns the adapter configuration with defaults applied.
func (g *Guard) Config() types.Config { return g.cfg }

// Logger returns the backend-scoped logger.
func (g *Guard) Logger() *zap.Logger { return g.log }

// State returns the current state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Open runs connect under ConnectTimeout and moves the guard to Ready when
// it succeeds. A failed connect leaves the guard Uninitialized so Initialize
// can be retried.
func (g *Guard) Open(ctx context.Context, connect func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case Ready:
		return types.NewError(types.KindConnection, g.backend, "initialize", "adapter is already initialized", nil)
	case Closed:
		return types.NewError(types.KindAlreadyClosed, g.backend, "initialize", "", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()
	if err := connect(ctx); err != nil {
		g.log.Debug("initialize failed", zap.Error(err))
		return types.Wrap(types.KindConnection, g.backend, "initialize", err)
	}
	g.state = Ready
	g.log.Info("adapter initialized")
	return nil
}

// Close runs release and moves the guard to Closed. Closing an adapter that
// was never initialized succeeds without calling release. A second Close
// fails with ErrAlreadyClosed.
func (g *Guard) Close(ctx context.Context, release func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case Closed:
		return types.NewError(types.KindAlreadyClosed, g.backend, "close", "", nil)
	case Uninitialized:
		g.state = Closed
		return nil
	}

	g.state = Closed
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()
	if err := release(ctx); err != nil {
		return types.Wrap(types.KindConnection, g.backend, "close", err)
	}
	g.log.Info("adapter closed")
	return nil
}

// enter takes the read lock for a CRUD call. The returned func releases it.
func (g *Guard) enter(op string) (func(), error) {
	g.mu.RLock()
	switch g.state {
	case Uninitialized:
		g.mu.RUnlock()
		return nil, types.NewError(types.KindNotInitialized, g.backend, op, "", nil)
	case Closed:
		g.mu.RUnlock()
		return nil, types.NewError(types.KindAlreadyClosed, g.backend, op, "", nil)
	}
	return g.mu.RUnlock, nil
}

// Check reports the lifecycle error a CRUD call would get right now, or nil
// when the adapter is Ready.
func (g *Guard) Check(op string) error {
	release, err := g.enter(op)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Run executes fn as the CRUD operation op. fn gets a context bounded by
// OperationTimeout. Errors that are not already *types.Error become
// DatabaseError with the original error as cause.
func Run[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	release, err := g.enter(op)
	if err != nil {
		return zero, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.OperationTimeout)
	defer cancel()

	start := time.Now()
	out, err := fn(ctx)
	if err != nil {
		err = types.Wrap(types.KindDatabase, g.backend, op, err)
		g.log.Debug("operation failed",
			zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return zero, err
	}
	return out, nil
}
