package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/termlinkky/server/internal/model"
)

// Path is the route an input takes into the session.
type Path int32

const (
	// PathDirect writes input into the bridge.
	PathDirect Path = iota
	// PathFallback injects input out of band through the multiplexer.
	PathFallback
)

func (p Path) String() string {
	switch p {
	case PathDirect:
		return "direct"
	case PathFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Session names the multiplexer target for fallback injection.
	Session string

	// Injector delivers fallback input. Without one, fallback input fails
	// with model.ErrNoFallback.
	Injector Injector

	// OnFallback is called when the router leaves the direct path, with the
	// bridge that failed (nil if there was none) and the error that caused
	// it. It runs with the router locked and must not call back into the
	// router.
	OnFallback func(failed Bridge, cause error)

	Logger *zap.Logger
}

// Router delivers client input to the session. Writes are serialized so
// input from different clients never interleaves inside one write.
type Router struct {
	session    string
	injector   Injector
	onFallback func(failed Bridge, cause error)
	logger     *zap.Logger

	path atomic.Int32

	mu        sync.Mutex
	bridge    Bridge
	recording Recording
}

// NewRouter creates a Router on the direct path with no bridge.
func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Router{
		session:    opts.Session,
		injector:   opts.Injector,
		onFallback: opts.OnFallback,
		logger:     opts.Logger.Named("router").With(zap.String("session", opts.Session)),
	}
}

// Path returns the current route.
func (r *Router) Path() Path {
	return Path(r.path.Load())
}

// ForcePath sets the route without touching the bridge.
func (r *Router) ForcePath(p Path) {
	r.path.Store(int32(p))
}

// SetBridge installs a new bridge and recording and returns to the direct
// path.
func (r *Router) SetBridge(b Bridge, rec Recording) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bridge = b
	r.recording = rec
	r.path.Store(int32(PathDirect))
}

// Detach drops the current bridge and recording. The route is unchanged;
// the next direct write finds no bridge and falls back.
func (r *Router) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bridge = nil
	r.recording = nil
}

// Route delivers p and reports the path it took. On the direct path a
// failed or impossible write switches the router to the fallback path and
// the same input is injected out of band. The router never returns to the
// direct path on its own.
func (r *Router) Route(ctx context.Context, p []byte) (Path, error) {
	if len(p) == 0 {
		return r.Path(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording != nil {
		if err := r.recording.WriteInput(p); err != nil {
			r.logger.Warn("recording input failed", zap.Error(err))
		}
	}

	if r.Path() == PathDirect {
		cause := model.ErrNoBridge
		if r.bridge != nil {
			err := r.bridge.Write(p)
			if err == nil {
				return PathDirect, nil
			}
			cause = err
		}

		r.path.Store(int32(PathFallback))
		r.logger.Warn("switching to fallback input", zap.Error(cause))
		if r.onFallback != nil {
			r.onFallback(r.bridge, cause)
		}
	}

	return PathFallback, r.fallback(ctx, p)
}

// fallback requires r.mu.
func (r *Router) fallback(ctx context.Context, p []byte) error {
	err := model.ErrNoFallback
	if r.injector != nil {
		err = r.injector.SendLiteral(ctx, r.session, p)
	}
	if err != nil {
		ferr := &model.FallbackError{Session: r.session, Err: err}
		r.logger.Error("input dropped", zap.Int("bytes", len(p)), zap.Error(ferr))
		return ferr
	}
	return nil
}
