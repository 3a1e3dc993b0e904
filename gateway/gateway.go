package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/mcpbridge/backend"
	"github.com/guseggert/mcpbridge/pool"
	"github.com/guseggert/mcpbridge/router"
	"github.com/guseggert/mcpbridge/setup"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Gateway discovers backends, provisions and starts them, serves them over HTTP,
// and shuts everything down after a period without activity.
type Gateway struct {
	log *zap.SugaredLogger

	rootDir           string
	listenAddr        string
	setupRunner       setup.Runner
	setupEnv          []string
	poolOpts          []pool.Option
	routerOpts        []router.Option
	inactivityTimeout time.Duration
	inactivityHandler func()

	router     *router.Router
	httpServer *http.Server
	listenMut  sync.Mutex
	listener   net.Listener
	serveErr   chan error
	// cancelRequests ends long-lived streams, which http.Server.Shutdown would otherwise wait on.
	cancelRequests context.CancelFunc

	poolsMut sync.Mutex
	pools    map[string]*pool.Pool

	activityMut sync.Mutex
	timer       *time.Timer
	deadline    time.Time

	stopOnce sync.Once
	stopErr  error
	closed   chan struct{}
}

type Option func(g *Gateway)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

// WithRootDir is the directory whose subdirectories are scanned for backends.
func WithRootDir(dir string) Option {
	return func(g *Gateway) {
		g.rootDir = dir
	}
}

func WithSetupRunner(r setup.Runner) Option {
	return func(g *Gateway) {
		g.setupRunner = r
	}
}

// WithSetupEnv adds environment variables to every setup run.
func WithSetupEnv(env []string) Option {
	return func(g *Gateway) {
		g.setupEnv = env
	}
}

// WithPoolOptions are applied to every backend pool, after the gateway's own logger.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(g *Gateway) {
		g.poolOpts = append(g.poolOpts, opts...)
	}
}

func WithRouterOptions(opts ...router.Option) Option {
	return func(g *Gateway) {
		g.routerOpts = append(g.routerOpts, opts...)
	}
}

// WithInactivityTimeout shuts the gateway down once this long has passed without a request. Zero disables it.
func WithInactivityTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.inactivityTimeout = d
	}
}

// WithInactivityHandler is called after an inactivity shutdown has stopped the gateway.
func WithInactivityHandler(f func()) Option {
	return func(g *Gateway) {
		g.inactivityHandler = f
	}
}

func New(opts ...Option) *Gateway {
	g := &Gateway{
		log:               zap.NewNop().Sugar(),
		rootDir:           "servers",
		listenAddr:        "0.0.0.0:8080",
		inactivityTimeout: 30 * time.Minute,
		pools:             map[string]*pool.Pool{},
		serveErr:          make(chan error, 1),
		closed:            make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.setupRunner == nil {
		g.setupRunner = &setup.ScriptRunner{Log: g.log.Named("setup"), Timeout: 10 * time.Minute}
	}
	g.log = g.log.Named("gateway")
	return g
}

// Start discovers and starts every backend, then begins serving HTTP. Backends that fail setup or
// their handshake are left out; that is never fatal to the gateway.
func (g *Gateway) Start(ctx context.Context) error {
	descs, err := backend.Scan(g.rootDir, g.log.Named("discovery"))
	if err != nil {
		return fmt.Errorf("discovering backends: %w", err)
	}
	pools := g.startPools(ctx, descs)

	g.poolsMut.Lock()
	for _, p := range pools {
		g.pools[p.Name()] = p
	}
	g.poolsMut.Unlock()

	g.router = router.New(append([]router.Option{
		router.WithLogger(g.log),
		router.WithActivityHook(g.Touch),
	}, g.routerOpts...)...)
	g.router.SetBackends(g.backends())

	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		g.shutdownPools()
		return fmt.Errorf("listening TCP: %w", err)
	}
	g.listenMut.Lock()
	g.listener = listener
	g.listenMut.Unlock()
	baseCtx, cancel := context.WithCancel(context.Background())
	g.cancelRequests = cancel
	g.httpServer = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	go func() {
		err := g.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		g.serveErr <- err
	}()

	g.startInactivityTimer()
	g.log.Infow("gateway listening", "Addr", g.Addr(), "Backends", g.Backends())
	return nil
}

// Run starts the gateway and blocks until ctx is done, the server fails, or an inactivity shutdown happens.
func (g *Gateway) Run(ctx context.Context) error {
	err := g.Start(ctx)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return g.Stop(stopCtx)
	case err := <-g.serveErr:
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stopErr := g.Stop(stopCtx)
		if err != nil {
			return fmt.Errorf("serving HTTP: %w", err)
		}
		return stopErr
	case <-g.closed:
		return g.stopErr
	}
}

func (g *Gateway) Addr() string {
	g.listenMut.Lock()
	defer g.listenMut.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func (g *Gateway) Router() *router.Router { return g.router }

// Done is closed once the gateway has stopped.
func (g *Gateway) Done() <-chan struct{} { return g.closed }

// Backends returns the names of the running backends.
func (g *Gateway) Backends() []string {
	g.poolsMut.Lock()
	defer g.poolsMut.Unlock()
	names := make([]string, 0, len(g.pools))
	for name := range g.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) backends() []router.Backend {
	g.poolsMut.Lock()
	defer g.poolsMut.Unlock()
	out := make([]router.Backend, 0, len(g.pools))
	for _, p := range g.pools {
		out = append(out, p)
	}
	return out
}

// startPools provisions each descriptor if needed and starts its pool. Descriptors whose setup or handshake
// fails are logged and skipped.
func (g *Gateway) startPools(ctx context.Context, descs []backend.Descriptor) []*pool.Pool {
	var ready []backend.Descriptor
	for _, d := range descs {
		if d.NeedsSetup && !g.setupRunner.IsReady(d) {
			res := g.setupRunner.RunSetup(ctx, d, g.setupEnv)
			if !res.Success {
				g.log.Warnw("backend setup failed, skipping", "Backend", d.Name, "Message", res.Message, "Duration", res.Duration)
				continue
			}
			g.log.Infow("backend setup complete", "Backend", d.Name, "Duration", res.Duration)
		}
		ready = append(ready, d)
	}

	started := make([]*pool.Pool, len(ready))
	var group errgroup.Group
	for i, d := range ready {
		group.Go(func() error {
			opts := append([]pool.Option{pool.WithLogger(g.log)}, g.poolOpts...)
			p := pool.New(d, opts...)
			err := p.Start(ctx)
			if err != nil {
				g.log.Warnw("backend failed to start, skipping", "Backend", d.Name, "Error", err)
				p.Shutdown()
				return nil
			}
			started[i] = p
			return nil
		})
	}
	_ = group.Wait()

	var pools []*pool.Pool
	for _, p := range started {
		if p != nil {
			pools = append(pools, p)
		}
	}
	return pools
}

// Reload rescans the root directory. New backends are provisioned and started, vanished ones are shut down,
// and backends that are still present keep their running pools.
func (g *Gateway) Reload(ctx context.Context) error {
	descs, err := backend.Scan(g.rootDir, g.log.Named("discovery"))
	if err != nil {
		return fmt.Errorf("rescanning backends: %w", err)
	}

	seen := map[string]bool{}
	var added []backend.Descriptor
	g.poolsMut.Lock()
	for _, d := range descs {
		seen[d.Name] = true
		if _, ok := g.pools[d.Name]; !ok {
			added = append(added, d)
		}
	}
	var removed []*pool.Pool
	for name, p := range g.pools {
		if !seen[name] {
			removed = append(removed, p)
			delete(g.pools, name)
		}
	}
	g.poolsMut.Unlock()

	started := g.startPools(ctx, added)
	g.poolsMut.Lock()
	for _, p := range started {
		g.pools[p.Name()] = p
	}
	g.poolsMut.Unlock()

	if g.router != nil {
		g.router.SetBackends(g.backends())
	}
	shutdownAll(removed)
	g.log.Infow("reloaded backends", "Added", len(started), "Removed", len(removed), "Backends", g.Backends())
	return nil
}

func shutdownAll(pools []*pool.Pool) {
	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			p.Shutdown()
		}(p)
	}
	wg.Wait()
}

func (g *Gateway) shutdownPools() {
	g.poolsMut.Lock()
	pools := make([]*pool.Pool, 0, len(g.pools))
	for _, p := range g.pools {
		pools = append(pools, p)
	}
	g.pools = map[string]*pool.Pool{}
	g.poolsMut.Unlock()
	shutdownAll(pools)
}

// Stop stops the HTTP server and every backend. It is safe to call more than once.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		g.activityMut.Lock()
		if g.timer != nil {
			g.timer.Stop()
		}
		g.activityMut.Unlock()

		if g.httpServer != nil {
			g.cancelRequests()
			err := g.httpServer.Shutdown(ctx)
			if err != nil {
				g.stopErr = fmt.Errorf("shutting down HTTP server: %w", err)
				_ = g.httpServer.Close()
			}
		}
		g.shutdownPools()
		g.log.Infow("gateway stopped")
		close(g.closed)
	})
	return g.stopErr
}
