// Package pipeline wires the otto-bgp components into end-to-end flows:
// discovery, policy generation, guardrail evaluation, and application.
// It owns a process-wide resource registry so connections, tunnels, and
// pools are released on normal exit and on SIGINT/SIGTERM alike.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/cache"
	"github.com/otto-bgp/otto-bgp/pkg/collector"
	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/db"
	"github.com/otto-bgp/otto-bgp/pkg/discovery"
	"github.com/otto-bgp/otto-bgp/pkg/generator"
	"github.com/otto-bgp/otto-bgp/pkg/guardrail"
	"github.com/otto-bgp/otto-bgp/pkg/hostkey"
	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/netconf"
	"github.com/otto-bgp/otto-bgp/pkg/override"
	"github.com/otto-bgp/otto-bgp/pkg/proxy"
	"github.com/otto-bgp/otto-bgp/pkg/rollout"
	"github.com/otto-bgp/otto-bgp/pkg/rpki"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Pipeline holds lazily constructed components shared across one command
// invocation. Accessors memoize; everything acquired lands in the
// registry and is torn down by Close.
type Pipeline struct {
	cfg       *config.Config
	resources *Registry

	mu        sync.Mutex
	pool      *pgxpool.Pool
	hostKeys  *hostkey.Store
	cacheStor cache.Store
	proxyMgr  *proxy.Manager
	validator *rpki.Validator
	preflight bool
}

// New builds a pipeline over validated configuration. No I/O happens
// until a component is first used.
func New(cfg *config.Config) *Pipeline {
	return &Pipeline{cfg: cfg, resources: NewRegistry()}
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// Resources exposes the registry so callers can push their own cleanups
// (temp files, claimed rollout targets).
func (p *Pipeline) Resources() *Registry { return p.resources }

// Close releases every acquired resource in reverse order.
func (p *Pipeline) Close() { p.resources.Release() }

// DB returns the shared pgx pool, connecting and migrating on first use.
func (p *Pipeline) DB(ctx context.Context) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		return p.pool, nil
	}
	if p.cfg.Database.DSN == "" {
		return nil, util.NewPipelineError(util.KindConfiguration, "open database", "database.dsn",
			"no DSN configured: set database.dsn or OTTO_DB_PATH")
	}
	pool, err := db.NewPool(ctx, p.cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	p.pool = pool
	p.resources.Register("database pool", func() error {
		pool.Close()
		return nil
	})
	return pool, nil
}

// HostKeys returns the known_hosts store, honoring setup mode.
func (p *Pipeline) HostKeys() (*hostkey.Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hostKeys != nil {
		return p.hostKeys, nil
	}
	store, err := hostkey.NewStore(p.cfg.HostKeys.KnownHosts, p.cfg.HostKeys.SetupMode)
	if err != nil {
		return nil, err
	}
	p.hostKeys = store
	return store, nil
}

// Cache returns the policy cache backend named by configuration.
func (p *Pipeline) Cache(ctx context.Context) (cache.Store, error) {
	p.mu.Lock()
	if p.cacheStor != nil {
		defer p.mu.Unlock()
		return p.cacheStor, nil
	}
	p.mu.Unlock()

	var pool *pgxpool.Pool
	if p.cfg.Cache.RedisAddr == "" {
		var err error
		pool, err = p.DB(ctx)
		if err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cacheStor != nil {
		return p.cacheStor, nil
	}
	store, err := cache.Open(p.cfg.Cache, pool)
	if err != nil {
		return nil, err
	}
	p.cacheStor = store
	p.resources.Register("policy cache", store.Close)
	return store, nil
}

// Collector builds an SSH collector over the host-key store. One per
// batch; not memoized.
func (p *Pipeline) Collector() (*collector.Collector, error) {
	keys, err := p.HostKeys()
	if err != nil {
		return nil, err
	}
	return collector.New(p.cfg.SSH, keys)
}

// Proxy establishes the IRR tunnels when the proxy is enabled and returns
// the manager, or nil when disabled. Tunnels come up once and stay up for
// the life of the process.
func (p *Pipeline) Proxy(ctx context.Context) (*proxy.Manager, error) {
	if !p.cfg.IRRProxy.Enabled {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proxyMgr != nil {
		return p.proxyMgr, nil
	}

	tf, err := proxy.LoadTunnels(p.cfg.IRRProxy.TunnelsFile)
	if err != nil {
		return nil, err
	}
	keys, err := p.hostKeysLocked()
	if err != nil {
		return nil, err
	}
	connectTimeout := config.CurrentTimeouts().SSH
	mgr := proxy.NewManager(tf, keys, connectTimeout)
	if err := mgr.EstablishAll(ctx); err != nil {
		mgr.TeardownAll()
		return nil, err
	}
	p.proxyMgr = mgr
	p.resources.Register("irr tunnels", func() error {
		mgr.TeardownAll()
		return nil
	})
	return mgr, nil
}

func (p *Pipeline) hostKeysLocked() (*hostkey.Store, error) {
	if p.hostKeys != nil {
		return p.hostKeys, nil
	}
	store, err := hostkey.NewStore(p.cfg.HostKeys.KnownHosts, p.cfg.HostKeys.SetupMode)
	if err != nil {
		return nil, err
	}
	p.hostKeys = store
	return store, nil
}

// irrHost resolves the bgpq4 IRR endpoint: a tunnel local address when
// the proxy is up (a tunnel named "irr" wins, otherwise the first one),
// else the configured server, else bgpq4's own default.
func (p *Pipeline) irrHost(ctx context.Context) (string, error) {
	mgr, err := p.Proxy(ctx)
	if err != nil {
		return "", err
	}
	if mgr == nil {
		return p.cfg.BGPq4.IRRServer, nil
	}
	if addr, ok := mgr.LocalAddr("irr"); ok {
		return addr, nil
	}
	for _, name := range sortedTunnelNames(mgr) {
		if addr, ok := mgr.LocalAddr(name); ok {
			return addr, nil
		}
	}
	return p.cfg.BGPq4.IRRServer, nil
}

func sortedTunnelNames(mgr *proxy.Manager) []string {
	states := mgr.States()
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	// Map order is random; stable pick matters for reproducible runs.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}

// RPKI runs the snapshot preflight once and returns the validator. With
// validation disabled it returns nil. A failed preflight is fatal when
// fail_closed is set; otherwise generation proceeds without annotation
// and the gap is logged loudly.
func (p *Pipeline) RPKI(ctx context.Context) (*rpki.Validator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.preflight {
		return p.validator, nil
	}

	if !p.cfg.RPKI.Enabled {
		p.preflight = true
		return nil, nil
	}

	maxAge := time.Duration(p.cfg.RPKI.MaxVRPAgeHours) * time.Hour
	snap, err := rpki.Preflight(p.cfg.RPKI.VRPCachePath, maxAge)
	if err != nil {
		if p.cfg.RPKI.FailClosed {
			return nil, err
		}
		util.Warnf("rpki preflight failed, continuing without validation: %v", err)
		p.preflight = true
		return nil, nil
	}
	metrics.VRPSnapshotAge.Set(snap.Age().Seconds())

	opts := []rpki.Option{}
	if p.cfg.RPKI.Workers > 0 {
		opts = append(opts, rpki.WithWorkers(p.cfg.RPKI.Workers))
	}
	if p.cfg.RPKI.AllowlistPath != "" {
		allow, err := rpki.LoadAllowlist(p.cfg.RPKI.AllowlistPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rpki.WithAllowlist(allow))
	}
	if pool, err := p.dbLocked(ctx); err == nil {
		opts = append(opts, rpki.WithOverrides(override.NewStore(pool)))
	} else if p.cfg.Database.DSN != "" {
		// A configured but unreachable database must not silently drop
		// operator overrides.
		return nil, err
	}

	p.validator = rpki.NewValidator(snap, opts...)
	p.preflight = true
	v4, v6 := snap.Count()
	util.Infof("rpki preflight ok: %d v4 + %d v6 VRPs, snapshot age %s", v4, v6, snap.Age().Round(time.Second))
	return p.validator, nil
}

func (p *Pipeline) dbLocked(ctx context.Context) (*pgxpool.Pool, error) {
	if p.pool != nil {
		return p.pool, nil
	}
	if p.cfg.Database.DSN == "" {
		return nil, util.NewPipelineError(util.KindConfiguration, "open database", "database.dsn",
			"no DSN configured: set database.dsn or OTTO_DB_PATH")
	}
	pool, err := db.NewPool(ctx, p.cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	p.pool = pool
	p.resources.Register("database pool", func() error {
		pool.Close()
		return nil
	})
	return pool, nil
}

// Generator builds a bgpq4 generator wired to the policy cache, the IRR
// proxy endpoint, and the RPKI annotator when validation is active.
func (p *Pipeline) Generator(ctx context.Context) (*generator.Generator, error) {
	opts := []generator.GenOption{}

	store, err := p.Cache(ctx)
	if err != nil {
		// Generation works without a cache; it is an optimization, not
		// a requirement. Missing DSN downgrades to uncached runs.
		util.Warnf("policy cache unavailable, generating uncached: %v", err)
	} else {
		opts = append(opts, generator.WithCache(store, p.cfg.Cache.TTLHours))
	}

	host, err := p.irrHost(ctx)
	if err != nil {
		return nil, err
	}
	if host != "" {
		opts = append(opts, generator.WithIRRHost(host))
	}

	validator, err := p.RPKI(ctx)
	if err != nil {
		return nil, err
	}
	if validator != nil {
		opts = append(opts, generator.WithAnnotator(generator.NewRPKIAnnotator(validator)))
	}

	return generator.New(p.cfg.BGPq4, opts...), nil
}

// Guardrails constructs the rule engine from configuration.
func (p *Pipeline) Guardrails() (*guardrail.Engine, error) {
	return guardrail.NewEngine(p.cfg.Guardrails, p.cfg.RPKI.Enabled)
}

// Applier builds the NETCONF applier over the host-key store.
func (p *Pipeline) Applier() (*netconf.Applier, error) {
	keys, err := p.HostKeys()
	if err != nil {
		return nil, err
	}
	return netconf.NewApplier(p.cfg.SSH, keys)
}

// Discovery returns a recorder bound to the database and output dirs.
func (p *Pipeline) Discovery(ctx context.Context) (*discovery.Recorder, error) {
	pool, err := p.DB(ctx)
	if err != nil {
		return nil, err
	}
	return discovery.NewRecorder(discovery.NewStore(pool), p.cfg.Output), nil
}

// Coordinator returns a rollout coordinator over the shared pool.
func (p *Pipeline) Coordinator(ctx context.Context) (*rollout.Coordinator, error) {
	pool, err := p.DB(ctx)
	if err != nil {
		return nil, err
	}
	return rollout.NewCoordinator(rollout.NewStore(pool), p.cfg.Rollout), nil
}

// Overrides returns the RPKI override store.
func (p *Pipeline) Overrides(ctx context.Context) (*override.Store, error) {
	pool, err := p.DB(ctx)
	if err != nil {
		return nil, err
	}
	return override.NewStore(pool), nil
}
