package pipeline

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Registry is a LIFO stack of cleanup functions. Components register
// themselves as they are acquired; Release pops in reverse order so
// dependents close before the things they depend on (NETCONF sessions
// before the SSH pool, the cache before the database pool).
type Registry struct {
	mu       sync.Mutex
	stack    []resource
	released bool
}

type resource struct {
	name string
	fn   func() error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register pushes a cleanup function. Registration after Release runs the
// function immediately; the resource would otherwise leak.
func (r *Registry) Register(name string, fn func() error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		util.Warnf("resource %s registered after release, closing immediately", name)
		if err := fn(); err != nil {
			util.Warnf("closing %s: %v", name, err)
		}
		return
	}
	r.stack = append(r.stack, resource{name: name, fn: fn})
	r.mu.Unlock()
}

// Release runs every registered cleanup in reverse registration order.
// Failures are logged, never propagated: cleanup must not mask the error
// that ended the run. Safe to call more than once.
func (r *Registry) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	stack := r.stack
	r.stack = nil
	r.mu.Unlock()

	for i := len(stack) - 1; i >= 0; i-- {
		res := stack[i]
		if err := res.fn(); err != nil {
			util.Warnf("releasing %s: %v", res.name, err)
		} else {
			util.Debugf("released %s", res.name)
		}
	}
}

// Len reports how many resources are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stack)
}

// SignalExitCode is the conventional shell encoding for death-by-signal.
func SignalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

// WatchSignals returns a context cancelled on SIGINT or SIGTERM, a
// function reporting the exit code owed to a received signal (0 when none
// arrived), and a stop function restoring default signal behavior. A
// second signal during cleanup kills the process the default way.
func WatchSignals(parent context.Context) (context.Context, func() int, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var mu sync.Mutex
	var received os.Signal

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		mu.Lock()
		received = sig
		mu.Unlock()
		util.Warnf("received %s, cancelling", sig)
		cancel()
		signal.Stop(sigCh)
	}()

	code := func() int {
		mu.Lock()
		defer mu.Unlock()
		if received == nil {
			return 0
		}
		return SignalExitCode(received)
	}

	stop := func() {
		signal.Stop(sigCh)
		close(sigCh)
		cancel()
	}

	return ctx, code, stop
}
