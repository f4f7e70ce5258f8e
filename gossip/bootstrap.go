package gossip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andydunstall/flock/pkg/backoff"
)

// BootstrapState is the state of the bootstrap state machine.
type BootstrapState int32

const (
	// StateUnseeded means bootstrap has not started.
	StateUnseeded BootstrapState = iota
	// StateResolving means the configured entrypoints are being resolved.
	StateResolving
	// StateSeeded means at least one entrypoint resolved and was injected
	// as a seed peer.
	StateSeeded
	// StateConverged means a real contact record was learned via gossip so
	// the node is part of the mesh.
	StateConverged
)

func (s BootstrapState) String() string {
	switch s {
	case StateUnseeded:
		return "unseeded"
	case StateResolving:
		return "resolving"
	case StateSeeded:
		return "seeded"
	case StateConverged:
		return "converged"
	default:
		return "unknown"
	}
}

// ErrBootstrapExhausted is returned when no entrypoint could be resolved or
// contacted within the bootstrap budget. This is fatal: without at least
// one live peer the node cannot join the mesh.
var ErrBootstrapExhausted = errors.New("bootstrap: no entrypoint reachable")

type BootstrapConfig struct {
	// Entrypoints are the seed 'host:port' addresses used to join the mesh.
	Entrypoints []string

	// Resolver resolves entrypoint addresses. Defaults to the system
	// resolver.
	Resolver Resolver

	// DiscoverPublicAddr optionally discovers the node's public IP by
	// contacting an entrypoint. Implemented by the caller, not the gossip
	// core.
	DiscoverPublicAddr func(ctx context.Context, entrypoint string) (string, error)

	// Timeout is the total budget for reaching the mesh before bootstrap
	// fails.
	Timeout time.Duration

	// RetryInterval is the initial interval between attempts to re-resolve
	// and re-contact the entrypoints. The interval grows exponentially with
	// each failed attempt.
	RetryInterval time.Duration
}

// Bootstrap joins the mesh via the configured entrypoints.
//
// Bootstrap resolves each entrypoint, injects the resolved addresses as
// seed peers and blocks until a real contact record is learned via a
// push/pull exchange. If no entrypoint resolves and no contact succeeds
// within the budget, ErrBootstrapExhausted is returned and the node cannot
// join.
//
// A node with no entrypoints configured is assumed to be the first member
// of a new mesh and converges immediately.
func (g *Gossip) Bootstrap(ctx context.Context, conf BootstrapConfig) error {
	if len(conf.Entrypoints) == 0 {
		g.setBootstrapState(StateConverged)
		g.logger.Info("bootstrap: no entrypoints; starting new mesh")
		return nil
	}

	if conf.Resolver == nil {
		conf.Resolver = NewNetResolver()
	}
	if conf.Timeout == 0 {
		conf.Timeout = time.Minute
	}
	if conf.RetryInterval == 0 {
		conf.RetryInterval = time.Second * 2
	}

	ctx, cancel := context.WithTimeout(ctx, conf.Timeout)
	defer cancel()

	g.setBootstrapState(StateResolving)

	boff := backoff.New(0, conf.RetryInterval, conf.RetryInterval*16)
	discoveredAddr := false
	for {
		seeds := g.resolveEntrypoints(ctx, conf)
		if len(seeds) > 0 && g.BootstrapState() == StateResolving {
			g.setBootstrapState(StateSeeded)
		}

		if conf.DiscoverPublicAddr != nil && !discoveredAddr {
			discoveredAddr = g.discoverPublicAddr(ctx, conf, seeds)
		}

		for _, addr := range seeds {
			g.peers.AddEntrypoint(addr)
			// Ping the seed so it learns about us and we can mark it as
			// responded; the next rounds will pull from it.
			g.sendPing(addr)
		}

		// Back off before retrying, though abort the wait as soon as the
		// node converges or shuts down.
		waitCtx, cancelWait := context.WithCancel(ctx)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			select {
			case <-g.convergedCh:
				cancelWait()
			case <-g.shutdownCh:
				cancelWait()
			case <-waitCtx.Done():
			}
		}()
		boff.Wait(waitCtx)
		cancelWait()
		<-stopped

		select {
		case <-g.convergedCh:
			g.setBootstrapState(StateConverged)
			return nil
		default:
		}
		select {
		case <-g.shutdownCh:
			return fmt.Errorf("bootstrap: shutdown")
		default:
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %d entrypoints", ErrBootstrapExhausted, len(conf.Entrypoints))
		}
	}
}

// BootstrapState returns the current bootstrap state.
func (g *Gossip) BootstrapState() BootstrapState {
	return BootstrapState(g.bootstrapState.Load())
}

func (g *Gossip) setBootstrapState(s BootstrapState) {
	old := BootstrapState(g.bootstrapState.Swap(int32(s)))
	if old != s {
		g.logger.Info(
			"bootstrap state",
			zap.String("from", old.String()),
			zap.String("to", s.String()),
		)
	}
}

// discoverPublicAddr discovers the node's public address by contacting an
// entrypoint and updates the advertised gossip address. Returns whether
// discovery succeeded.
func (g *Gossip) discoverPublicAddr(
	ctx context.Context,
	conf BootstrapConfig,
	seeds []string,
) bool {
	for _, addr := range seeds {
		host, err := conf.DiscoverPublicAddr(ctx, addr)
		if err != nil {
			g.logger.Warn(
				"bootstrap: failed to discover public addr",
				zap.String("entrypoint", addr),
				zap.Error(err),
			)
			continue
		}
		if err := g.setAdvertiseAddr(host); err != nil {
			g.logger.Warn(
				"bootstrap: failed to set advertise addr",
				zap.String("host", host),
				zap.Error(err),
			)
			return false
		}
		g.logger.Info(
			"bootstrap: discovered public addr",
			zap.String("host", host),
		)
		return true
	}
	return false
}

// resolveEntrypoints resolves the configured entrypoints concurrently,
// returning every resolved address. Entrypoints that fail to resolve are
// logged and skipped; a single resolved address is enough to proceed.
func (g *Gossip) resolveEntrypoints(ctx context.Context, conf BootstrapConfig) []string {
	var group errgroup.Group

	results := make([][]string, len(conf.Entrypoints))
	for i, entrypoint := range conf.Entrypoints {
		i, entrypoint := i, entrypoint
		group.Go(func() error {
			addrs, err := conf.Resolver.Resolve(ctx, entrypoint)
			if err != nil {
				g.logger.Warn(
					"bootstrap: failed to resolve entrypoint",
					zap.String("entrypoint", entrypoint),
					zap.Error(err),
				)
				return nil
			}
			results[i] = addrs
			return nil
		})
	}
	// Resolution errors are swallowed above.
	_ = group.Wait()

	var resolved []string
	for _, addrs := range results {
		resolved = append(resolved, addrs...)
	}
	return resolved
}
