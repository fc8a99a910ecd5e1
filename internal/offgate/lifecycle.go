package offgate

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// State is the gateway version's lifecycle position. A deployed version
// installs once, activates once, then serves until superseded.
type State int32

const (
	StateUnregistered State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

func (g *Gateway) State() State {
	return State(g.state.Load())
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
	g.logger.Info("lifecycle state", "state", s.String())
}

// Register drives the version through install and activation. An install
// failure is fatal to this version: the gateway goes redundant and the
// caller is expected to exit so the supervisor retries the deployment.
func (g *Gateway) Register(ctx context.Context) error {
	g.setState(StateInstalling)
	if err := g.install(ctx); err != nil {
		g.setState(StateRedundant)
		return fmt.Errorf("install: %w", err)
	}
	g.setState(StateInstalled)

	if g.cfg.Lifecycle.HoldActivation {
		g.logger.Info("holding activation until SKIP_WAITING")
		select {
		case <-g.skipCh:
		case <-ctx.Done():
			g.setState(StateRedundant)
			return ctx.Err()
		}
	}

	g.setState(StateActivating)
	if err := g.activate(); err != nil {
		g.setState(StateRedundant)
		return fmt.Errorf("activate: %w", err)
	}
	g.setState(StateActive)

	g.startLoops()
	return nil
}

// install pre-caches the whole static asset manifest. Entries are staged
// in memory and committed in a single batch, so a failed asset leaves no
// partial tier behind: the install is all-or-nothing.
func (g *Gateway) install(ctx context.Context) error {
	return g.precache(ctx)
}

func (g *Gateway) precache(ctx context.Context) error {
	start := time.Now()
	defer g.latency.since(opPrecache, start)

	staged := make(map[string]CacheEntry, len(g.cfg.Precache.Assets))
	for _, asset := range g.cfg.Precache.Assets {
		target := g.resolveTarget(asset)
		ent, err := g.fetchAsset(ctx, target)
		if err != nil {
			return fmt.Errorf("asset %s: %w", asset, err)
		}
		staged[entryKey(http.MethodGet, target)] = ent
	}

	if err := g.staticTier.PutBatch(staged); err != nil {
		return fmt.Errorf("commit pre-cache: %w", err)
	}
	for key, ent := range staged {
		g.ram.Put(key, ent)
	}
	g.logger.Info("pre-cache complete", "assets", len(staged), "tier", g.staticTier.Name())
	return nil
}

// fetchAsset fetches one manifest asset, retrying per config before
// giving up and failing the whole install.
func (g *Gateway) fetchAsset(ctx context.Context, target string) (CacheEntry, error) {
	attempts := 1 + g.cfg.Precache.Retries
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return CacheEntry{}, err
		}
		ent, err := g.fetchURL(ctx, http.MethodGet, target, nil, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if ent.Status != http.StatusOK {
			lastErr = fmt.Errorf("status %d", ent.Status)
			continue
		}
		return ent, nil
	}
	return CacheEntry{}, lastErr
}

// activate evicts every tier that is not one of the two current names,
// then lets requests through. There is no staged handoff: the new version
// starts intercepting immediately.
func (g *Gateway) activate() error {
	names, err := g.store.TierNames()
	if err != nil {
		return fmt.Errorf("enumerate tiers: %w", err)
	}
	current := map[string]bool{
		g.staticTier.Name(): true,
		g.dataTier.Name():   true,
	}
	for _, name := range names {
		if current[name] {
			continue
		}
		if err := g.store.DropTier(name); err != nil {
			return fmt.Errorf("drop stale tier %s: %w", name, err)
		}
		g.logger.Info("evicted stale tier", "tier", name)
	}
	return nil
}
