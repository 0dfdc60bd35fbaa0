package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/store"
	"github.com/skyrelay/gateway/internal/util"
)

// StoreKey is the shared-store key mirroring the route list.
const StoreKey = "config:routes"

// routesFileName is the on-disk route file inside the config directory.
const routesFileName = "routes.json"

// MatchResult is the outcome of matching a request against the route set.
type MatchResult struct {
	Route      *Route
	PathParams map[string]string
	// Remainder is the path left over after the pattern's segments,
	// appended to the target path on forward.
	Remainder string
}

// Manager owns the active route list, persists it durably, and mirrors it
// to the shared store.
type Manager struct {
	mu       sync.RWMutex
	routes   []*Route
	compiled []*compiledRoute

	store     store.Store
	configDir string
	logger    *zap.Logger

	ready atomic.Bool
	// incremented around self-writes so the file watcher can tell our own
	// persistence apart from external edits
	selfWrites atomic.Int64
}

// DefaultRoute returns the route seeded when neither the shared store nor
// the config file holds a route list.
func DefaultRoute() *Route {
	return &Route{
		Name:    "default",
		Pattern: "/api/example/:id",
		Target:  "http://localhost:8081",
	}
}

// NewManager creates a config manager. Call Load before serving traffic.
func NewManager(st store.Store, configDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     st,
		configDir: configDir,
		logger:    logger,
	}
}

// Load initializes the route set. Order: shared store, then the on-disk
// file (mirrored back to the store), then a seeded default persisted to
// both. A malformed file or route list is fatal.
func (m *Manager) Load(ctx context.Context) error {
	if loaded, err := m.loadFromStore(ctx); err != nil {
		return err
	} else if loaded {
		m.ready.Store(true)
		return nil
	}

	if loaded, err := m.loadFromFile(ctx); err != nil {
		return err
	} else if loaded {
		m.ready.Store(true)
		return nil
	}

	seed := []*Route{DefaultRoute()}
	if err := m.adopt(seed); err != nil {
		return err
	}
	if err := m.persist(ctx, seed); err != nil {
		return fmt.Errorf("persisting seeded default route: %w", err)
	}

	m.logger.Info("seeded default route", zap.String("route", seed[0].Name))
	m.ready.Store(true)
	return nil
}

func (m *Manager) loadFromStore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}

	raw, err := m.store.Get(ctx, StoreKey)
	if err != nil {
		if store.IsKeyNotFound(err) {
			return false, nil
		}
		m.logger.Warn("shared store unreachable during load, falling back to file",
			zap.Error(err),
		)
		return false, nil
	}

	var loaded []*Route
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return false, util.NewConfigErrorWithCause(StoreKey, "malformed route list in shared store", err)
	}
	if len(loaded) == 0 {
		return false, nil
	}

	if err := m.adopt(loaded); err != nil {
		return false, err
	}

	// Keep the on-disk copy in agreement with the adopted list.
	if err := m.writeFile(loaded); err != nil {
		m.logger.Warn("failed to write routes file after store load", zap.Error(err))
	}

	m.logger.Info("loaded routes from shared store", zap.Int("count", len(loaded)))
	return true, nil
}

func (m *Manager) loadFromFile(ctx context.Context) (bool, error) {
	path := m.filePath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, util.NewConfigErrorWithCause(path, "reading routes file", err)
	}

	var loaded []*Route
	if err := json.Unmarshal(data, &loaded); err != nil {
		return false, util.NewConfigErrorWithCause(path, "malformed routes file", err)
	}

	if err := m.adopt(loaded); err != nil {
		return false, err
	}

	m.mirrorToStore(ctx, loaded)

	m.logger.Info("loaded routes from file",
		zap.String("path", path),
		zap.Int("count", len(loaded)),
	)
	return true, nil
}

// adopt validates and installs a route list.
func (m *Manager) adopt(list []*Route) error {
	compiled := make([]*compiledRoute, 0, len(list))
	seen := make(map[string]struct{}, len(list))

	for _, r := range list {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.Name]; dup {
			return util.NewConfigError("name", "duplicate route name "+r.Name)
		}
		seen[r.Name] = struct{}{}

		c, err := compilePattern(r.Pattern)
		if err != nil {
			return err
		}
		c.route = r
		compiled = append(compiled, c)
	}

	m.mu.Lock()
	m.routes = list
	m.compiled = compiled
	m.mu.Unlock()
	return nil
}

// Routes returns a copy of the active route list.
func (m *Manager) Routes() []*Route {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Route, len(m.routes))
	copy(out, m.routes)
	return out
}

// Get returns the route with the given name, or nil.
func (m *Manager) Get(name string) *Route {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.routes {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Add appends a route. The name must be unique across the active set.
func (m *Manager) Add(ctx context.Context, route *Route) error {
	if err := route.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	current := m.routes
	m.mu.RUnlock()

	for _, r := range current {
		if r.Name == route.Name {
			return fmt.Errorf("%w: %s", util.ErrRouteConflict, route.Name)
		}
	}

	next := make([]*Route, len(current), len(current)+1)
	copy(next, current)
	next = append(next, route)

	return m.commit(ctx, current, next)
}

// Update replaces the route with the given name. Returns whether the
// target existed.
func (m *Manager) Update(ctx context.Context, name string, route *Route) (bool, error) {
	route.Name = name
	if err := route.Validate(); err != nil {
		return false, err
	}

	m.mu.RLock()
	current := m.routes
	m.mu.RUnlock()

	next := make([]*Route, len(current))
	copy(next, current)

	found := false
	for i, r := range next {
		if r.Name == name {
			next[i] = route
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	return true, m.commit(ctx, current, next)
}

// Delete removes the route with the given name. Returns whether the target
// existed.
func (m *Manager) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	current := m.routes
	m.mu.RUnlock()

	next := make([]*Route, 0, len(current))
	found := false
	for _, r := range current {
		if r.Name == name {
			found = true
			continue
		}
		next = append(next, r)
	}
	if !found {
		return false, nil
	}

	return true, m.commit(ctx, current, next)
}

// commit installs the next list and persists it. A persistence failure
// rolls the in-memory list back to the previous state.
func (m *Manager) commit(ctx context.Context, previous, next []*Route) error {
	if err := m.adopt(next); err != nil {
		return err
	}

	if err := m.persist(ctx, next); err != nil {
		if rollbackErr := m.adopt(previous); rollbackErr != nil {
			m.logger.Error("rollback after failed persist also failed", zap.Error(rollbackErr))
		}
		return err
	}
	return nil
}

// persist writes the list to disk atomically and mirrors it to the shared
// store. Either failure fails the mutation.
func (m *Manager) persist(ctx context.Context, list []*Route) error {
	if err := m.writeFile(list); err != nil {
		return err
	}
	return m.mirrorToStoreStrict(ctx, list)
}

// writeFile writes routes.json via a temp file and rename.
func (m *Manager) writeFile(list []*Route) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling routes: %w", err)
	}

	if err := os.MkdirAll(m.configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	m.selfWrites.Add(1)

	tmp, err := os.CreateTemp(m.configDir, routesFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp routes file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp routes file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp routes file: %w", err)
	}

	if err := os.Rename(tmpName, m.filePath()); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming routes file: %w", err)
	}
	return nil
}

func (m *Manager) mirrorToStoreStrict(ctx context.Context, list []*Route) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshaling routes for store: %w", err)
	}
	if err := m.store.Set(ctx, StoreKey, string(data), 0); err != nil {
		return fmt.Errorf("mirroring routes to store: %w", err)
	}
	return nil
}

// mirrorToStore is the best-effort variant used on load paths.
func (m *Manager) mirrorToStore(ctx context.Context, list []*Route) {
	if err := m.mirrorToStoreStrict(ctx, list); err != nil {
		m.logger.Warn("failed to mirror routes to shared store", zap.Error(err))
	}
}

// Match resolves a request against the active routes. Longest literal
// prefix wins; among ties, the first-registered route.
func (m *Manager) Match(method, path string) (*MatchResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *MatchResult
	bestPrefixLen := -1

	for _, c := range m.compiled {
		if !c.route.allowsMethod(method) {
			continue
		}
		params, remainder, ok := c.match(path)
		if !ok {
			continue
		}
		if len(c.literalPrefix) > bestPrefixLen {
			bestPrefixLen = len(c.literalPrefix)
			best = &MatchResult{Route: c.route, PathParams: params, Remainder: remainder}
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

// Ready reports whether Load has completed successfully.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

func (m *Manager) filePath() string {
	return filepath.Join(m.configDir, routesFileName)
}
