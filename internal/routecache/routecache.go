// Package routecache holds the two coexisting destination lookups a DSR
// node keeps: a fast dest -> next-hop map used while forwarding, and a
// dest -> full source-route map used when originating traffic or
// building an RREP. Mirrors the teacher's directory.Cache load/save
// text-dump convention (github.com/cvsouth/tor-go/directory/cache.go),
// generalized from JSON-on-disk caching to the plain-text dump §4.2
// specifies.
package routecache

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dsrnet/dsr-node/internal/wire"
)

// Cache is the per-node route cache. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	nextHop  map[wire.NodeID]wire.NodeID
	routes   map[wire.NodeID][]wire.NodeID
}

// New returns an empty route cache.
func New() *Cache {
	return &Cache{
		nextHop: make(map[wire.NodeID]wire.NodeID),
		routes:  make(map[wire.NodeID][]wire.NodeID),
	}
}

// AddOrUpdate sets dest's next hop, overwriting any prior mapping.
func (c *Cache) AddOrUpdate(dest, nextHop wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHop[dest] = nextHop
}

// GetNextHop returns the next hop toward dest, and whether one exists.
func (c *Cache) GetNextHop(dest wire.NodeID) (wire.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hop, ok := c.nextHop[dest]
	return hop, ok
}

// SetRoute records the full source route to dest, overwriting any
// prior route and deriving the next-hop mapping from it.
func (c *Cache) SetRoute(dest wire.NodeID, route []wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]wire.NodeID(nil), route...)
	c.routes[dest] = cp
	if len(cp) >= 2 {
		c.nextHop[dest] = cp[1]
	}
}

// GetRoute returns the full cached source route to dest, if any.
func (c *Cache) GetRoute(dest wire.NodeID) ([]wire.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[dest]
	if !ok {
		return nil, false
	}
	return append([]wire.NodeID(nil), r...), true
}

// Remove deletes both mappings for dest. Idempotent.
func (c *Cache) Remove(dest wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nextHop, dest)
	delete(c.routes, dest)
}

// RemoveRoutesWithNextHop deletes every next-hop mapping equal to h and
// every full route that contains h after its first element, together
// with that destination's next-hop mapping — not merely entries whose
// destination is h. This is the invalidation rule §4.2 calls out
// explicitly: a failed link invalidates every route that would cross
// it, regardless of final destination. Idempotent.
func (c *Cache) RemoveRoutesWithNextHop(h wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for dest, hop := range c.nextHop {
		if hop == h {
			delete(c.nextHop, dest)
		}
	}
	for dest, route := range c.routes {
		if routeUsesNextHop(route, h) {
			delete(c.routes, dest)
			delete(c.nextHop, dest)
		}
	}
}

func routeUsesNextHop(route []wire.NodeID, h wire.NodeID) bool {
	if len(route) < 2 {
		return false
	}
	for _, id := range route[1:] {
		if id == h {
			return true
		}
	}
	return false
}

// Size returns the number of destinations with a cached next hop.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nextHop)
}

// Clear empties both maps.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHop = make(map[wire.NodeID]wire.NodeID)
	c.routes = make(map[wire.NodeID][]wire.NodeID)
}

// Save writes a best-effort text dump of the next-hop table to path,
// in the style of the teacher's cache text dumps.
func (c *Cache) Save(path string) error {
	c.mu.Lock()
	dests := make([]int, 0, len(c.nextHop))
	for d := range c.nextHop {
		dests = append(dests, int(d))
	}
	sort.Ints(dests)

	var sb strings.Builder
	sb.WriteString("Destination -> Next Hop\n")
	sb.WriteString("-----------------------\n")
	for _, d := range dests {
		fmt.Fprintf(&sb, "%d -> %d\n", d, c.nextHop[wire.NodeID(d)])
	}
	c.mu.Unlock()

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("save route cache: %w", err)
	}
	return nil
}

// SaveRoutes writes a best-effort text dump of the full source-route
// table to path. This is the second of the two coexisting
// representations §4.2 requires kept: Save persists the fast
// dest -> next-hop lookup (RouteCache.txt), SaveRoutes persists the
// dest -> full hop list used for origination and RREP construction
// (DSR_RouteCache.txt, §6).
func (c *Cache) SaveRoutes(path string) error {
	c.mu.Lock()
	dests := make([]int, 0, len(c.routes))
	for d := range c.routes {
		dests = append(dests, int(d))
	}
	sort.Ints(dests)

	var sb strings.Builder
	sb.WriteString("Destination -> Route\n")
	sb.WriteString("--------------------\n")
	for _, d := range dests {
		route := c.routes[wire.NodeID(d)]
		hops := make([]string, len(route))
		for i, h := range route {
			hops[i] = fmt.Sprintf("%d", h)
		}
		fmt.Fprintf(&sb, "%d -> %s\n", d, strings.Join(hops, ","))
	}
	c.mu.Unlock()

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("save dsr route cache: %w", err)
	}
	return nil
}
