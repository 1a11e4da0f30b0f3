// Package geo provides a fixed-size grid index of connected users' positions.
// Lookups are answered from the 3x3 block of cells around a point, trading
// exactness at cell edges for constant-time queries regardless of user count.
package geo

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/1F47E/geo-presence/pkg/models"
)

// CellSize is the side of a grid cell in degrees (~1.1 km at the equator)
const CellSize = 0.01

// CellKey identifies a grid cell by its integer coordinates
type CellKey struct {
	X int // floor(lon / CellSize)
	Y int // floor(lat / CellSize)
}

func (k CellKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.X, k.Y)
}

// CellFor returns the cell containing the given point
func CellFor(lat, lon float64) CellKey {
	return CellKey{
		X: int(math.Floor(lon / CellSize)),
		Y: int(math.Floor(lat / CellSize)),
	}
}

// Neighbors returns the cell itself and its 8 surrounding cells
func (k CellKey) Neighbors() [9]CellKey {
	var out [9]CellKey
	i := 0
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			out[i] = CellKey{X: k.X + dx, Y: k.Y + dy}
			i++
		}
	}
	return out
}

// Grid is a thread-safe spatial index bucketing users into cells
type Grid struct {
	mu    sync.RWMutex
	cells map[CellKey]map[string]models.UserLocation
	count atomic.Int64
}

// NewGrid creates an empty grid
func NewGrid() *Grid {
	return &Grid{
		cells: make(map[CellKey]map[string]models.UserLocation),
	}
}

// Insert adds the location to the member set of its cell.
// A member with the same user ID in that cell is replaced.
func (g *Grid) Insert(loc models.UserLocation) error {
	if err := loc.Validate(); err != nil {
		return fmt.Errorf("insert %s: %w", loc.UserID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.insertLocked(loc)
	return nil
}

// Remove deletes the user from the cell computed from loc's own coordinates.
// Removing a user that is not there is a no-op.
func (g *Grid) Remove(loc models.UserLocation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.removeLocked(loc)
}

// Update moves a user from prev to next in one step. prev may be nil when
// the user has no recorded location yet.
func (g *Grid) Update(prev *models.UserLocation, next models.UserLocation) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("update %s: %w", next.UserID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev != nil {
		g.removeLocked(*prev)
	}
	g.insertLocked(next)
	return nil
}

// QueryNear returns every member of the 3x3 block of cells around (lat, lon).
// Users just outside the block are missed and users on the far edge of a
// neighbour cell are included; callers rely on this approximation.
func (g *Grid) QueryNear(lat, lon float64) []models.UserLocation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var nearby []models.UserLocation
	for _, key := range CellFor(lat, lon).Neighbors() {
		members, ok := g.cells[key]
		if !ok {
			continue
		}
		for _, loc := range members {
			nearby = append(nearby, loc)
		}
	}
	return nearby
}

// Size returns the number of indexed locations
func (g *Grid) Size() int64 {
	return g.count.Load()
}

// Cells returns the number of occupied cells
func (g *Grid) Cells() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cells)
}

// Clear drops all cells. Only meant for tests and full resets.
func (g *Grid) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cells = make(map[CellKey]map[string]models.UserLocation)
	g.count.Store(0)
}

func (g *Grid) insertLocked(loc models.UserLocation) {
	key := CellFor(loc.Latitude, loc.Longitude)
	members, ok := g.cells[key]
	if !ok {
		members = make(map[string]models.UserLocation)
		g.cells[key] = members
	}
	if _, exists := members[loc.UserID]; !exists {
		g.count.Add(1)
	}
	members[loc.UserID] = loc
}

func (g *Grid) removeLocked(loc models.UserLocation) {
	key := CellFor(loc.Latitude, loc.Longitude)
	members, ok := g.cells[key]
	if !ok {
		return
	}
	if _, exists := members[loc.UserID]; !exists {
		return
	}
	delete(members, loc.UserID)
	g.count.Add(-1)
	// Prune so long-running servers don't accumulate empty cells
	if len(members) == 0 {
		delete(g.cells, key)
	}
}
