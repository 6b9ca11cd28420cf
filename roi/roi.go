/*Package roi owns the set of named regions of interest on the sensor.

The registry is the sole owner of its regions: callers refer to regions
by name and regions hold no pointer back to the registry.  Mutations are
commands (validate, mutate, persist) rather than bare field writes, and
the registry hands the acquisition worker consistent value snapshots so
a rectangle can never be observed half-updated.
*/
package roi

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.jpl.nasa.gov/bdube/photel/dcam"
)

// DefaultSize is the edge length of the rectangle given to newly added
// regions, clamped to the active bounds.  It is a multiple of dcam.Step.
const DefaultSize = 100

// Region is a named rectangular sub-window of the sensor with
// independently computed statistics.  Coordinates are full-sensor.
type Region struct {
	// Name uniquely identifies the region within its registry
	Name string `json:"name"`

	// X is the left column
	X int `json:"x"`

	// Y is the top row
	Y int `json:"y"`

	// Width is the width in pixels
	Width int `json:"width"`

	// Height is the height in rows
	Height int `json:"height"`

	// Enabled regions are aggregated and logged; disabled ones are
	// skipped and their statistics cleared
	Enabled bool `json:"enabled"`

	// TotalPE is the photoelectron sum over the region for the most
	// recent frame.  Derived, not persisted.
	TotalPE float64 `json:"totalPE,omitempty"`

	// MeanPEPerPixel is TotalPE divided by the aggregated pixel count.
	// Derived, not persisted.
	MeanPEPerPixel float64 `json:"meanPEPerPixel,omitempty"`
}

// storeRecord is the persisted shape of a region: geometry only, no
// derived statistics.
type storeRecord struct {
	Name    string `json:"name"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Enabled bool   `json:"enabled"`
}

// Rect is the geometric part of a region, used for updates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ValidationError is generated when a proposed rectangle violates
// alignment or the active sensor bounds.  The prior value is retained.
type ValidationError struct {
	// Field is the offending rectangle field
	Field string

	// Value is the rejected value
	Value int

	// Reason describes the violated constraint
	Reason string
}

// Error satisfies the error interface
func (e ValidationError) Error() string {
	return fmt.Sprintf("roi: invalid %s=%d: %s", e.Field, e.Value, e.Reason)
}

// ErrNotFound is generated when a region name is not present in the
// registry.
type ErrNotFound struct {
	// Name is the missing region name
	Name string
}

// Error satisfies the error interface
func (e ErrNotFound) Error() string {
	return fmt.Sprintf("roi: no region named %q", e.Name)
}

// Registry owns the region set, its persistence, and the active bounds
// regions are validated against.  All methods are safe for concurrent
// use.
type Registry struct {
	mu sync.RWMutex

	path    string
	bounds  Rect
	regions []*Region
}

// NewRegistry returns a registry persisting to path, with the active
// bounds initialized to the full sensor (0, 0, width, height).
func NewRegistry(path string, width, height int) *Registry {
	return &Registry{path: path, bounds: Rect{Width: width, Height: height}}
}

// SetBounds updates the active bounds, in full-sensor coordinates, that
// subsequent updates are validated against.  Existing regions are left
// alone; the aggregator clips them against the live frame.
func (g *Registry) SetBounds(x, y, width, height int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bounds = Rect{X: x, Y: y, Width: width, Height: height}
}

// Bounds returns the active bounds.
func (g *Registry) Bounds() Rect {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bounds
}

// validate checks r against alignment and the active bounds.  Callers
// hold at least the read lock.
func (g *Registry) validate(r Rect) error {
	fields := []struct {
		name string
		v    int
	}{
		{"x", r.X},
		{"y", r.Y},
		{"width", r.Width},
		{"height", r.Height},
	}
	for _, f := range fields {
		if f.v < 0 {
			return ValidationError{Field: f.name, Value: f.v, Reason: "must be >= 0"}
		}
		if f.v%dcam.Step != 0 {
			return ValidationError{Field: f.name, Value: f.v, Reason: fmt.Sprintf("must be aligned to the %d-pixel readout step", dcam.Step)}
		}
	}
	b := g.bounds
	if r.X < b.X || r.X+r.Width > b.X+b.Width {
		return ValidationError{Field: "width", Value: r.Width, Reason: fmt.Sprintf("rectangle exceeds active bounds [%d, %d)", b.X, b.X+b.Width)}
	}
	if r.Y < b.Y || r.Y+r.Height > b.Y+b.Height {
		return ValidationError{Field: "height", Value: r.Height, Reason: fmt.Sprintf("rectangle exceeds active bounds [%d, %d)", b.Y, b.Y+b.Height)}
	}
	return nil
}

// find returns the index of the named region, or -1.  Callers hold at
// least the read lock.
func (g *Registry) find(name string) int {
	for i, r := range g.regions {
		if r.Name == name {
			return i
		}
	}
	return -1
}

// nextName allocates the lowest unused ROIn name.  Callers hold the lock.
func (g *Registry) nextName() string {
	for n := 1; ; n++ {
		name := fmt.Sprintf("ROI%d", n)
		if g.find(name) == -1 {
			return name
		}
	}
}

// defaultRect returns the rectangle for a new region: DefaultSize square
// at the top-left of the active bounds, clamped and step-aligned.
// Callers hold the lock.
func (g *Registry) defaultRect() Rect {
	b := g.bounds
	w, h := DefaultSize, DefaultSize
	if w > b.Width {
		w = b.Width / dcam.Step * dcam.Step
	}
	if h > b.Height {
		h = b.Height / dcam.Step * dcam.Step
	}
	return Rect{X: b.X, Y: b.Y, Width: w, Height: h}
}

// Add creates a new enabled region with an auto-generated name and a
// default rectangle, persists the registry, and returns the new name.
// The region is kept in memory even if persistence fails.
func (g *Registry) Add() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := g.nextName()
	r := g.defaultRect()
	g.regions = append(g.regions, &Region{
		Name:    name,
		X:       r.X,
		Y:       r.Y,
		Width:   r.Width,
		Height:  r.Height,
		Enabled: true,
	})
	return name, g.saveLocked()
}

// Update validates the proposed rectangle and, on success, mutates the
// named region and persists.  On a validation failure the stored value
// is unchanged.
func (g *Registry) Update(name string, r Rect) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.find(name)
	if i == -1 {
		return ErrNotFound{Name: name}
	}
	if err := g.validate(r); err != nil {
		return err
	}
	reg := g.regions[i]
	reg.X, reg.Y, reg.Width, reg.Height = r.X, r.Y, r.Width, r.Height
	return g.saveLocked()
}

// SetEnabled flips the enabled flag of the named region and persists.
func (g *Registry) SetEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.find(name)
	if i == -1 {
		return ErrNotFound{Name: name}
	}
	g.regions[i].Enabled = enabled
	return g.saveLocked()
}

// Remove deletes the named region and persists.
func (g *Registry) Remove(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.find(name)
	if i == -1 {
		return ErrNotFound{Name: name}
	}
	g.regions = append(g.regions[:i], g.regions[i+1:]...)
	return g.saveLocked()
}

// Get returns a copy of the named region.
func (g *Registry) Get(name string) (Region, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i := g.find(name)
	if i == -1 {
		return Region{}, false
	}
	return *g.regions[i], true
}

// Snapshot returns value copies of every region.  The snapshot is
// internally consistent: no rectangle can be observed mid-update.
func (g *Registry) Snapshot() []Region {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Region, len(g.regions))
	for i, r := range g.regions {
		out[i] = *r
	}
	return out
}

// Len returns the number of regions.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.regions)
}

// SetStats writes the derived statistics of the named region.  Unknown
// names are ignored; the region may have been removed while the frame
// was in flight.
func (g *Registry) SetStats(name string, total, meanPerPixel float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i := g.find(name); i != -1 {
		g.regions[i].TotalPE = total
		g.regions[i].MeanPEPerPixel = meanPerPixel
	}
}

// ClearStats zeroes the derived statistics of the named region.
func (g *Registry) ClearStats(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i := g.find(name); i != -1 {
		g.regions[i].TotalPE = 0
		g.regions[i].MeanPEPerPixel = 0
	}
}

// Save persists the full region list to the backing store.
func (g *Registry) Save() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saveLocked()
}

func (g *Registry) saveLocked() error {
	if g.path == "" {
		return nil
	}
	records := make([]storeRecord, len(g.regions))
	for i, r := range g.regions {
		records[i] = storeRecord{Name: r.Name, X: r.X, Y: r.Y, Width: r.Width, Height: r.Height, Enabled: r.Enabled}
	}
	buf, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("roi: encoding region store: %w", err)
	}
	if err := os.WriteFile(g.path, buf, 0666); err != nil {
		return fmt.Errorf("roi: writing region store: %w", err)
	}
	return nil
}

// Load replaces the region set from the backing store.  A missing store
// yields an empty registry and no error.  Malformed or invalid entries
// are skipped with a warning; they are never fatal.
func (g *Registry) Load() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.path == "" {
		return nil
	}
	buf, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			g.regions = nil
			return nil
		}
		return fmt.Errorf("roi: reading region store: %w", err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return fmt.Errorf("roi: decoding region store: %w", err)
	}
	regions := make([]*Region, 0, len(raw))
	for i, msg := range raw {
		var r storeRecord
		if err := json.Unmarshal(msg, &r); err != nil {
			log.Printf("roi: skipping malformed region record %d: %v", i, err)
			continue
		}
		if r.Name == "" {
			log.Printf("roi: skipping region record %d: missing name", i)
			continue
		}
		dupe := false
		for _, kept := range regions {
			if kept.Name == r.Name {
				dupe = true
				break
			}
		}
		if dupe {
			log.Printf("roi: skipping region record %d: duplicate name %q", i, r.Name)
			continue
		}
		regions = append(regions, &Region{
			Name:    r.Name,
			X:       r.X,
			Y:       r.Y,
			Width:   r.Width,
			Height:  r.Height,
			Enabled: r.Enabled,
		})
	}
	g.regions = regions
	return nil
}
