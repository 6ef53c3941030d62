// Package geo defines the sensor-model collaborator contract (§6) and the
// per-image cache the design notes call for: sensor models are expensive
// to construct and are reused for every tile of an image, then evicted
// the moment the image terminates so no process accumulates state across
// unrelated jobs.
package geo

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
)

// SensorModel projects between image pixel coordinates and world (lon,
// lat) coordinates for one image. Implementations are an external
// collaborator (camera model, RPC/RPB coefficients, or a flat-earth
// approximation) — this package only specifies the contract and caches
// instances by image id.
type SensorModel interface {
	ImageToWorld(px orb.Point) (orb.Point, error)
	WorldToImage(world orb.Point) (orb.Point, error)
}

// Factory builds a SensorModel for an image, typically by reading camera
// metadata out of the raster collaborator.
type Factory func(imageID, imageURL string) (SensorModel, error)

// Cache holds at most one SensorModel per in-flight image, built lazily
// on first use and evicted by Evict when the image terminates.
type Cache struct {
	mu      sync.Mutex
	models  map[string]SensorModel
	factory Factory
}

// NewCache constructs a Cache that builds models via factory.
func NewCache(factory Factory) *Cache {
	return &Cache{models: make(map[string]SensorModel), factory: factory}
}

// Get returns the cached SensorModel for imageID, constructing it via the
// factory on first access.
func (c *Cache) Get(imageID, imageURL string) (SensorModel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.models[imageID]; ok {
		return m, nil
	}
	m, err := c.factory(imageID, imageURL)
	if err != nil {
		return nil, fmt.Errorf("build sensor model for %s: %w", imageID, err)
	}
	c.models[imageID] = m
	return m, nil
}

// Evict discards the cached SensorModel for imageID, called once the
// image reaches a terminal state.
func (c *Cache) Evict(imageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.models, imageID)
}

// GeolocateFeature returns the world-space point at the center of a
// feature's pixel bbox, using model, which must be non-nil. Returns an
// error only if the projection itself fails. Callers without a sensor
// model do not call it and leave the feature un-geolocated (sink falls
// back to the pixel center as a Point, see internal/sink).
func GeolocateFeature(model SensorModel, boundsImcoords [4]float64) (orb.Point, error) {
	cx := (boundsImcoords[0] + boundsImcoords[2]) / 2
	cy := (boundsImcoords[1] + boundsImcoords[3]) / 2
	world, err := model.ImageToWorld(orb.Point{cx, cy})
	if err != nil {
		return orb.Point{}, fmt.Errorf("image to world: %w", err)
	}
	return world, nil
}
