package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/assist-dispatch/internal/geo"
	"github.com/example/assist-dispatch/internal/models"
)

const (
	SourceRoutingAPI = "routing-api"
	SourceFallback   = "fallback"
)

// fallback traffic-uncertainty buffer applied on top of the average-speed model
const fallbackBuffer = 1.2

// Estimate is the result of an ETA computation. Source tells the caller
// whether it came from the routing provider or the geometric fallback.
type Estimate struct {
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes float64 `json:"eta_minutes"`
	Source     string  `json:"source"`
}

// Route is a routing-provider answer.
type Route struct {
	DistanceKm      float64
	DurationMinutes float64
}

// Provider performs route lookups against an external routing service.
type Provider interface {
	Route(ctx context.Context, origin, dest models.Coord) (Route, error)
}

// Estimator computes distance and ETA between two points. The provider
// call is bounded by Timeout; any failure degrades to the average-speed
// model. Estimate never returns an error.
type Estimator struct {
	Provider Provider // optional; nil means fallback-only
	Cache    *Cache   // optional
	Timeout  time.Duration
	Logger   *slog.Logger
}

func (e *Estimator) Estimate(ctx context.Context, origin, dest models.Coord, vehicle models.VehicleType) Estimate {
	if e.Provider != nil {
		if e.Cache != nil {
			if r, ok := e.Cache.Get(origin, dest); ok {
				return fromRoute(r)
			}
		}
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		r, err := e.Provider.Route(rctx, origin, dest)
		cancel()
		if err == nil && r.DistanceKm >= 0 && r.DurationMinutes > 0 {
			if e.Cache != nil {
				e.Cache.Set(origin, dest, r)
			}
			return fromRoute(r)
		}
		if e.Logger != nil {
			e.Logger.Warn("routing provider unavailable, using fallback", "error", err)
		}
	}
	return Fallback(origin, dest, vehicle)
}

// Fallback is the closed-form estimate: haversine distance over a
// per-vehicle average speed, plus the traffic buffer, floored at one
// minute.
func Fallback(origin, dest models.Coord, vehicle models.VehicleType) Estimate {
	d := geo.Haversine(origin, dest)
	minutes := d / SpeedKmh(vehicle) * 60 * fallbackBuffer
	minutes = math.Max(1, math.Round(minutes))
	return Estimate{DistanceKm: d, ETAMinutes: minutes, Source: SourceFallback}
}

// SpeedKmh is the average city speed assumed for a vehicle type.
func SpeedKmh(v models.VehicleType) float64 {
	switch v {
	case models.VehicleMotorcycle:
		return 35
	case models.VehicleAmbulance:
		return 45
	default:
		return 25
	}
}

func fromRoute(r Route) Estimate {
	return Estimate{
		DistanceKm: r.DistanceKm,
		ETAMinutes: math.Max(1, math.Round(r.DurationMinutes)),
		Source:     SourceRoutingAPI,
	}
}

// Cache is a tiny in-memory TTL cache for provider routes keyed by the
// coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

func (c *Cache) Set(a, b models.Coord, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: time.Now()}
	c.mu.Unlock()
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
