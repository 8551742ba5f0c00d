package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/assist-dispatch/internal/models"
)

// bucketPrecision is the geohash precision workers are bucketed at
// (~1.2 km cells). Queries cover their radius with coarser prefixes.
const bucketPrecision = 6

// Candidate is one eligible worker with its great-circle distance from
// the query origin.
type Candidate struct {
	Worker     models.Worker
	DistanceKm float64
}

// GeoIndex answers "who is near point P" for the dispatch engine and
// keeps the per-worker current-position projection.
type GeoIndex interface {
	UpsertWorker(w models.Worker)
	UpsertPosition(workerID string, loc models.Coord, online bool)
	SetAvailability(workerID string, available bool)
	SetOnline(workerID string, online bool)
	Worker(workerID string) (models.Worker, bool)
	// FindCandidates returns eligible workers within radiusKm of origin,
	// ascending by distance, ties broken by worker id. Offline,
	// unavailable and capability-mismatched workers are never returned.
	FindCandidates(origin models.Coord, radiusKm float64, capability models.Capability, exclude map[string]struct{}) []Candidate
}

// Index is the in-memory GeoIndex. Workers are bucketed into geohash
// cells so the radius prefilter stays cheap; exact ordering uses
// haversine on the surviving bucket members.
type Index struct {
	mu      sync.RWMutex
	workers map[string]models.Worker
	cells   map[string]map[string]struct{} // bucketPrecision cell -> worker ids
	cellOf  map[string]string
}

func NewIndex() *Index {
	return &Index{
		workers: make(map[string]models.Worker),
		cells:   make(map[string]map[string]struct{}),
		cellOf:  make(map[string]string),
	}
}

func (g *Index) UpsertWorker(w models.Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.Updated = time.Now()
	g.workers[w.ID] = w
	if w.Loc != nil {
		g.rebucket(w.ID, *w.Loc)
	}
}

func (g *Index) UpsertPosition(workerID string, loc models.Coord, online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.workers[workerID]
	if !ok {
		w = models.Worker{ID: workerID, Available: true}
	}
	w.Loc = &loc
	w.Online = online
	w.Updated = time.Now()
	g.workers[workerID] = w
	g.rebucket(workerID, loc)
}

func (g *Index) SetAvailability(workerID string, available bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.workers[workerID]; ok {
		w.Available = available
		g.workers[workerID] = w
	}
}

func (g *Index) SetOnline(workerID string, online bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.workers[workerID]; ok {
		w.Online = online
		w.Updated = time.Now()
		g.workers[workerID] = w
	}
}

func (g *Index) Worker(workerID string) (models.Worker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.workers[workerID]
	return w, ok
}

// MarkStaleOffline flips workers with no position update since cutoff to
// offline and returns their ids. Used by the idle-worker reaper.
func (g *Index) MarkStaleOffline(cutoff time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id, w := range g.workers {
		if w.Online && w.Updated.Before(cutoff) {
			w.Online = false
			g.workers[id] = w
			out = append(out, id)
		}
	}
	return out
}

func (g *Index) FindCandidates(origin models.Coord, radiusKm float64, capability models.Capability, exclude map[string]struct{}) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Candidate, 0, 8)
	consider := func(id string) {
		if _, skip := exclude[id]; skip {
			return
		}
		w, ok := g.workers[id]
		if !ok || !w.Online || !w.Available || w.Loc == nil {
			return
		}
		if !w.HasCapability(capability) {
			return
		}
		d := Haversine(origin, *w.Loc)
		if d <= radiusKm {
			out = append(out, Candidate{Worker: w, DistanceKm: d})
		}
	}

	if prefixes, ok := coverPrefixes(origin, radiusKm); ok {
		for cell, ids := range g.cells {
			if !hasAnyPrefix(cell, prefixes) {
				continue
			}
			for id := range ids {
				consider(id)
			}
		}
	} else {
		// radius too wide for cell covering; plain scan
		for id := range g.workers {
			consider(id)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Worker.ID < out[j].Worker.ID
	})
	return out
}

// rebucket moves a worker to the cell of its new position. Caller holds mu.
func (g *Index) rebucket(workerID string, loc models.Coord) {
	cell := geohash.EncodeWithPrecision(loc.Lat, loc.Lon, bucketPrecision)
	if prev, ok := g.cellOf[workerID]; ok {
		if prev == cell {
			return
		}
		delete(g.cells[prev], workerID)
		if len(g.cells[prev]) == 0 {
			delete(g.cells, prev)
		}
	}
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][workerID] = struct{}{}
	g.cellOf[workerID] = cell
}

// coverPrefixes returns the origin cell and its neighbors at a precision
// whose minimum cell dimension exceeds radiusKm, so the 3x3 block covers
// the circle even when the origin sits on a cell edge. ok=false means
// the radius is too wide to cover this way.
func coverPrefixes(origin models.Coord, radiusKm float64) ([]string, bool) {
	// minimum geohash cell dimension in km per precision: cells are
	// rectangular at even precisions (p6 is ~1.22 x 0.61 km), and the
	// coverage guarantee rides on the short side
	minDims := map[uint]float64{6: 0.61, 5: 4.89, 4: 19.5, 3: 156}
	var precision uint
	for _, p := range []uint{6, 5, 4, 3} {
		if minDims[p] >= radiusKm {
			precision = p
			break
		}
	}
	if precision == 0 {
		return nil, false
	}
	center := geohash.EncodeWithPrecision(origin.Lat, origin.Lon, precision)
	return append(geohash.Neighbors(center), center), true
}

func hasAnyPrefix(cell string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(cell) >= len(p) && cell[:len(p)] == p {
			return true
		}
	}
	return false
}

// Haversine returns the great-circle distance in kilometers on a
// spherical Earth of mean radius 6371 km.
func Haversine(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
