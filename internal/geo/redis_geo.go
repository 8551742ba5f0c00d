package geo

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/assist-dispatch/internal/models"
)

// RedisGeo implements GeoIndex on Redis GEO commands, with worker
// eligibility metadata kept in a hash per worker.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) UpsertWorker(w models.Worker) {
	if w.Loc != nil {
		_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: w.Loc.Lon, Latitude: w.Loc.Lat, Name: w.ID}).Result()
	}
	caps := make([]string, 0, len(w.Capabilities))
	for _, c := range w.Capabilities {
		caps = append(caps, string(c))
	}
	_ = r.client.HSet(r.ctx, metaKey(w.ID), map[string]interface{}{
		"capabilities": strings.Join(caps, ","),
		"vehicle":      string(w.Vehicle),
		"rating":       strconv.FormatFloat(w.Rating, 'f', 2, 64),
		"online":       strconv.FormatBool(w.Online),
		"available":    strconv.FormatBool(w.Available),
		"updated":      time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) UpsertPosition(workerID string, loc models.Coord, online bool) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: workerID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(workerID), map[string]interface{}{
		"online":  strconv.FormatBool(online),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) SetAvailability(workerID string, available bool) {
	_ = r.client.HSet(r.ctx, metaKey(workerID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisGeo) SetOnline(workerID string, online bool) {
	_ = r.client.HSet(r.ctx, metaKey(workerID), "online", strconv.FormatBool(online)).Err()
}

func (r *RedisGeo) Worker(workerID string) (models.Worker, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(workerID)).Result()
	if err != nil || len(m) == 0 {
		return models.Worker{}, false
	}
	w := workerFromMeta(workerID, m)
	if pos, err := r.client.GeoPos(r.ctx, r.key, workerID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		w.Loc = &models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return w, true
}

func (r *RedisGeo) FindCandidates(origin models.Coord, radiusKm float64, capability models.Capability, exclude map[string]struct{}) []Candidate {
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		if _, skip := exclude[g.Name]; skip {
			continue
		}
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		w := workerFromMeta(g.Name, m)
		if !w.Online || !w.Available || !w.HasCapability(capability) {
			continue
		}
		w.Loc = &models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, Candidate{Worker: w, DistanceKm: g.Dist})
	}
	// GEORADIUS sorts by distance already; settle ties by id for determinism
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Worker.ID < out[j].Worker.ID
	})
	return out
}

func workerFromMeta(id string, m map[string]string) models.Worker {
	w := models.Worker{ID: id}
	if v, ok := m["capabilities"]; ok && v != "" {
		for _, c := range strings.Split(v, ",") {
			w.Capabilities = append(w.Capabilities, models.Capability(c))
		}
	}
	w.Vehicle = models.VehicleType(m["vehicle"])
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		w.Rating = f
	}
	w.Online = m["online"] == "true"
	w.Available = m["available"] == "true"
	if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
		w.Updated = t
	}
	return w
}

func metaKey(id string) string { return "worker:meta:" + id }
