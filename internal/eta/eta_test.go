package eta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/assist-dispatch/internal/models"
)

type fakeProvider struct {
	route Route
	err   error
	calls int
}

func (f *fakeProvider) Route(ctx context.Context, origin, dest models.Coord) (Route, error) {
	f.calls++
	return f.route, f.err
}

type hangingProvider struct{}

func (hangingProvider) Route(ctx context.Context, origin, dest models.Coord) (Route, error) {
	<-ctx.Done()
	return Route{}, ctx.Err()
}

var (
	origin = models.Coord{Lat: 14.6349, Lon: -90.5069}
	dest   = models.Coord{Lat: 14.60, Lon: -90.52}
)

func TestEstimateUsesProvider(t *testing.T) {
	p := &fakeProvider{route: Route{DistanceKm: 4.2, DurationMinutes: 11.4}}
	e := &Estimator{Provider: p}
	got := e.Estimate(context.Background(), origin, dest, models.VehicleCar)
	if got.Source != SourceRoutingAPI {
		t.Fatalf("expected routing-api source, got %q", got.Source)
	}
	if got.DistanceKm != 4.2 || got.ETAMinutes != 11 {
		t.Fatalf("unexpected estimate: %+v", got)
	}
}

func TestEstimateFallsBackOnProviderError(t *testing.T) {
	p := &fakeProvider{err: errors.New("boom")}
	e := &Estimator{Provider: p}
	got := e.Estimate(context.Background(), origin, dest, models.VehicleCar)
	if got.Source != SourceFallback {
		t.Fatalf("expected fallback source, got %q", got.Source)
	}
	if got.DistanceKm <= 0 || got.ETAMinutes < 1 {
		t.Fatalf("unusable fallback estimate: %+v", got)
	}
}

func TestEstimateFallsBackOnTimeout(t *testing.T) {
	e := &Estimator{Provider: hangingProvider{}, Timeout: 10 * time.Millisecond}
	start := time.Now()
	got := e.Estimate(context.Background(), origin, dest, models.VehicleMotorcycle)
	if got.Source != SourceFallback {
		t.Fatalf("expected fallback source, got %q", got.Source)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("provider timeout not bounded")
	}
}

func TestEstimateWithoutProvider(t *testing.T) {
	e := &Estimator{}
	got := e.Estimate(context.Background(), origin, dest, models.VehicleAmbulance)
	if got.Source != SourceFallback {
		t.Fatalf("expected fallback source, got %q", got.Source)
	}
}

func TestFallbackSpeedPerVehicle(t *testing.T) {
	moto := Fallback(origin, dest, models.VehicleMotorcycle)
	car := Fallback(origin, dest, models.VehicleCar)
	amb := Fallback(origin, dest, models.VehicleAmbulance)
	if !(amb.ETAMinutes <= moto.ETAMinutes && moto.ETAMinutes <= car.ETAMinutes) {
		t.Fatalf("expected ambulance <= motorcycle <= car, got %f %f %f",
			amb.ETAMinutes, moto.ETAMinutes, car.ETAMinutes)
	}
}

func TestFallbackFloorsAtOneMinute(t *testing.T) {
	near := models.Coord{Lat: origin.Lat + 0.0001, Lon: origin.Lon}
	got := Fallback(origin, near, models.VehicleCar)
	if got.ETAMinutes != 1 {
		t.Fatalf("expected 1 minute floor, got %f", got.ETAMinutes)
	}
}

func TestFallbackAppliesTrafficBuffer(t *testing.T) {
	// 25 km at 25 km/h is 60 min raw; the buffer must push it to 72
	far := models.Coord{Lat: origin.Lat + 25.0/111.2, Lon: origin.Lon}
	got := Fallback(origin, far, models.VehicleCar)
	if got.ETAMinutes < 70 || got.ETAMinutes > 74 {
		t.Fatalf("expected ~72 min with buffer, got %f", got.ETAMinutes)
	}
}

func TestCacheAvoidsRepeatProviderCalls(t *testing.T) {
	p := &fakeProvider{route: Route{DistanceKm: 4.2, DurationMinutes: 11}}
	e := &Estimator{Provider: p, Cache: NewCache(time.Minute)}
	e.Estimate(context.Background(), origin, dest, models.VehicleCar)
	e.Estimate(context.Background(), origin, dest, models.VehicleCar)
	if p.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", p.calls)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(origin, dest, Route{DistanceKm: 1, DurationMinutes: 2})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(origin, dest); ok {
		t.Fatal("expected cache entry to expire")
	}
}
