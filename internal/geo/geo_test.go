package geo

import (
	"errors"
	"math"
	"testing"

	"fleetmap/internal/domain"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		wantErr  bool
	}{
		{"istanbul", 41.0082, 28.9784, false},
		{"latitude too high", 91, 0, true},
		{"longitude too low", 0, -200, true},
		{"poles and antimeridian", -90, 180, false},
		{"nan latitude", math.NaN(), 10, true},
		{"infinite longitude", 10, math.Inf(1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.lat, tt.lng)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%v, %v) error = %v, wantErr %v", tt.lat, tt.lng, err, tt.wantErr)
			}
			if err != nil {
				var ice *domain.InvalidCoordinateError
				if !errors.As(err, &ice) {
					t.Errorf("error %T is not *InvalidCoordinateError", err)
				}
			}
		})
	}
}

func TestParse(t *testing.T) {
	p, err := Parse(" 41.0082", "28.9784 ")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Lat != 41.0082 || p.Lng != 28.9784 {
		t.Errorf("Parse() = %+v", p)
	}

	for _, in := range [][2]string{{"abc", "1"}, {"1", ""}, {"91", "0"}, {"NaN", "0"}} {
		if _, err := Parse(in[0], in[1]); err == nil {
			t.Errorf("Parse(%q, %q) expected error", in[0], in[1])
		}
	}
}

func TestDistanceKm(t *testing.T) {
	a := Point{Lat: 41.0082, Lng: 28.9784}
	b := Point{Lat: 39.9334, Lng: 32.8597}

	if d := DistanceKm(a, a); d != 0 {
		t.Errorf("DistanceKm(a, a) = %v, want 0", d)
	}
	ab, ba := DistanceKm(a, b), DistanceKm(b, a)
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("DistanceKm not symmetric: %v vs %v", ab, ba)
	}
	// Istanbul to Ankara is roughly 350 km as the crow flies.
	if ab < 340 || ab > 360 {
		t.Errorf("DistanceKm(istanbul, ankara) = %v, want ~350", ab)
	}
}

func TestETAMinutes(t *testing.T) {
	tests := []struct {
		km   float64
		want int
	}{
		{0, 0},
		{15, 30},
		{30, 60},
		{1, 2},
		{0.2, 0},
	}
	for _, tt := range tests {
		if got := ETAMinutes(tt.km); got != tt.want {
			t.Errorf("ETAMinutes(%v) = %d, want %d", tt.km, got, tt.want)
		}
	}
}

func TestBounds(t *testing.T) {
	b := BoundsOf([]Point{{Lat: 41.0, Lng: 29.0}, {Lat: 41.1, Lng: 28.9}})
	if b.MinLat != 41.0 || b.MaxLat != 41.1 || b.MinLon != 28.9 || b.MaxLon != 29.0 {
		t.Errorf("BoundsOf() = %+v", b)
	}
	if !b.Contains(41.05, 28.95) {
		t.Error("expected bounds to contain midpoint")
	}
	if b.Contains(42, 29) {
		t.Error("expected bounds to exclude outside point")
	}
	if !EmptyBounds().IsEmpty() {
		t.Error("EmptyBounds should be empty")
	}
}

func TestTileID(t *testing.T) {
	if got := TileID(0, 0, 1); got != "1/1/1" {
		t.Errorf("TileID(0,0,1) = %q", got)
	}
	z, x, y, ok := ParseTileID(TileID(41.0082, 28.9784, 14))
	if !ok || z != 14 || x < 0 || y < 0 {
		t.Errorf("ParseTileID round trip failed: %d %d %d %v", z, x, y, ok)
	}
	if _, _, _, ok := ParseTileID("bad"); ok {
		t.Error("ParseTileID accepted garbage")
	}
}

func TestTilesInBBox(t *testing.T) {
	b := BoundsOf([]Point{{Lat: 41.0, Lng: 28.9}, {Lat: 41.05, Lng: 29.0}})
	tiles := TilesInBBox(b, 14)
	if len(tiles) == 0 {
		t.Fatal("expected at least one tile")
	}
	want := TileID(41.02, 28.95, 14)
	found := false
	for _, id := range tiles {
		if id == want {
			found = true
		}
	}
	if !found {
		t.Errorf("tile %s missing from %v", want, tiles)
	}
	if n := TileCount(b, 14); n != len(tiles) {
		t.Errorf("TileCount() = %d, want %d", n, len(tiles))
	}
	if n := TileCount(EmptyBounds(), 14); n != 0 {
		t.Errorf("TileCount(empty) = %d, want 0", n)
	}
}

func TestFitZoom(t *testing.T) {
	city := BoundsOf([]Point{{Lat: 40.95, Lng: 28.8}, {Lat: 41.1, Lng: 29.1}})
	country := BoundsOf([]Point{{Lat: 36.0, Lng: 26.0}, {Lat: 42.0, Lng: 44.0}})

	zc := FitZoom(city, 1024, 768, 50, MaxZoom)
	zn := FitZoom(country, 1024, 768, 50, MaxZoom)
	if zc <= zn {
		t.Errorf("city zoom %d should be deeper than country zoom %d", zc, zn)
	}
	if zn < 3 || zn > 7 {
		t.Errorf("country zoom = %d, want between 3 and 7", zn)
	}

	single := BoundsOf([]Point{{Lat: 41, Lng: 29}})
	if got := FitZoom(single, 800, 600, 20, 17); got != 17 {
		t.Errorf("single point zoom = %d, want 17", got)
	}
	if got := FitZoom(city, 10, 10, 20, MaxZoom); got != 0 {
		t.Errorf("zero-area viewport zoom = %d, want 0", got)
	}
}
