package geo

import "testing"

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// ~1.5 km between two points in Bengaluru
	d := HaversineKm(12.90, 77.60, 12.91, 77.61)
	if d < 1.0 || d > 2.0 {
		t.Fatalf("expected ~1.5 km, got %f", d)
	}
}

func TestCellOfDeterministic(t *testing.T) {
	idx := NewIndex()
	a := idx.CellOf(12.9716, 77.5946)
	b := idx.CellOf(12.9716, 77.5946)
	if a == "" || a != b {
		t.Fatalf("expected stable cell, got %q and %q", a, b)
	}
}

func TestNeighborhoodContainsCenter(t *testing.T) {
	idx := NewIndex()
	center := idx.CellOf(12.9716, 77.5946)
	for _, ring := range []int{0, 1, 2} {
		cells := idx.Neighborhood(center, ring)
		found := false
		for _, c := range cells {
			if c == center {
				found = true
			}
		}
		if !found {
			t.Fatalf("ring %d does not contain center %s", ring, center)
		}
	}
}

func TestNeighborhoodGrows(t *testing.T) {
	idx := NewIndex()
	center := idx.CellOf(12.9716, 77.5946)
	if len(idx.Neighborhood(center, 2)) <= len(idx.Neighborhood(center, 1)) {
		t.Fatal("ring 2 should cover more cells than ring 1")
	}
}
