package geo

import (
	"math"

	h3 "github.com/uber/h3-go/v4"
)

// Resolution is the H3 resolution used for every stored cell. It is fixed
// for the life of the system: changing it invalidates all stored cell
// comparisons, so it is a constant rather than configuration.
const Resolution = 8

// DefaultRing is the grid-disk radius used for candidate gathering.
// At resolution 8 a ring of 2 covers roughly a 5 km neighborhood.
const DefaultRing = 2

// Index converts coordinates to hexagonal cell identifiers and expands a
// cell to its surrounding ring. It holds no mutable state; a single shared
// instance is constructed at startup.
type Index struct {
	res int
}

func NewIndex() *Index {
	return &Index{res: Resolution}
}

// CellOf returns the H3 cell identifier for a coordinate. Deterministic:
// the same coordinate always maps to the same cell.
func (i *Index) CellOf(lat, lon float64) string {
	return h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, i.res).String()
}

// Neighborhood returns every cell within ring grid steps of center,
// including center itself.
func (i *Index) Neighborhood(cell string, ring int) []string {
	c := h3.Cell(h3.IndexFromString(cell))
	disk := c.GridDisk(ring)
	out := make([]string, 0, len(disk))
	for _, d := range disk {
		out = append(out, d.String())
	}
	return out
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// HaversineKm is Haversine in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return Haversine(lat1, lon1, lat2, lon2) / 1000.0
}
