// Package locations holds the test-centre catalogue: names, coordinates and
// pass statistics, with lookups by id and by distance from a point.
package locations

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/JakeFAU/slotscraper/internal/booking"
)

const earthRadiusKM = 6371.0

// Centre is one test centre as listed in the locations file. Only ID is
// required; the rest is metadata served by the API.
type Centre struct {
	ID        booking.LocationID `json:"id"`
	Name      string             `json:"name"`
	Latitude  float64            `json:"latitude"`
	Longitude float64            `json:"longitude"`
	Passes    int                `json:"passes"`
	Failures  int                `json:"failures"`
	PassRate  float64            `json:"pass_rate"`
}

// UnmarshalJSON accepts numeric or string ids.
func (c *Centre) UnmarshalJSON(data []byte) error {
	type plain Centre
	var raw struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.ID) == 0 || string(raw.ID) == "null" {
		return fmt.Errorf("centre %q has no id", raw.Name)
	}
	var id string
	if err := json.Unmarshal(raw.ID, &id); err != nil {
		var num json.Number
		if numErr := json.Unmarshal(raw.ID, &num); numErr != nil {
			return fmt.Errorf("centre id %s: %w", raw.ID, numErr)
		}
		id = num.String()
	}
	if id == "" {
		return fmt.Errorf("centre %q has no id", raw.Name)
	}
	*c = Centre(raw.plain)
	c.ID = booking.LocationID(id)
	return nil
}

// DistanceKM returns the great-circle distance from c to (lat, lng).
func (c Centre) DistanceKM(lat, lng float64) float64 {
	lat1 := radians(c.Latitude)
	lat2 := radians(lat)
	dLat := radians(lat - c.Latitude)
	dLng := radians(lng - c.Longitude)

	// Flat-earth approximation for sub-degree hops.
	if math.Abs(dLat) < 0.001 && math.Abs(dLng) < 0.001 {
		x := dLng * math.Cos(lat1)
		return earthRadiusKM * math.Hypot(x, dLat)
	}

	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dLng/2), 2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Parse decodes a JSON array of centres.
func Parse(data []byte) ([]Centre, error) {
	var centres []Centre
	if err := json.Unmarshal(data, &centres); err != nil {
		return nil, err
	}
	return centres, nil
}

// ReadFile parses the locations file at path.
func ReadFile(path string) ([]Centre, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations file %q: %w", path, err)
	}
	centres, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse locations file %q: %w", path, err)
	}
	return centres, nil
}

// Ranked pairs a centre with its distance from a query point.
type Ranked struct {
	Centre     Centre  `json:"centre"`
	DistanceKM float64 `json:"distance_km"`
}

// Catalogue is an immutable, id-indexed set of centres.
type Catalogue struct {
	centres []Centre
	byID    map[booking.LocationID]int
}

// NewCatalogue indexes centres in order. A repeated id keeps its first entry.
func NewCatalogue(centres []Centre) *Catalogue {
	c := &Catalogue{
		centres: make([]Centre, 0, len(centres)),
		byID:    make(map[booking.LocationID]int, len(centres)),
	}
	for _, centre := range centres {
		if _, ok := c.byID[centre.ID]; ok {
			continue
		}
		c.byID[centre.ID] = len(c.centres)
		c.centres = append(c.centres, centre)
	}
	return c
}

// Len reports the number of distinct centres.
func (c *Catalogue) Len() int { return len(c.centres) }

// All returns every centre in file order.
func (c *Catalogue) All() []Centre {
	return slices.Clone(c.centres)
}

// IDs returns every centre id in file order.
func (c *Catalogue) IDs() []booking.LocationID {
	ids := make([]booking.LocationID, 0, len(c.centres))
	for _, centre := range c.centres {
		ids = append(ids, centre.ID)
	}
	return ids
}

// Get looks a centre up by id.
func (c *Catalogue) Get(id booking.LocationID) (Centre, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return Centre{}, false
	}
	return c.centres[idx], true
}

// Nearest ranks centres by distance from (lat, lng), closest first. Centres
// without coordinates are skipped. A positive limit truncates the list.
func (c *Catalogue) Nearest(lat, lng float64, limit int) []Ranked {
	ranked := make([]Ranked, 0, len(c.centres))
	for _, centre := range c.centres {
		if centre.Latitude == 0 && centre.Longitude == 0 {
			continue
		}
		ranked = append(ranked, Ranked{Centre: centre, DistanceKM: centre.DistanceKM(lat, lng)})
	}
	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		return cmp.Compare(a.DistanceKM, b.DistanceKM)
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
