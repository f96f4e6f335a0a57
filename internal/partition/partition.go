// Package partition splits a location set into balanced groups, one per
// egress point.
package partition

import (
	"math/rand/v2"

	"github.com/JakeFAU/slotscraper/internal/booking"
)

// Group is the work assigned to one session worker.
type Group struct {
	Locations   []booking.LocationID
	EgressPoint string
}

// Partition shuffles locations and deals them round-robin into
// min(maxParallel, len(egress), len(locations)) groups. Group i is paired with
// egress[i]; surplus egress points are left unused. Duplicate locations are
// collapsed. The result is empty when either input is empty.
func Partition(locations []booking.LocationID, egress []string, maxParallel int) []Group {
	return partitionWith(locations, egress, maxParallel, rand.Shuffle)
}

func partitionWith(
	locations []booking.LocationID,
	egress []string,
	maxParallel int,
	shuffle func(n int, swap func(i, j int)),
) []Group {
	unique := dedupe(locations)
	numGroups := min(maxParallel, len(egress), len(unique))
	if numGroups <= 0 {
		return nil
	}

	shuffle(len(unique), func(i, j int) {
		unique[i], unique[j] = unique[j], unique[i]
	})

	groups := make([]Group, numGroups)
	for i := range groups {
		groups[i] = Group{
			Locations:   make([]booking.LocationID, 0, len(unique)/numGroups+1),
			EgressPoint: egress[i],
		}
	}
	for i, loc := range unique {
		g := &groups[i%numGroups]
		g.Locations = append(g.Locations, loc)
	}
	return groups
}

func dedupe(locations []booking.LocationID) []booking.LocationID {
	seen := make(map[booking.LocationID]struct{}, len(locations))
	out := make([]booking.LocationID, 0, len(locations))
	for _, loc := range locations {
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	return out
}
