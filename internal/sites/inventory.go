// Package sites holds the infrastructure site inventory and answers range
// queries against it through an S2 cell index.
package sites

import (
	"math"
	"sort"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"site-proximity/internal/calculator"
	"site-proximity/internal/models"
)

// padMeters widens the covering cap so float error at its rim never
// excludes a site that the exact haversine test accepts.
const padMeters = 1.0

type cellEntry struct {
	cell s2.CellID
	idx  int
}

// Inventory is immutable once built and safe for concurrent queries.
type Inventory struct {
	sites   []models.SiteRecord
	cells   []cellEntry // sorted by cell
	coverer *s2.RegionCoverer
	dropped int
}

func New(list []models.SiteRecord) *Inventory {
	inv := &Inventory{
		sites:   list,
		cells:   make([]cellEntry, len(list)),
		coverer: &s2.RegionCoverer{MinLevel: 0, MaxLevel: 30, MaxCells: 12},
	}
	for i, s := range list {
		ll := s2.LatLngFromDegrees(s.Loc.Lat, s.Loc.Lon)
		inv.cells[i] = cellEntry{cell: s2.CellIDFromLatLng(ll), idx: i}
	}
	sort.Slice(inv.cells, func(a, b int) bool {
		if inv.cells[a].cell != inv.cells[b].cell {
			return inv.cells[a].cell < inv.cells[b].cell
		}
		return inv.cells[a].idx < inv.cells[b].idx
	})
	return inv
}

func (inv *Inventory) Sites() []models.SiteRecord { return inv.sites }

func (inv *Inventory) Len() int { return len(inv.sites) }

// Dropped is the number of source rows rejected at load time.
func (inv *Inventory) Dropped() int { return inv.dropped }

// Nearby returns the sites within maxMeters of origin, closest first, with
// ties in inventory order. It agrees with calculator.Nearby over Sites().
func (inv *Inventory) Nearby(origin models.Coordinate, maxMeters float64) []calculator.Match {
	if math.IsNaN(maxMeters) || maxMeters < 0 || !origin.Valid() || len(inv.sites) == 0 {
		return nil
	}
	angle := (maxMeters + padMeters) / calculator.EarthRadius
	if angle >= math.Pi/2 {
		return calculator.Nearby(origin, inv.sites, maxMeters)
	}

	center := s2.PointFromLatLng(s2.LatLngFromDegrees(origin.Lat, origin.Lon))
	region := s2.CapFromCenterAngle(center, s1.Angle(angle)*s1.Radian)

	var hits []int
	for _, c := range inv.coverer.Covering(region) {
		lo, hi := c.RangeMin(), c.RangeMax()
		i := sort.Search(len(inv.cells), func(k int) bool { return inv.cells[k].cell >= lo })
		for ; i < len(inv.cells) && inv.cells[i].cell <= hi; i++ {
			hits = append(hits, inv.cells[i].idx)
		}
	}
	// Inventory order, so the stable sort below breaks distance ties the
	// same way the linear scan does.
	sort.Ints(hits)

	var out []calculator.Match
	for _, idx := range hits {
		s := inv.sites[idx]
		if d := calculator.Distance(origin, s.Loc); d <= maxMeters {
			out = append(out, calculator.Match{Site: s, Distance: d})
		}
	}
	calculator.SortMatches(out)
	return out
}
