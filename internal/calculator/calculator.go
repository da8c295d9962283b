package calculator

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"site-proximity/internal/models"
)

type ProgressCallback func(current, total int, msg string)

// Match is one site within range of an origin.
type Match struct {
	Site     models.SiteRecord
	Distance float64
}

// Finder answers range queries against a site inventory.
type Finder interface {
	Nearby(origin models.Coordinate, maxMeters float64) []Match
}

// Sites is a brute-force Finder over a slice.
type Sites []models.SiteRecord

func (s Sites) Nearby(origin models.Coordinate, maxMeters float64) []Match {
	return Nearby(origin, s, maxMeters)
}

// Nearby returns every site within maxMeters of origin, closest first. Sites at
// equal distance keep their order in sites.
func Nearby(origin models.Coordinate, sites []models.SiteRecord, maxMeters float64) []Match {
	var out []Match
	for _, s := range sites {
		d := Distance(origin, s.Loc)
		if d <= maxMeters {
			out = append(out, Match{Site: s, Distance: d})
		}
	}
	SortMatches(out)
	return out
}

func SortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool { return m[i].Distance < m[j].Distance })
}

// ToMeters normalizes a distance threshold. Accepted units are meters (m)
// and kilometers (km), in any case.
func ToMeters(value float64, unit string) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0, models.NewValidationError("maxDistanceValue", "must be a positive number")
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "meters", "meter", "m":
		return value, nil
	case "km", "kilometers", "kilometer":
		return value * 1000, nil
	default:
		return 0, models.NewValidationError("maxDistanceUnit", "unsupported unit %q (use meters or km)", unit)
	}
}

// Join pairs every successfully geocoded row with the sites within maxMeters
// and flattens each pair into one output record. Rows that failed, or that
// have no site in range, contribute nothing. The result is ordered by row,
// then by distance.
func Join(rows []models.ResolvedRow, finder Finder, maxMeters float64, onProgress ProgressCallback) []models.Record {
	total := len(rows)
	if total == 0 {
		return nil
	}

	numCPU := runtime.NumCPU()
	if numCPU < 1 {
		numCPU = 1
	}
	chunkSize := (total + numCPU - 1) / numCPU

	chunks := make([][]models.Record, numCPU)
	var wg sync.WaitGroup
	var processed int64

	for i := 0; i < numCPU; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if start >= total {
			break
		}
		if end > total {
			end = total
		}

		wg.Add(1)
		go func(slot, s, e int) {
			defer wg.Done()
			var local []models.Record

			for idx := s; idx < e; idx++ {
				row := rows[idx]
				if joinable(row) {
					for _, m := range finder.Nearby(row.Coordinate(), maxMeters) {
						local = append(local, JoinRecord(row, m))
					}
				}

				count := atomic.AddInt64(&processed, 1)
				if onProgress != nil && count%500 == 0 {
					onProgress(int(count), total, "")
				}
			}
			chunks[slot] = local
		}(i, start, end)
	}
	wg.Wait()

	var out []models.Record
	for _, c := range chunks {
		out = append(out, c...)
	}
	if onProgress != nil {
		onProgress(total, total, fmt.Sprintf("%d matches", len(out)))
	}
	return out
}

func joinable(r models.ResolvedRow) bool {
	if r.Status != models.StatusSuccess {
		return false
	}
	return r.Coordinate().Valid()
}

// JoinRecord flattens one row and one nearby site.
func JoinRecord(row models.ResolvedRow, m Match) models.Record {
	s := m.Site
	out := row.Columns.Clone()

	out.Set("Customer_API_Status", string(row.Status))
	out.Set("Customer_Scraped_Lat", fmt.Sprintf("%.6f", row.Latitude))
	out.Set("Customer_Scraped_Long", fmt.Sprintf("%.6f", row.Longitude))
	out.Set("Customer_Resolved_Name", row.ResolvedLabel)

	out.Set("Match_Distance_m", int(math.Round(m.Distance)))
	out.Set("Match_Distance_km", fmt.Sprintf("%.3f", m.Distance/1000))

	out.Set("Site_ID", s.SiteID)
	out.Set("Site_Region/Zone", s.Region)
	out.Set("Site_Lat", s.Loc.Lat)
	out.Set("Site_Long", s.Loc.Lon)
	out.Set("Site_Admin_Region", s.AdminRegion)
	out.Set("Site_Zone/Sub_City", s.SubCity)
	out.Set("Site_Wereda", s.Woreda)
	out.Set("Site_Town", s.Town)
	out.Set("Site_Kebele", s.Kebele)
	out.Set("Site_Tower_Type", s.TowerType)
	out.Set("Site_Power_Type", s.PowerType)
	out.Set("Site_Tower_Location", s.TowerLocation)
	out.Set("Site_Vendor", s.Vendor)
	for _, f := range s.Extra.Fields() {
		key := "Site_" + strings.ReplaceAll(strings.TrimSpace(f.Key), " ", "_")
		// never overwrite a fixed or customer column
		for {
			if _, taken := out.Get(key); !taken {
				break
			}
			key += "_extra"
		}
		out.Set(key, f.Value)
	}
	return out
}
