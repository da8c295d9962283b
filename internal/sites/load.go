package sites

import (
	"strings"

	"github.com/rotisserie/eris"

	"site-proximity/internal/excel"
	"site-proximity/internal/models"
	"site-proximity/internal/rows"
)

var (
	latKeys = []string{"Lat", "lat", "Latitude", "latitude", "LAT", "LATITUDE"}
	lonKeys = []string{"Long", "long", "Lon", "lon", "Longitude", "longitude", "LONG", "LONGITUDE", "Lng", "lng"}
)

// column headers of the site information sheet, by field
var fieldKeys = []struct {
	field string
	keys  []string
}{
	{"id", []string{"Site ID", "Site Id", "SiteID", "Site_ID", "site_id"}},
	{"region", []string{"Region/ Zone", "Region/Zone", "Region / Zone", "Region"}},
	{"adminRegion", []string{"Admin Region", "Admin_Region"}},
	{"subCity", []string{"Zone (Sub City)", "Zone(Sub City)", "Sub City", "Zone"}},
	{"woreda", []string{"Wereda", "Woreda"}},
	{"town", []string{"Town"}},
	{"kebele", []string{"Kebele"}},
	{"towerType", []string{"Tower type", "Tower Type"}},
	{"powerType", []string{"Power type", "Power Type"}},
	{"towerLocation", []string{"Tower location", "Tower Location"}},
	{"vendor", []string{"Vendor"}},
}

// Load reads the site inventory from an xlsx (first sheet) or csv file and
// indexes it. Rows without usable coordinates are dropped and counted. A
// missing file or an inventory with no usable row is models.ErrDataset.
func Load(path string) (*Inventory, error) {
	tab, err := rows.Read(path)
	if err != nil {
		return nil, eris.Wrapf(models.ErrDataset, "site inventory %s: %v", path, err)
	}
	list, dropped, err := FromTable(tab)
	if err != nil {
		return nil, eris.Wrapf(models.ErrDataset, "site inventory %s: %v", path, err)
	}
	inv := New(list)
	inv.dropped = dropped
	return inv, nil
}

// FromTable maps table rows onto site records.
func FromTable(tab rows.Table) ([]models.SiteRecord, int, error) {
	latCol := pick(tab.Header, latKeys)
	lonCol := pick(tab.Header, lonKeys)
	if latCol == "" || lonCol == "" {
		return nil, 0, eris.New("no latitude/longitude columns")
	}

	mapped := map[string]string{}
	used := map[string]bool{latCol: true, lonCol: true}
	for _, fk := range fieldKeys {
		if col := pick(tab.Header, fk.keys); col != "" && !used[col] {
			mapped[fk.field] = col
			used[col] = true
		}
	}

	var out []models.SiteRecord
	dropped := 0
	for _, rec := range tab.Records() {
		lat, err1 := excel.ParseCoord(rec.String(latCol))
		lon, err2 := excel.ParseCoord(rec.String(lonCol))
		loc := models.Coordinate{Lat: lat, Lon: lon}
		if err1 != nil || err2 != nil || !loc.Valid() {
			dropped++
			continue
		}

		s := models.SiteRecord{
			SiteID:        rec.String(mapped["id"]),
			Region:        rec.String(mapped["region"]),
			Loc:           loc,
			AdminRegion:   rec.String(mapped["adminRegion"]),
			SubCity:       rec.String(mapped["subCity"]),
			Woreda:        rec.String(mapped["woreda"]),
			Town:          rec.String(mapped["town"]),
			Kebele:        rec.String(mapped["kebele"]),
			TowerType:     rec.String(mapped["towerType"]),
			PowerType:     rec.String(mapped["powerType"]),
			TowerLocation: rec.String(mapped["towerLocation"]),
			Vendor:        rec.String(mapped["vendor"]),
			Columns:       rec,
			Extra:         models.NewRecord(0),
		}
		for _, f := range rec.Fields() {
			if !used[f.Key] {
				s.Extra.Set(f.Key, f.Value)
			}
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, dropped, eris.Errorf("no site with valid coordinates (%d dropped)", dropped)
	}
	return out, dropped, nil
}

// pick returns the first header matching one of keys, ignoring surrounding
// whitespace.
func pick(header []string, keys []string) string {
	for _, k := range keys {
		for _, h := range header {
			if strings.TrimSpace(h) == k {
				return h
			}
		}
	}
	return ""
}
