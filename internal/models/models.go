package models

import (
	"fmt"
	"math"
)

type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether both components are finite and inside the WGS84 ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// GazetteerEntry is one canonical administrative unit (woreda or town).
type GazetteerEntry struct {
	Name       string `json:"name"`
	ZoneName   string `json:"zoneName"`
	RegionName string `json:"regionName"`
}

// SearchQuery is the geocoder query built from a resolved entry.
func (e GazetteerEntry) SearchQuery() string {
	if e.RegionName == "" {
		return e.Name
	}
	return fmt.Sprintf("%s, %s", e.Name, e.RegionName)
}

// MatchResult pairs a gazetteer entry with its dissimilarity score (0 is exact).
type MatchResult struct {
	Entry GazetteerEntry `json:"entry"`
	Score float64        `json:"score"`
}

type SiteRecord struct {
	SiteID        string
	Region        string
	Loc           Coordinate
	AdminRegion   string
	SubCity       string
	Woreda        string
	Town          string
	Kebele        string
	TowerType     string
	PowerType     string
	TowerLocation string
	Vendor        string
	// Columns keeps every column of the inventory row in sheet order,
	// including the ones mapped onto the fields above.
	Columns Record
	// Extra holds only the columns that no field above was mapped from.
	Extra Record
}

// InputRow is one uploaded record waiting to be resolved and geocoded.
type InputRow struct {
	PlaceName string
	Columns   Record
}

// Place is a geocoder hit.
type Place struct {
	Lat       float64
	Lon       float64
	Label     string
	SourceURL string
}

type Status string

const (
	StatusSuccess Status = "Success"
	StatusError   Status = "Error"
)

// ResolvedRow is the outcome of pushing one InputRow through the resolver and
// the geocoder. Rows are never mutated once the orchestrator has published them.
type ResolvedRow struct {
	Columns       Record       `json:"originalData"`
	PlaceName     string       `json:"inputPlace"`
	Query         string       `json:"query,omitempty"`
	FuzzyMatch    *MatchResult `json:"fuzzyMatch,omitempty"`
	Status        Status       `json:"status"`
	Latitude      float64      `json:"latitude"`
	Longitude     float64      `json:"longitude"`
	Zoom          int          `json:"zoom,omitempty"`
	ResolvedLabel string       `json:"resolvedLabel,omitempty"`
	SourceURL     string       `json:"sourceUrl,omitempty"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
}

func (r ResolvedRow) Coordinate() Coordinate {
	return Coordinate{Lat: r.Latitude, Lon: r.Longitude}
}

// Flatten lays the row out the way the geo results sheet is exported:
// original columns first, then resolution and fuzzy-match columns.
func (r ResolvedRow) Flatten() Record {
	out := r.Columns.Clone()
	out.Set("API_Status", string(r.Status))
	out.Set("Customer_Scraped_Latitude", fmt.Sprintf("%.6f", r.Latitude))
	out.Set("Customer_Scraped_Longitude", fmt.Sprintf("%.6f", r.Longitude))
	out.Set("Customer_Scraped_Resolved_Name", r.ResolvedLabel)
	out.Set("Customer_Scraped_Source_URL", r.SourceURL)
	out.Set("Customer_API_Status_Error_Message", r.ErrorMessage)
	if r.FuzzyMatch != nil {
		e := r.FuzzyMatch.Entry
		out.Set("Fuzzy_Match_Woreda", e.Name)
		out.Set("Fuzzy_Match_Zone", e.ZoneName)
		out.Set("Fuzzy_Match_Region", e.RegionName)
		out.Set("Fuzzy_Match_Score", fmt.Sprintf("%.4f", r.FuzzyMatch.Score))
	} else {
		out.Set("Fuzzy_Match_Woreda", "NO_MATCH")
		out.Set("Fuzzy_Match_Zone", "")
		out.Set("Fuzzy_Match_Region", "")
		out.Set("Fuzzy_Match_Score", "")
	}
	out.Set("Fuzzy_Match_Search_Query", r.Query)
	return out
}
