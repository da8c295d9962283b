package gazetteer

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"site-proximity/internal/models"
)

type regionCity struct {
	Name string `json:"name"`
}

type subcityZone struct {
	Name       string      `json:"name"`
	RegionCity *regionCity `json:"region_city"`
}

// rawEntry accepts both the nested woreda layout
// ({name, subcity_zone: {name, region_city: {name}}}) and a flat one.
type rawEntry struct {
	Name        string       `json:"name"`
	ZoneName    string       `json:"zoneName"`
	RegionName  string       `json:"regionName"`
	SubcityZone *subcityZone `json:"subcity_zone"`
}

func (r rawEntry) entry() models.GazetteerEntry {
	e := models.GazetteerEntry{
		Name:       strings.TrimSpace(r.Name),
		ZoneName:   strings.TrimSpace(r.ZoneName),
		RegionName: strings.TrimSpace(r.RegionName),
	}
	if r.SubcityZone != nil {
		if e.ZoneName == "" {
			e.ZoneName = strings.TrimSpace(r.SubcityZone.Name)
		}
		if e.RegionName == "" && r.SubcityZone.RegionCity != nil {
			e.RegionName = strings.TrimSpace(r.SubcityZone.RegionCity.Name)
		}
	}
	return e
}

// Load reads the gazetteer JSON file. A missing, unreadable or empty file is
// reported as models.ErrDataset.
func Load(path string) ([]models.GazetteerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(models.ErrDataset, "gazetteer %s: %v", path, err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(models.ErrDataset, "gazetteer %s: %v", path, err)
	}
	return entries, nil
}

// Parse decodes gazetteer JSON: a bare array of entries or an object holding
// them under "basic_woreda_towns". Entries without a name are skipped.
func Parse(data []byte) ([]models.GazetteerEntry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, eris.New("empty document")
	}

	var raws []rawEntry
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, eris.Wrap(err, "decode entry array")
		}
	case '{':
		var doc struct {
			Entries []rawEntry `json:"basic_woreda_towns"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, eris.Wrap(err, "decode gazetteer object")
		}
		raws = doc.Entries
	default:
		return nil, eris.New("expected a JSON array or object")
	}

	entries := make([]models.GazetteerEntry, 0, len(raws))
	for _, r := range raws {
		e := r.entry()
		if e.Name == "" {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, eris.New("no named entries")
	}
	return entries, nil
}
