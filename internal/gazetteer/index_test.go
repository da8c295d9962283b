package gazetteer

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-proximity/internal/models"
)

func loadSample(t *testing.T) []models.GazetteerEntry {
	t.Helper()
	entries, err := Load(filepath.Join("..", "..", "data", "gazetteer.json"))
	require.NoError(t, err)
	return entries
}

func TestResolveSelfMatch(t *testing.T) {
	entries := loadSample(t)
	idx := NewIndex(entries, DefaultOptions())

	for _, e := range entries {
		t.Run(e.Name, func(t *testing.T) {
			m, ok := idx.Resolve(e.Name)
			require.True(t, ok)
			assert.Equal(t, e, m.Entry)
			assert.Zero(t, m.Score)
		})
	}
}

func TestFormatLineExactMatch(t *testing.T) {
	idx := NewIndex([]models.GazetteerEntry{
		{Name: "Bole", ZoneName: "Addis Ababa", RegionName: "Addis Ababa"},
	}, DefaultOptions())

	m, ok := idx.Resolve("Bole")
	require.True(t, ok)
	assert.LessOrEqual(t, m.Score, 0.4)
	assert.Equal(t, "Bole Addis_Ababa Addis_Ababa 0.0000", FormatLine(m, ok))
}

func TestResolveNoMatch(t *testing.T) {
	idx := NewIndex(loadSample(t), DefaultOptions())

	tests := []struct {
		name  string
		query string
	}{
		{"nonsense", "xyqqz_nonexistent"},
		{"empty", ""},
		{"whitespace", "   \t "},
		{"short tokens only", "ab yk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := idx.Resolve(tt.query)
			assert.False(t, ok)
			assert.Equal(t, NoMatchLine, FormatLine(m, ok))
			assert.Empty(t, idx.Search(tt.query))
		})
	}
}

func TestResolveMisspellings(t *testing.T) {
	idx := NewIndex(loadSample(t), DefaultOptions())

	tests := []struct {
		query string
		want  string
	}{
		{"Mekele", "Mekelle"},
		{"hawasa", "Hawassa"},
		{"BAHIRDAR", "Bahir Dar"},
		{"  bole   ", "Bole"},
		{"Kolfe Keraniyo", "Kolfe Keranio"},
		{"Nifas Silk Lafto", "Nifas Silk-Lafto"},
		{"Dirré Dawa", "Dire Dawa"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			m, ok := idx.Resolve(tt.query)
			require.True(t, ok)
			assert.Equal(t, tt.want, m.Entry.Name)
			assert.LessOrEqual(t, m.Score, 0.4)
		})
	}
}

func TestShortTokensAreIgnoredNotFatal(t *testing.T) {
	idx := NewIndex(loadSample(t), DefaultOptions())

	m, ok := idx.Resolve("ab Jimma")
	require.True(t, ok)
	assert.Equal(t, "Jimma", m.Entry.Name)
}

func TestNameOutranksContainingName(t *testing.T) {
	idx := NewIndex(loadSample(t), DefaultOptions())

	results := idx.Search("Gondar")
	require.GreaterOrEqual(t, len(results), 2)
	assert.Equal(t, "Gondar", results[0].Entry.Name)
	assert.Equal(t, "Gondar Zuria", results[1].Entry.Name)
	assert.Less(t, results[0].Score, results[1].Score)
}

func TestFieldWeights(t *testing.T) {
	idx := NewIndex([]models.GazetteerEntry{
		{Name: "Adama", ZoneName: "East Shewa", RegionName: "Oromia"},
		{Name: "Jimma", ZoneName: "Jimma", RegionName: "Oromia"},
	}, DefaultOptions())

	zone, ok := idx.Resolve("East Shewa")
	require.True(t, ok, "an exact zone hit clears the threshold")
	assert.Equal(t, "Adama", zone.Entry.Name)
	assert.Greater(t, zone.Score, 0.0)

	_, ok = idx.Resolve("Oromia")
	assert.False(t, ok, "a region-only hit is too weak on its own")
}

func TestSearchIsSortedAndStable(t *testing.T) {
	entries := []models.GazetteerEntry{
		{Name: "Lideta", ZoneName: "Addis Ababa", RegionName: "Addis Ababa"},
		{Name: "Arada", ZoneName: "Addis Ababa", RegionName: "Addis Ababa"},
		{Name: "Lideta", ZoneName: "Other", RegionName: "Elsewhere"},
	}
	idx := NewIndex(entries, DefaultOptions())

	results := idx.Search("Addis Ababa")
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Score, results[i].Score)
	}
	require.GreaterOrEqual(t, len(results), 2)
	assert.Equal(t, entries[0], results[0].Entry, "ties keep gazetteer order")
	assert.Equal(t, entries[1], results[1].Entry)

	m, ok := idx.Resolve("Lideta")
	require.True(t, ok)
	assert.Equal(t, entries[0], m.Entry)
}

func TestResolveIsDeterministicUnderConcurrency(t *testing.T) {
	idx := NewIndex(loadSample(t), DefaultOptions())
	want, _ := idx.Resolve("Akaki")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _ := idx.Resolve("Akaki")
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestConfigurableThresholds(t *testing.T) {
	opts := DefaultOptions()
	opts.ScoreThreshold = 0.01
	idx := NewIndex(loadSample(t), opts)

	_, ok := idx.Resolve("Mekele")
	assert.False(t, ok)
	_, ok = idx.Resolve("Mekelle")
	assert.True(t, ok)

	opts = DefaultOptions()
	opts.MinTokenLength = 6
	idx = NewIndex(loadSample(t), opts)
	_, ok = idx.Resolve("Bole")
	assert.False(t, ok)
}

func TestSubstringDistance(t *testing.T) {
	tests := []struct {
		pattern, text string
		want          int
	}{
		{"bole", "bole", 0},
		{"bole", "addis bole road", 0},
		{"mekele", "mekelle", 1},
		{"abc", "", 3},
		{"", "abc", 0},
		{"kirkos", "xxkrkosxx", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, substringDistance([]rune(tt.pattern), []rune(tt.text)), "%s in %s", tt.pattern, tt.text)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "nifas silk lafto", Normalize("  Nifas   Silk-Lafto "))
	assert.Equal(t, "mek ele", Normalize("Mek'ele"))
	assert.Equal(t, "dirre dawa", Normalize("Dirré Dawa"))
}

func TestParseLayouts(t *testing.T) {
	flat := `[{"name":"Bole","zoneName":"Addis Ababa","regionName":"Addis Ababa"},{"name":"  "}]`
	entries, err := Parse([]byte(flat))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.GazetteerEntry{Name: "Bole", ZoneName: "Addis Ababa", RegionName: "Addis Ababa"}, entries[0])

	nested := `[{"name":"Adama","subcity_zone":{"name":"East Shewa","region_city":{"name":"Oromia"}}}]`
	entries, err = Parse([]byte(nested))
	require.NoError(t, err)
	assert.Equal(t, "Oromia", entries[0].RegionName)

	_, err = Parse([]byte(`{"basic_woreda_towns": []}`))
	assert.Error(t, err)
	_, err = Parse([]byte(`"nope"`))
	assert.Error(t, err)
}

func TestLoadMissingFileIsDatasetError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDataset)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = Load(bad)
	assert.ErrorIs(t, err, models.ErrDataset)
}
