package sites

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"site-proximity/internal/calculator"
	"site-proximity/internal/models"
)

func TestLoadSampleCSV(t *testing.T) {
	inv, err := Load(filepath.Join("..", "..", "data", "sites.csv"))
	require.NoError(t, err)
	assert.Equal(t, 10, inv.Len())
	assert.Equal(t, 2, inv.Dropped())

	s := inv.Sites()[0]
	assert.Equal(t, "1001", s.SiteID)
	assert.Equal(t, "CAAZ", s.Region)
	assert.Equal(t, models.Coordinate{Lat: 9.03, Lon: 38.74}, s.Loc)
	assert.Equal(t, "Kirkos", s.SubCity)
	assert.Equal(t, "Woreda 08", s.Woreda)
	assert.Equal(t, "Monopole", s.TowerType)
	assert.Equal(t, "Huawei", s.Vendor)
	assert.Equal(t, []string{"Height (m)"}, s.Extra.Keys())
	assert.Equal(t, "30", s.Columns.String("Height (m)"))
}

func TestNearbySameCoordinateScenario(t *testing.T) {
	inv, err := Load(filepath.Join("..", "..", "data", "sites.csv"))
	require.NoError(t, err)

	got := inv.Nearby(models.Coordinate{Lat: 9.03, Lon: 38.74}, 500)
	require.Len(t, got, 1)
	assert.Equal(t, "1001", got[0].Site.SiteID)
	assert.Zero(t, got[0].Distance)
}

func TestLoadXLSXWithAliasesAndDecimalCommas(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"Site ID", "latitude", "longitude", "Vendor"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{"A", "9,03", "38,74", "ZTE"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]interface{}{"B", "n/a", "38.74", "ZTE"}))
	path := filepath.Join(t.TempDir(), "SiteInformation.xlsx")
	require.NoError(t, f.SaveAs(path))

	inv, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, inv.Len())
	assert.Equal(t, 1, inv.Dropped())
	assert.Equal(t, 38.74, inv.Sites()[0].Loc.Lon)
	assert.Equal(t, "ZTE", inv.Sites()[0].Vendor)
}

func TestLoadFatalCases(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.xlsx"))
	assert.ErrorIs(t, err, models.ErrDataset)

	noCoords := filepath.Join(t.TempDir(), "sites.csv")
	require.NoError(t, os.WriteFile(noCoords, []byte("Site ID,Town\n1,Adama\n"), 0o644))
	_, err = Load(noCoords)
	assert.ErrorIs(t, err, models.ErrDataset)

	allBad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(allBad, []byte("Site ID,Lat,Long\n1,x,y\n"), 0o644))
	_, err = Load(allBad)
	assert.ErrorIs(t, err, models.ErrDataset)
}

func TestIndexedNearbyMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	list := make([]models.SiteRecord, 2000)
	for i := range list {
		list[i] = models.SiteRecord{
			SiteID: string(rune('A'+i%26)) + string(rune('0'+i%10)),
			Loc: models.Coordinate{
				Lat: 3 + rng.Float64()*12,
				Lon: 33 + rng.Float64()*15,
			},
		}
	}
	// duplicates exercise the tie order
	list[10].Loc = list[20].Loc
	list[30].Loc = list[20].Loc
	inv := New(list)

	origins := []models.Coordinate{
		list[20].Loc,
		{Lat: 9.03, Lon: 38.74},
		{Lat: 3.0, Lon: 33.0},
		{Lat: 15.0, Lon: 48.0},
	}
	for i := 0; i < 20; i++ {
		origins = append(origins, models.Coordinate{Lat: 3 + rng.Float64()*12, Lon: 33 + rng.Float64()*15})
	}

	for _, o := range origins {
		for _, limit := range []float64{0, 500, 5000, 25000, 150000, 800000, 2e7} {
			want := calculator.Nearby(o, list, limit)
			got := inv.Nearby(o, limit)
			require.Equal(t, len(want), len(got), "origin %v limit %v", o, limit)
			for i := range want {
				assert.Equal(t, want[i].Site.SiteID, got[i].Site.SiteID)
				assert.Equal(t, want[i].Site.Loc, got[i].Site.Loc)
				assert.Equal(t, want[i].Distance, got[i].Distance)
			}
		}
	}
}

func TestNearbyRejectsBadInput(t *testing.T) {
	inv := New([]models.SiteRecord{{SiteID: "a", Loc: models.Coordinate{Lat: 9, Lon: 38}}})
	assert.Empty(t, inv.Nearby(models.Coordinate{Lat: 9, Lon: 38}, -1))
	assert.Empty(t, New(nil).Nearby(models.Coordinate{Lat: 9, Lon: 38}, 100))
	assert.Len(t, inv.Nearby(models.Coordinate{Lat: 9, Lon: 38}, 0), 1)
}
