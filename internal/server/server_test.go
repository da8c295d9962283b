package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"site-proximity/internal/config"
	"site-proximity/internal/format"
	"site-proximity/internal/gazetteer"
	"site-proximity/internal/geocode"
	"site-proximity/internal/jobs"
	"site-proximity/internal/models"
	"site-proximity/internal/sites"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeGeocoder knows Bole and Kirkos; "Flaky" fails transiently and
// everything else is not found.
var fakeGeocoder = geocode.Func(func(_ context.Context, name string, zoom int) (models.Place, error) {
	switch {
	case strings.HasPrefix(name, "Bole"):
		return models.Place{Lat: 8.98, Lon: 38.79, Label: "Bole, Addis Ababa", SourceURL: geocode.SourceURL(8.98, 38.79, zoom)}, nil
	case strings.HasPrefix(name, "Kirkos"):
		return models.Place{Lat: 9.03, Lon: 38.74, Label: "Kirkos, Addis Ababa", SourceURL: geocode.SourceURL(9.03, 38.74, zoom)}, nil
	case name == "Flaky":
		return models.Place{}, fmt.Errorf("%w: upstream 503", geocode.ErrTransient)
	}
	return models.Place{}, geocode.ErrNotFound
})

type stubGen struct{ reply string }

func (s stubGen) Generate(context.Context, string) (string, error) { return s.reply, nil }

func newTestServer(t *testing.T, formatter *format.Formatter) (*Server, *gin.Engine) {
	t.Helper()
	entries, err := gazetteer.Load(filepath.Join("..", "..", "data", "gazetteer.json"))
	require.NoError(t, err)
	inv, err := sites.Load(filepath.Join("..", "..", "data", "sites.csv"))
	require.NoError(t, err)
	store, err := jobs.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.UploadDir = t.TempDir()
	cfg.Batch.Workers = 2

	s := NewServer(cfg, Deps{
		Index:     gazetteer.NewIndex(entries, gazetteer.DefaultOptions()),
		Sites:     inv,
		Geocoder:  fakeGeocoder,
		Jobs:      store,
		Formatter: formatter,
	}, nil)
	return s, s.SetupRouter()
}

func doJSON(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, target, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSearch(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := doJSON(r, http.MethodPost, "/api/search", `{"query":"Bole"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "Bole Addis_Ababa Addis_Ababa 0.0000", w.Body.String())

	w = doJSON(r, http.MethodPost, "/api/search", `{"query":"xyqqz_nonexistent"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, gazetteer.NoMatchLine, w.Body.String())

	for _, body := range []string{`{"query":42}`, `{}`, `{"query":"  "}`, `not json`} {
		w = doJSON(r, http.MethodPost, "/api/search", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Equal(t, "ERROR: Invalid_search_query_provided", w.Body.String(), body)
	}
}

func TestNearby(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := doJSON(r, http.MethodPost, "/api/nearby", `{"latitude":"9.03","longitude":38.74,"maxDistanceMeters":500}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		NearbySites      []map[string]any  `json:"nearbySites"`
		QueryCoordinates models.Coordinate `json:"queryCoordinates"`
		MaxDistance      string            `json:"maxDistance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.NearbySites, 1)
	assert.Equal(t, "1001", resp.NearbySites[0]["Site ID"])
	assert.EqualValues(t, 0, resp.NearbySites[0]["distanceMeters"])
	assert.Equal(t, models.Coordinate{Lat: 9.03, Lon: 38.74}, resp.QueryCoordinates)
	assert.Equal(t, "500 meters", resp.MaxDistance)

	w = doJSON(r, http.MethodPost, "/api/nearby", `{"latitude":9.03,"longitude":38.74,"maxDistanceMeters":10000}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Greater(t, len(resp.NearbySites), 1)
	prev := -1.0
	for _, site := range resp.NearbySites {
		d := site["distanceMeters"].(float64)
		assert.LessOrEqual(t, d, 10000.0)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}

	for _, body := range []string{
		`{"latitude":9.03,"longitude":38.74}`,
		`{"latitude":"abc","longitude":38.74,"maxDistanceMeters":5}`,
		`{"latitude":95,"longitude":38.74,"maxDistanceMeters":5}`,
		`{"latitude":9.03,"longitude":38.74,"maxDistanceMeters":-1}`,
	} {
		w = doJSON(r, http.MethodPost, "/api/nearby", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), `"error"`, body)
	}
}

const proximityBody = `{
	"customerData": [
		{"originalData": {"Ticket": "T1", "Area": "Kirkos"}, "status": "Success", "latitude": 9.03, "longitude": 38.74},
		{"originalData": {"Ticket": "T2", "Area": ""}, "status": "Error", "errorMessage": "no area name"}
	],
	"maxDistanceValue": "1",
	"maxDistanceUnit": "km"
}`

func TestBatchProximityJSON(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := doJSON(r, http.MethodPost, "/api/batch-proximity", proximityBody)
	require.Equal(t, http.StatusOK, w.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.NotEmpty(t, out)
	assert.Equal(t, "T1", out[0]["Ticket"])
	assert.Equal(t, "1001", out[0]["Site_ID"])
	assert.EqualValues(t, 0, out[0]["Match_Distance_m"])
	assert.Equal(t, "0.000", out[0]["Match_Distance_km"])
	for _, rec := range out {
		assert.Equal(t, "T1", rec["Ticket"], "failed rows never join")
		assert.LessOrEqual(t, rec["Match_Distance_m"].(float64), 1000.0)
	}
}

func TestBatchProximityValidation(t *testing.T) {
	_, r := newTestServer(t, nil)
	for _, body := range []string{
		`{"customerData":[],"maxDistanceValue":1,"maxDistanceUnit":"miles"}`,
		`{"customerData":[],"maxDistanceValue":0,"maxDistanceUnit":"km"}`,
		`{"customerData":[],"maxDistanceUnit":"km"}`,
		`{"maxDistanceValue":1,"maxDistanceUnit":"km"}`,
		`[]`,
	} {
		w := doJSON(r, http.MethodPost, "/api/batch-proximity", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), `"error"`, body)
	}

	w := doJSON(r, http.MethodPost, "/api/batch-proximity", `{"customerData":[],"maxDistanceValue":1,"maxDistanceUnit":"meters"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestBatchProximityWorkbook(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := doJSON(r, http.MethodPost, "/api/batch-proximity?format=xlsx", proximityBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "proximity_results.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	got, err := f.GetRows("Proximity")
	require.NoError(t, err)
	require.Greater(t, len(got), 1)
	assert.Equal(t, []string{"Ticket", "Area", "Customer_API_Status"}, got[0][:3])
	assert.Equal(t, "T1", got[1][0])
}

func TestCoordinates(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := doJSON(r, http.MethodGet, "/api/coordinates?place=Bole&zoom=12", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bole", resp["inputPlace"])
	assert.EqualValues(t, 12, resp["zoom"])
	assert.Equal(t, 8.98, resp["latitude"])
	assert.Equal(t, "Bole, Addis Ababa", resp["resolvedLabel"])
	assert.Contains(t, resp["sourceUrl"], "#map=12/")

	w = doJSON(r, http.MethodGet, "/api/coordinates?place=Bole", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, geocode.DefaultZoom, resp["zoom"])

	cases := map[string]int{
		"/api/coordinates":                     http.StatusBadRequest,
		"/api/coordinates?place=Bole&zoom=far": http.StatusBadRequest,
		"/api/coordinates?place=Atlantis":      http.StatusNotFound,
		"/api/coordinates?place=Flaky":         http.StatusInternalServerError,
	}
	for target, status := range cases {
		w := doJSON(r, http.MethodGet, target, "")
		assert.Equal(t, status, w.Code, target)
		assert.Contains(t, w.Body.String(), `"error"`, target)
	}
}

const uploadCSV = "Ticket,Customer,Area\nT1,Abebe,Bole\nT2,Sara,\nT3,Kebede,Atlantis\nT4,Hana,Kirkos\n"

func readFrames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, chunk := range strings.Split(strings.TrimSpace(body), "\n\n") {
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var f map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &f))
		frames = append(frames, f)
	}
	return frames
}

func TestProcessLocationsStream(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "/api/process-locations/stream", "complaints.csv", uploadCSV, map[string]string{"zoom": "10"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	jobID := w.Header().Get("X-Job-ID")
	require.NotEmpty(t, jobID)

	frames := readFrames(t, w.Body.String())
	require.Len(t, frames, 5)

	statuses := map[string]string{}
	for i, f := range frames[:4] {
		assert.EqualValues(t, i+1, f["index"])
		assert.EqualValues(t, 4, f["total"])
		row := f["row"].(map[string]any)
		ticket := row["originalData"].(map[string]any)["Ticket"].(string)
		statuses[ticket] = row["status"].(string)
		assert.EqualValues(t, 10, row["zoom"])
	}
	assert.Equal(t, map[string]string{"T1": "Success", "T2": "Error", "T3": "Error", "T4": "Success"}, statuses)

	last := frames[4]
	assert.Equal(t, true, last["finished"])
	assert.EqualValues(t, 4, last["processed"])
	url, _ := last["downloadUrl"].(string)
	require.Equal(t, jobs.DownloadPrefix+jobID+"_results.xlsx", url)

	// the session remembers the job
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/latest", nil)
	for _, c := range w.Result().Cookies() {
		req.AddCookie(c)
	}
	jw := httptest.NewRecorder()
	r.ServeHTTP(jw, req)
	require.Equal(t, http.StatusOK, jw.Code)
	var snap jobs.Snapshot
	require.NoError(t, json.Unmarshal(jw.Body.Bytes(), &snap))
	assert.Equal(t, jobID, snap.ID)
	assert.Equal(t, jobs.StatusDone, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 4, snap.Result.Rows)
	assert.Equal(t, 2, snap.Result.Succeeded)

	dw := httptest.NewRecorder()
	r.ServeHTTP(dw, httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, dw.Code)
	f, err := excelize.OpenReader(bytes.NewReader(dw.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	got, err := f.GetRows("Results")
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, []string{"T1", "T2", "T3", "T4"}, []string{got[1][0], got[2][0], got[3][0], got[4][0]})
}

func TestProcessLocationsRejectsBadUploads(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "/api/process-locations/stream", "notes.pdf", "%PDF", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported file type")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "/api/process-locations/stream", "a.csv", uploadCSV, map[string]string{"zoom": "close"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/process-locations/stream", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no file uploaded")
}

func TestProcessLocationsBackgroundJob(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "/api/process-locations", "complaints.csv", uploadCSV, nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	var started struct {
		JobID string `json:"jobId"`
		Total int    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.Equal(t, 4, started.Total)

	var snap jobs.Snapshot
	require.Eventually(t, func() bool {
		jw := doJSON(r, http.MethodGet, "/api/jobs/"+started.JobID, "")
		if jw.Code != http.StatusOK || json.Unmarshal(jw.Body.Bytes(), &snap) != nil {
			return false
		}
		return snap.Status != jobs.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, jobs.StatusDone, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, 4, snap.Processed)
	joined := strings.Join(snap.Logs, "\n")
	assert.Contains(t, joined, `"Atlantis" failed`)

	cw := doJSON(r, http.MethodPost, "/api/jobs/"+started.JobID+"/cancel", "")
	assert.Equal(t, http.StatusOK, cw.Code)
	assert.JSONEq(t, `{"ok":true,"cancelled":false}`, cw.Body.String())
}

func TestJobEndpointsUnknown(t *testing.T) {
	_, r := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/api/jobs/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/api/jobs/latest", "").Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodPost, "/api/jobs/nope/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/download/.env", "").Code)
	assert.Equal(t, http.StatusNotFound, doJSON(r, http.MethodGet, "/download/missing.xlsx", "").Code)
}

func TestFormatLocations(t *testing.T) {
	_, r := newTestServer(t, nil)
	w := doJSON(r, http.MethodPost, "/api/format-locations", `{"areas":["bole"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	_, r = newTestServer(t, format.New(stubGen{reply: `[{"original":"bole","formatted":"Bole, Addis Ababa, Ethiopia"}]`}))
	w = doJSON(r, http.MethodPost, "/api/format-locations", `{"areas":["bole"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp formatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.OriginalCount)
	assert.Equal(t, 1, resp.FormattedCount)
	assert.Equal(t, "Bole, Addis Ababa, Ethiopia", resp.Data[0].Formatted)

	w = doJSON(r, http.MethodPost, "/api/format-locations", `{"areas":"bole"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "areas array is required", resp.Error)
}

func TestHealthAndKML(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := doJSON(r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","gazetteerEntries":21,"sites":10,"droppedSites":2,"formatter":false}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/api/sites.kml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.google-earth.kml+xml", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, `<kml xmlns="http://www.opengis.net/kml/2.2">`)
	assert.Contains(t, body, "<name>Site 1001</name>")
	assert.Contains(t, body, "<coordinates>38.74,9.03,0</coordinates>")
	assert.Equal(t, 10, strings.Count(body, "<Placemark>"))
}
