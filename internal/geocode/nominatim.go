package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"site-proximity/internal/models"
)

// NominatimConfig configures a Nominatim client.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
	// CountryCodes restricts searches, e.g. "et". Empty searches worldwide.
	CountryCodes string
	// RequestsPerSecond caps outgoing calls; the public instance allows one.
	RequestsPerSecond float64
	// ReverseLabels asks /reverse for a label at the requested zoom.
	ReverseLabels bool
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

type Nominatim struct {
	base    *url.URL
	cfg     NominatimConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewNominatim(cfg NominatimConfig) (*Nominatim, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, eris.Errorf("invalid geocoder base url %q", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "site-proximity/1.0"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Nominatim{
		base:    base,
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With(zap.String("component", "nominatim")),
	}, nil
}

type searchHit struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

type reverseHit struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// Geocode searches name and returns the first hit. With ReverseLabels set,
// the label comes from a reverse lookup at zoom; a failed reverse lookup
// keeps the search label.
func (n *Nominatim) Geocode(ctx context.Context, name string, zoom int) (models.Place, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Place{}, eris.Wrap(ErrNotFound, "empty place name")
	}
	zoom = ClampZoom(zoom)

	q := url.Values{}
	q.Set("q", name)
	q.Set("format", "jsonv2")
	q.Set("limit", "1")
	if n.cfg.CountryCodes != "" {
		q.Set("countrycodes", n.cfg.CountryCodes)
	}

	var hits []searchHit
	if err := n.get(ctx, "/search", q, &hits); err != nil {
		return models.Place{}, err
	}
	if len(hits) == 0 {
		return models.Place{}, eris.Wrapf(ErrNotFound, "%q", name)
	}

	lat, err1 := strconv.ParseFloat(hits[0].Lat, 64)
	lon, err2 := strconv.ParseFloat(hits[0].Lon, 64)
	if err1 != nil || err2 != nil || !(models.Coordinate{Lat: lat, Lon: lon}).Valid() {
		return models.Place{}, eris.Wrapf(ErrNotFound, "%q: unusable coordinates %q,%q", name, hits[0].Lat, hits[0].Lon)
	}

	p := models.Place{
		Lat:       lat,
		Lon:       lon,
		Label:     hits[0].DisplayName,
		SourceURL: SourceURL(lat, lon, zoom),
	}
	if n.cfg.ReverseLabels {
		if label, err := n.reverse(ctx, lat, lon, zoom); err != nil {
			n.log.Debug("reverse lookup failed", zap.String("place", name), zap.Error(err))
		} else if label != "" {
			p.Label = label
		}
	}
	return p, nil
}

func (n *Nominatim) reverse(ctx context.Context, lat, lon float64, zoom int) (string, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%.6f", lat))
	q.Set("lon", fmt.Sprintf("%.6f", lon))
	q.Set("zoom", strconv.Itoa(zoom))
	q.Set("format", "jsonv2")

	var hit reverseHit
	if err := n.get(ctx, "/reverse", q, &hit); err != nil {
		return "", err
	}
	if hit.Error != "" {
		return "", eris.Wrap(ErrNotFound, hit.Error)
	}
	return hit.DisplayName, nil
}

func (n *Nominatim) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return eris.Wrap(ErrTransient, err.Error())
	}

	u := *n.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	// Nominatim usage policy requires an identifying agent.
	req.Header.Set("User-Agent", n.cfg.UserAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrapf(ErrTransient, "%s: %v", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return eris.Wrapf(ErrTransient, "%s: status %d", path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return eris.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(ErrTransient, "%s: decode: %v", path, err)
	}
	return nil
}
