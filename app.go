package main

import (
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"site-proximity/internal/config"
	"site-proximity/internal/format"
	"site-proximity/internal/gazetteer"
	"site-proximity/internal/geocode"
	"site-proximity/internal/logging"
	"site-proximity/internal/models"
	"site-proximity/internal/sites"
)

// app carries what every command needs: the loaded configuration and a
// logger built from it.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, eris.Wrap(err, "logger")
	}
	return &app{cfg: cfg, log: log}, nil
}

func (a *app) index() (*gazetteer.Index, error) {
	start := time.Now()
	entries, err := gazetteer.Load(a.cfg.Data.GazetteerPath)
	if err != nil {
		return nil, err
	}
	idx := gazetteer.NewIndex(entries, a.cfg.FuzzyOptions())
	a.log.Info("gazetteer loaded",
		zap.String("path", a.cfg.Data.GazetteerPath),
		zap.Int("entries", idx.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return idx, nil
}

func (a *app) inventory() (*sites.Inventory, error) {
	start := time.Now()
	inv, err := sites.Load(a.cfg.Data.SitesPath)
	if err != nil {
		return nil, err
	}
	a.log.Info("site inventory loaded",
		zap.String("path", a.cfg.Data.SitesPath),
		zap.Int("sites", inv.Len()),
		zap.Int("dropped", inv.Dropped()),
		zap.Duration("elapsed", time.Since(start)))
	return inv, nil
}

// geocoder layers the cache over the timeout guard over the Nominatim client,
// and returns the connectivity probe for the same provider.
func (a *app) geocoder() (geocode.Geocoder, *geocode.Probe, error) {
	gc := a.cfg.Geocode
	nom, err := geocode.NewNominatim(geocode.NominatimConfig{
		BaseURL:           gc.BaseURL,
		UserAgent:         gc.UserAgent,
		CountryCodes:      gc.CountryCodes,
		RequestsPerSecond: gc.RequestsPerSecond,
		ReverseLabels:     gc.ReverseLabels,
		HTTPClient:        &http.Client{Timeout: gc.Timeout.Duration},
		Logger:            a.log,
	})
	if err != nil {
		return nil, nil, eris.Wrapf(config.ErrFatal, "geocoder: %v", err)
	}
	var g geocode.Geocoder = geocode.Guarded(nom, gc.Timeout.Duration)
	if gc.CacheSize > 0 {
		g = geocode.Cached(g, gc.CacheSize)
	}
	probe := geocode.NewProbe(gc.BaseURL, gc.ProbeTTL.Duration, nil)
	return g, probe, nil
}

// formatter is nil unless an LLM endpoint is configured.
func (a *app) formatter() *format.Formatter {
	if !a.cfg.FormatEnabled() {
		return nil
	}
	fc := a.cfg.Format
	a.log.Info("location formatter enabled", zap.String("baseURL", fc.BaseURL), zap.String("model", fc.Model))
	return format.New(format.NewOpenAIClient(fc.APIKey, fc.Model, fc.BaseURL))
}

// fatal reports whether err must stop the process at startup.
func fatal(err error) bool {
	return eris.Is(err, models.ErrDataset) || eris.Is(err, config.ErrFatal)
}
