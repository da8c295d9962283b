package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"site-proximity/internal/calculator"
	"site-proximity/internal/excel"
	"site-proximity/internal/format"
	"site-proximity/internal/gazetteer"
	"site-proximity/internal/geocode"
	"site-proximity/internal/models"
)

// Search answers with a single text line: the best gazetteer match or the
// NO_MATCH sentinel.
func (s *Server) Search(c *gin.Context) {
	var req struct {
		Query any `json:"query"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "ERROR: Invalid_search_query_provided")
		return
	}
	q, ok := req.Query.(string)
	if !ok || strings.TrimSpace(q) == "" {
		c.String(http.StatusBadRequest, "ERROR: Invalid_search_query_provided")
		return
	}
	m, found := s.Index.Resolve(q)
	c.String(http.StatusOK, gazetteer.FormatLine(m, found))
}

type nearbyRequest struct {
	Latitude          models.FlexFloat `json:"latitude"`
	Longitude         models.FlexFloat `json:"longitude"`
	MaxDistanceMeters models.FlexFloat `json:"maxDistanceMeters"`
}

func (s *Server) Nearby(c *gin.Context) {
	var req nearbyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Latitude.Present || !req.Longitude.Present || !req.MaxDistanceMeters.Present {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing coordinates or maxDistanceMeters"})
		return
	}
	origin := models.Coordinate{Lat: req.Latitude.Value, Lon: req.Longitude.Value}
	maxMeters := req.MaxDistanceMeters.Value
	if !origin.Valid() || !req.MaxDistanceMeters.Finite() || maxMeters < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coordinate or distance format"})
		return
	}

	matches := s.Sites.Nearby(origin, maxMeters)
	out := make([]models.Record, 0, len(matches))
	for _, m := range matches {
		r := m.Site.Columns.Clone()
		r.Set("distanceMeters", int(math.Round(m.Distance)))
		out = append(out, r)
	}
	c.JSON(http.StatusOK, gin.H{
		"nearbySites":      out,
		"queryCoordinates": origin,
		"maxDistance":      strconv.FormatFloat(maxMeters, 'f', -1, 64) + " meters",
	})
}

type proximityRequest struct {
	CustomerData     []models.ResolvedRow `json:"customerData"`
	MaxDistanceValue models.FlexFloat     `json:"maxDistanceValue"`
	MaxDistanceUnit  string               `json:"maxDistanceUnit"`
}

// BatchProximity joins already geocoded rows against the site inventory.
// With ?format=xlsx the join is returned as a workbook instead of JSON.
func (s *Server) BatchProximity(c *gin.Context) {
	var req proximityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.CustomerData == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "customerData must be an array"})
		return
	}
	value := math.NaN()
	if req.MaxDistanceValue.Present {
		value = req.MaxDistanceValue.Value
	}
	maxMeters, err := calculator.ToMeters(value, req.MaxDistanceUnit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.Sites.Len() == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "site inventory is empty"})
		return
	}

	start := time.Now()
	records := calculator.Join(req.CustomerData, s.Sites, maxMeters, nil)
	s.log.Info("proximity join",
		zap.Int("rows", len(req.CustomerData)),
		zap.Int("matches", len(records)),
		zap.Float64("maxMeters", maxMeters),
		zap.Duration("elapsed", time.Since(start)))

	if strings.EqualFold(c.Query("format"), "xlsx") {
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="proximity_results.xlsx"`)
		c.Status(http.StatusOK)
		if err := excel.WriteRecordsTo(c.Writer, "Proximity", records); err != nil {
			s.log.Error("write proximity workbook", zap.Error(err))
			_ = c.Error(err)
		}
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	c.JSON(http.StatusOK, records)
}

// Coordinates geocodes a single place name.
func (s *Server) Coordinates(c *gin.Context) {
	place := strings.TrimSpace(c.Query("place"))
	if place == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'place' query parameter"})
		return
	}
	zoom := s.cfg.Geocode.DefaultZoom
	if z := c.Query("zoom"); z != "" {
		n, err := strconv.Atoi(z)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "zoom must be an integer"})
			return
		}
		zoom = n
	}
	zoom = geocode.ClampZoom(zoom)

	p, err := s.Geocoder.Geocode(c.Request.Context(), place, zoom)
	switch {
	case errors.Is(err, geocode.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no coordinates found for %q", place)})
		return
	case err != nil:
		s.log.Warn("geocode failed", zap.String("place", place), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch coordinates: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"inputPlace":    place,
		"latitude":      p.Lat,
		"longitude":     p.Lon,
		"zoom":          zoom,
		"resolvedLabel": p.Label,
		"sourceUrl":     p.SourceURL,
	})
}

type formatResponse struct {
	Success        bool               `json:"success"`
	OriginalCount  int                `json:"originalCount"`
	FormattedCount int                `json:"formattedCount"`
	Data           []format.Formatted `json:"data"`
	ProcessingTime int64              `json:"processingTime"`
	Error          string             `json:"error,omitempty"`
}

// FormatLocations rewrites raw area names with the configured language
// model.
func (s *Server) FormatLocations(c *gin.Context) {
	start := time.Now()
	fail := func(status, count int, msg string) {
		c.JSON(status, formatResponse{
			OriginalCount:  count,
			Data:           []format.Formatted{},
			ProcessingTime: time.Since(start).Milliseconds(),
			Error:          msg,
		})
	}
	if s.Formatter == nil {
		fail(http.StatusServiceUnavailable, 0, "location formatting is not configured")
		return
	}
	var req struct {
		Areas []string `json:"areas"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Areas == nil {
		fail(http.StatusBadRequest, 0, "areas array is required")
		return
	}

	ctx := c.Request.Context()
	if t := s.cfg.Format.Timeout.Duration; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	data, err := s.Formatter.Format(ctx, req.Areas)
	if err != nil {
		s.log.Error("format locations", zap.Int("areas", len(req.Areas)), zap.Error(err))
		fail(http.StatusInternalServerError, len(req.Areas), err.Error())
		return
	}
	c.JSON(http.StatusOK, formatResponse{
		Success:        true,
		OriginalCount:  len(req.Areas),
		FormattedCount: len(data),
		Data:           data,
		ProcessingTime: time.Since(start).Milliseconds(),
	})
}
