// Package server exposes resolution, geocoding, proximity and batch
// processing over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"site-proximity/internal/batch"
	"site-proximity/internal/config"
	"site-proximity/internal/format"
	"site-proximity/internal/gazetteer"
	"site-proximity/internal/geocode"
	"site-proximity/internal/jobs"
	"site-proximity/internal/logging"
	"site-proximity/internal/sites"
)

const (
	sessionName   = "site-proximity"
	sessionJobKey = "last_job"
)

// Deps are the long-lived collaborators the handlers share. Index and Sites
// are read-only after construction.
type Deps struct {
	Index    *gazetteer.Index
	Sites    *sites.Inventory
	Geocoder geocode.Geocoder
	// Online is consulted before every batch row; nil means always online.
	Online    func(context.Context) bool
	Jobs      *jobs.Store
	Formatter *format.Formatter
}

type Server struct {
	Deps
	cfg *config.Config
	log *zap.Logger
}

func NewServer(cfg *config.Config, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Deps: deps, cfg: cfg, log: log.With(zap.String("component", "server"))}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.New()
	r.Use(logging.GinLogger(s.log), gin.Recovery())
	r.MaxMultipartMemory = s.maxUpload()

	store := cookie.NewStore([]byte(s.cfg.Server.SessionSecret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(s.cfg.Server.JobTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	r.GET("/healthz", s.Health)

	api := r.Group("/api")
	{
		api.POST("/search", s.Search)
		api.POST("/nearby", s.Nearby)
		api.POST("/batch-proximity", s.BatchProximity)
		api.GET("/coordinates", s.Coordinates)
		api.GET("/sites.kml", s.SitesKML)
		api.POST("/format-locations", s.FormatLocations)

		api.POST("/process-locations", s.ProcessLocations)
		api.POST("/process-locations/stream", s.ProcessLocationsStream)
		api.GET("/jobs/latest", s.LatestJob)
		api.GET("/jobs/:id", s.GetJob)
		api.POST("/jobs/:id/cancel", s.CancelJob)
	}
	r.GET(jobs.DownloadPrefix+":filename", s.Download)
	return r
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) maxUpload() int64 {
	return s.cfg.Server.MaxUploadMB << 20
}

func (s *Server) orchestrator(job *jobs.Job, zoom int) *batch.Orchestrator {
	return batch.New(s.Index, s.Geocoder,
		batch.WithWorkers(s.cfg.Batch.Workers),
		batch.WithZoom(zoom),
		batch.WithOnline(s.Online),
		batch.WithExporter(s.Jobs.Exporter(job)),
		batch.WithLogger(s.log.With(zap.String("job", job.ID))),
	)
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"gazetteerEntries": s.Index.Len(),
		"sites":            s.Sites.Len(),
		"droppedSites":     s.Sites.Dropped(),
		"formatter":        s.Formatter != nil,
	})
}
