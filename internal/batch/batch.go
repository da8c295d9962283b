// Package batch drives uploaded rows through fuzzy resolution and geocoding
// with a bounded worker pool and reports progress as a stream of events.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"site-proximity/internal/geocode"
	"site-proximity/internal/models"
)

// SkippedMessage marks rows a stopped batch never started.
const SkippedMessage = "skipped: batch stopped before this row was processed"

// Resolver finds the gazetteer entry for a raw place name.
type Resolver interface {
	Resolve(query string) (models.MatchResult, bool)
}

// Exporter stores the finished results and returns a download reference.
type Exporter interface {
	Export(ctx context.Context, rows []models.ResolvedRow) (string, error)
}

type Orchestrator struct {
	resolver Resolver
	geocoder geocode.Geocoder
	workers  int
	zoom     int
	online   func(context.Context) bool
	exporter Exporter
	log      *zap.Logger
}

type Option func(*Orchestrator)

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithZoom(zoom int) Option {
	return func(o *Orchestrator) { o.zoom = zoom }
}

// WithOnline installs the connectivity check consulted before each row is
// admitted. A false answer stops the batch.
func WithOnline(fn func(context.Context) bool) Option {
	return func(o *Orchestrator) { o.online = fn }
}

func WithExporter(e Exporter) Option {
	return func(o *Orchestrator) { o.exporter = e }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// DefaultWorkers leaves one CPU to the caller and never drops below two.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 2)
}

func New(resolver Resolver, geocoder geocode.Geocoder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		geocoder: geocoder,
		workers:  DefaultWorkers(),
		zoom:     geocode.DefaultZoom,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(zap.String("component", "batch"))
	return o
}

func (o *Orchestrator) Workers() int { return o.workers }

// Stream processes rows concurrently and returns the event channel. Row events
// arrive in completion order with consecutive indices; an optional stop event
// and then exactly one finished event follow, after which the channel is
// closed. The caller must drain the channel.
//
// Cancelling ctx stops admission of new rows. Rows already running finish
// under their own geocoder timeout.
func (o *Orchestrator) Stream(ctx context.Context, rows []models.InputRow) <-chan Event {
	out := make(chan Event, o.workers)
	go o.run(ctx, rows, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, rows []models.InputRow, out chan<- Event) {
	defer close(out)
	start := time.Now()
	total := len(rows)
	results := make([]models.ResolvedRow, total)
	finished := make([]bool, total)

	o.log.Info("batch: started", zap.Int("rows", total), zap.Int("workers", o.workers))

	var (
		mu        sync.Mutex
		completed int
	)
	work := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(o.workers))
	var g errgroup.Group

	stopReason := ""
	for i := range rows {
		if ctx.Err() != nil {
			stopReason = "batch cancelled"
			break
		}
		if o.online != nil && !o.online(ctx) {
			stopReason = "lost connection to the geocoding service"
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			stopReason = "batch cancelled"
			break
		}

		i := i
		g.Go(func() error {
			defer sem.Release(1)
			res := o.process(work, rows[i])

			// Index assignment and send share the lock so indices reach the
			// consumer in order.
			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			finished[i] = true
			completed++
			out <- Event{Index: completed, Total: total, Row: &res}
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range finished {
		if !ok {
			results[i] = skipped(rows[i], o.zoom)
		}
	}

	if stopReason != "" {
		o.log.Warn("batch: stopped early",
			zap.String("reason", stopReason),
			zap.Int("processed", completed),
			zap.Int("rows", total))
		out <- Event{Stopped: true, Processed: completed, Total: total, Message: stopReason}
	}

	final := Event{Finished: true, Processed: completed, Total: total, Results: results}
	if o.exporter != nil {
		url, err := o.exporter.Export(work, results)
		if err != nil {
			o.log.Error("batch: export failed", zap.Error(err))
			final.Error = "export failed: " + err.Error()
		} else {
			final.DownloadURL = url
		}
	}

	o.log.Info("batch: finished",
		zap.Int("processed", completed),
		zap.Int("rows", total),
		zap.Duration("elapsed", time.Since(start)))
	out <- final
}

func skipped(row models.InputRow, zoom int) models.ResolvedRow {
	return models.ResolvedRow{
		Columns:      row.Columns,
		PlaceName:    row.PlaceName,
		Status:       models.StatusError,
		Zoom:         zoom,
		ErrorMessage: SkippedMessage,
	}
}

// process runs one row. It never fails: every problem ends up in the row's
// status and error message.
func (o *Orchestrator) process(ctx context.Context, row models.InputRow) (res models.ResolvedRow) {
	res = models.ResolvedRow{
		Columns:   row.Columns,
		PlaceName: row.PlaceName,
		Status:    models.StatusError,
		Zoom:      o.zoom,
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("batch: row panicked", zap.String("place", row.PlaceName), zap.Any("panic", r))
			res.Status = models.StatusError
			res.ErrorMessage = fmt.Sprintf("internal error: %v", r)
		}
	}()

	name := strings.TrimSpace(row.PlaceName)
	if name == "" {
		res.ErrorMessage = "no area name"
		return res
	}

	query := name
	if m, ok := o.resolve(name); ok {
		res.FuzzyMatch = &m
		query = m.Entry.SearchQuery()
	}
	res.Query = query

	p, err := o.geocoder.Geocode(ctx, query, o.zoom)
	if err != nil {
		o.log.Debug("batch: geocode failed", zap.String("query", query), zap.Error(err))
		if errors.Is(err, geocode.ErrNotFound) {
			res.ErrorMessage = fmt.Sprintf("no coordinates found for %q", query)
		} else {
			res.ErrorMessage = err.Error()
		}
		return res
	}

	res.Status = models.StatusSuccess
	res.Latitude = p.Lat
	res.Longitude = p.Lon
	res.ResolvedLabel = p.Label
	res.SourceURL = p.SourceURL
	return res
}

// resolve treats a failing resolver as a miss so the raw name is geocoded.
func (o *Orchestrator) resolve(name string) (m models.MatchResult, ok bool) {
	if o.resolver == nil {
		return m, false
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("batch: resolver panicked", zap.String("place", name), zap.Any("panic", r))
			m, ok = models.MatchResult{}, false
		}
	}()
	return o.resolver.Resolve(name)
}

// Summary is what Run collects from the event stream.
type Summary struct {
	Results     []models.ResolvedRow
	Processed   int
	Stopped     bool
	Message     string
	DownloadURL string
	Error       string
}

// Run drains Stream, forwarding every event to onEvent when it is non-nil.
func (o *Orchestrator) Run(ctx context.Context, rows []models.InputRow, onEvent func(Event)) Summary {
	var s Summary
	for ev := range o.Stream(ctx, rows) {
		if onEvent != nil {
			onEvent(ev)
		}
		switch {
		case ev.Finished:
			s.Results = ev.Results
			s.Processed = ev.Processed
			s.DownloadURL = ev.DownloadURL
			s.Error = ev.Error
		case ev.Stopped:
			s.Stopped = true
			s.Message = ev.Message
		}
	}
	return s
}
