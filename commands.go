package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"site-proximity/internal/batch"
	"site-proximity/internal/calculator"
	"site-proximity/internal/excel"
	"site-proximity/internal/gazetteer"
	"site-proximity/internal/geocode"
	"site-proximity/internal/jobs"
	"site-proximity/internal/models"
	"site-proximity/internal/rows"
	"site-proximity/internal/server"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func createServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.log.Sync() //nolint:errcheck

			refuse := func(err error) error {
				if fatal(err) {
					a.log.Fatal("refusing to start", zap.Error(err))
				}
				return err
			}
			idx, err := a.index()
			if err != nil {
				return refuse(err)
			}
			inv, err := a.inventory()
			if err != nil {
				return refuse(err)
			}
			g, probe, err := a.geocoder()
			if err != nil {
				return refuse(err)
			}
			store, err := jobs.NewStore(a.cfg.Server.OutputDir)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			go pruneJobs(ctx, store, a.cfg.Server.JobTTL.Duration, a.log)

			gin.SetMode(gin.ReleaseMode)
			srv := server.NewServer(a.cfg, server.Deps{
				Index:     idx,
				Sites:     inv,
				Geocoder:  g,
				Online:    probe.Online,
				Jobs:      store,
				Formatter: a.formatter(),
			}, a.log)
			return srv.Run(ctx, ":"+a.cfg.Server.Port)
		},
	}
}

func pruneJobs(ctx context.Context, store *jobs.Store, ttl time.Duration, log *zap.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(max(ttl/4, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Prune(ttl); n > 0 {
				log.Info("pruned finished jobs", zap.Int("jobs", n))
			}
		}
	}
}

func createResolveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [query...]",
		Short: "Fuzzy-match a place name against the gazetteer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			idx, err := a.index()
			if err != nil {
				return err
			}
			m, ok := idx.Resolve(strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), gazetteer.FormatLine(m, ok))
			return nil
		},
	}
}

func createGeocodeCmd(configPath *string) *cobra.Command {
	var zoom int
	cmd := &cobra.Command{
		Use:   "geocode [place]",
		Short: "Look up the coordinates of a place",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			g, _, err := a.geocoder()
			if err != nil {
				return err
			}
			place := strings.Join(args, " ")
			if !cmd.Flags().Changed("zoom") {
				zoom = a.cfg.Geocode.DefaultZoom
			}
			zoom = geocode.ClampZoom(zoom)

			p, err := g.Geocode(cmd.Context(), place, zoom)
			if err != nil {
				return eris.Wrapf(err, "geocode %q", place)
			}
			return printJSON(cmd, map[string]any{
				"inputPlace":    place,
				"latitude":      p.Lat,
				"longitude":     p.Lon,
				"zoom":          zoom,
				"resolvedLabel": p.Label,
				"sourceUrl":     p.SourceURL,
			})
		},
	}
	cmd.Flags().IntVar(&zoom, "zoom", geocode.DefaultZoom, "map zoom hint (0-18)")
	return cmd
}

func createNearbyCmd(configPath *string) *cobra.Command {
	var (
		lat, lon, maxValue float64
		unit               string
	)
	cmd := &cobra.Command{
		Use:   "nearby",
		Short: "List inventory sites within a distance of a coordinate",
		RunE: func(cmd *cobra.Command, args []string) error {
			origin := models.Coordinate{Lat: lat, Lon: lon}
			if !origin.Valid() {
				return models.NewValidationError("coordinate", "%v,%v is out of range", lat, lon)
			}
			maxMeters, err := calculator.ToMeters(maxValue, unit)
			if err != nil {
				return err
			}
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			inv, err := a.inventory()
			if err != nil {
				return err
			}

			matches := inv.Nearby(origin, maxMeters)
			out := make([]models.Record, 0, len(matches))
			for _, m := range matches {
				r := m.Site.Columns.Clone()
				r.Set("distanceMeters", int(math.Round(m.Distance)))
				out = append(out, r)
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude of the origin")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude of the origin")
	cmd.Flags().Float64Var(&maxValue, "max", 500, "maximum distance")
	cmd.Flags().StringVar(&unit, "unit", "meters", "distance unit: meters or km")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

func createBatchCmd(configPath *string) *cobra.Command {
	var (
		out, joinOut string
		maxValue     float64
		unit         string
		zoom         int
		noProbe      bool
	)
	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Resolve and geocode every row of a spreadsheet offline",
		Long: `batch reads an xlsx, csv, tsv or txt file, resolves and geocodes the place
column of every row and writes the results workbook. With --join it also
writes the proximity join of the geocoded rows against the site inventory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.log.Sync() //nolint:errcheck

			var maxMeters float64
			if joinOut != "" {
				if maxMeters, err = calculator.ToMeters(maxValue, unit); err != nil {
					return err
				}
			}

			tab, err := rows.Read(args[0])
			if err != nil {
				return err
			}
			input := rows.InputRows(tab, rows.DefaultPlaceColumns, rows.DefaultPlaceIndex)
			a.log.Info("rows loaded",
				zap.String("file", args[0]),
				zap.String("encoding", tab.Encoding),
				zap.String("placeColumn", tab.PlaceColumn(rows.DefaultPlaceColumns, rows.DefaultPlaceIndex)),
				zap.Int("rows", len(input)))

			idx, err := a.index()
			if err != nil {
				return err
			}
			g, probe, err := a.geocoder()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("zoom") {
				zoom = a.cfg.Geocode.DefaultZoom
			}
			opts := []batch.Option{
				batch.WithWorkers(a.cfg.Batch.Workers),
				batch.WithZoom(geocode.ClampZoom(zoom)),
				batch.WithLogger(a.log),
			}
			if !noProbe {
				opts = append(opts, batch.WithOnline(probe.Online))
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			sum := batch.New(idx, g, opts...).Run(ctx, input, progressLogger(a.log, len(input)))

			records := make([]models.Record, len(sum.Results))
			succeeded := 0
			for i, r := range sum.Results {
				records[i] = r.Flatten()
				if r.Status == models.StatusSuccess {
					succeeded++
				}
			}
			if err := excel.WriteRecords(out, "Results", records); err != nil {
				return err
			}
			a.log.Info("results written",
				zap.String("file", out),
				zap.Int("rows", len(records)),
				zap.Int("succeeded", succeeded),
				zap.Bool("stopped", sum.Stopped))

			if joinOut != "" {
				inv, err := a.inventory()
				if err != nil {
					return err
				}
				joined := calculator.Join(sum.Results, inv, maxMeters, func(current, total int, _ string) {
					a.log.Info("joining", zap.Int("row", current), zap.Int("rows", total))
				})
				if err := excel.WriteRecords(joinOut, "Proximity", joined); err != nil {
					return err
				}
				a.log.Info("proximity join written",
					zap.String("file", joinOut),
					zap.Int("matches", len(joined)),
					zap.Float64("maxMeters", maxMeters))
			}
			if sum.Stopped {
				return eris.Errorf("batch stopped early: %s", sum.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "results.xlsx", "results workbook")
	cmd.Flags().StringVar(&joinOut, "join", "", "also write the proximity join to this workbook")
	cmd.Flags().Float64Var(&maxValue, "max", 1, "join distance threshold")
	cmd.Flags().StringVar(&unit, "unit", "km", "join distance unit: meters or km")
	cmd.Flags().IntVar(&zoom, "zoom", geocode.DefaultZoom, "map zoom hint (0-18)")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "skip the connectivity check before each row")
	return cmd
}

// progressLogger logs failed rows and roughly every tenth of the batch.
func progressLogger(log *zap.Logger, total int) func(batch.Event) {
	step := max(total/10, 1)
	return func(ev batch.Event) {
		switch {
		case ev.Row != nil:
			if ev.Row.Status == models.StatusError {
				log.Warn("row failed",
					zap.String("place", ev.Row.PlaceName),
					zap.String("error", ev.Row.ErrorMessage))
			}
			if ev.Index%step == 0 || ev.Index == ev.Total {
				log.Info("progress", zap.Int("done", ev.Index), zap.Int("total", ev.Total))
			}
		case ev.Stopped:
			log.Warn("stopping", zap.String("reason", ev.Message))
		}
	}
}
