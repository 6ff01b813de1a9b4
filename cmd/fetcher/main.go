// Command fetcher ingests Environment Canada citypage weather data into the
// configured store.
//
// Usage:
//
//	fetcher                          run the scheduled service
//	fetcher once stations            refresh the station directory and exit
//	fetcher once observations        collect one observation cycle and exit
//	fetcher parse <file>             normalize a local document and print JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/citypage-fetcher/internal/adapter/httpadapter"
	"github.com/couchcryptid/citypage-fetcher/internal/domain"
	"github.com/couchcryptid/citypage-fetcher/internal/pipeline"
	"github.com/couchcryptid/citypage-fetcher/internal/scheduler"
)

func main() {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fetcher failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fetcher",
		Short:         "Citypage weather ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context())
		},
	}
	root.AddCommand(newOnceCmd(), newParseCmd())
	return root
}

func runService(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	logger := a.logger

	ctrl := scheduler.New(a.ingester, a.gateway, scheduler.Options{
		StationInterval:     a.cfg.StationRefreshInterval,
		ObservationInterval: a.cfg.ObservationInterval,
		ShutdownGrace:       a.cfg.ShutdownTimeout,
	}, logger)

	srv := httpadapter.NewServer(a.cfg.HTTPAddr, ctrl, ctrl, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		shutdownHTTP(srv, a, logger)
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")

	ctrl.Shutdown()
	shutdownHTTP(srv, a, logger)
	logger.Info("shutdown complete")
	return nil
}

func shutdownHTTP(srv *httpadapter.Server, a *app, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	a.close(shutdownCtx)
}

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "once {stations|observations}",
		Short:     "Run a single cycle and exit",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{pipeline.CycleStations, pipeline.CycleObservations},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), args[0])
		},
	}
}

func runOnce(parent context.Context, cycle string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	switch cycle {
	case pipeline.CycleStations:
		_, err = a.ingester.RunStations(ctx)
	default:
		_, err = a.ingester.RunObservations(ctx)
	}
	return onceExit(ctx, err, a.logger)
}

// onceExit treats a cycle cut short by SIGINT or SIGTERM as a clean exit.
func onceExit(ctx context.Context, err error, logger *slog.Logger) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		logger.Info("cycle interrupted by signal", "error", err)
		return nil
	}
	return err
}

var stationCodeRe = regexp.MustCompile(`s\d{7}`)

func newParseCmd() *cobra.Command {
	var (
		station  string
		siteList bool
	)
	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Normalize a local citypage or site list document and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var out any
			if siteList {
				out, err = parseSiteList(content)
			} else {
				if station == "" {
					station = stationCodeRe.FindString(filepath.Base(args[0]))
				}
				out, err = parseCitypage(content, station)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVarP(&station, "station", "s", "", "station code (default: taken from the file name)")
	cmd.Flags().BoolVar(&siteList, "site-list", false, "treat the file as the station directory")
	return cmd
}

type parsedCitypage struct {
	StationCode string              `json:"station_code"`
	Observation *domain.Observation `json:"observation"`
	Warnings    []domain.Warning    `json:"warnings"`
	Forecast    *domain.Forecast    `json:"forecast"`
	Rejections  []string            `json:"rejections,omitempty"`
	Cleared     []string            `json:"cleared,omitempty"`
}

func parseCitypage(content []byte, station string) (parsedCitypage, error) {
	page, err := domain.ParseCitypage(content, station, domain.Now())
	if err != nil {
		return parsedCitypage{}, err
	}
	return parsedCitypage{
		StationCode: page.StationCode,
		Observation: page.Observation,
		Warnings:    page.Warnings,
		Forecast:    page.Forecast,
		Rejections:  rejectionStrings(page.Rejections),
		Cleared:     clearedStrings(page.Cleared),
	}, nil
}

func clearedStrings(cs []domain.ClearedField) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.String())
	}
	return out
}

type parsedSiteList struct {
	Stations   []domain.Station `json:"stations"`
	Rejections []string         `json:"rejections,omitempty"`
}

func parseSiteList(content []byte) (parsedSiteList, error) {
	entries, err := domain.ParseSiteList(content)
	if err != nil {
		return parsedSiteList{}, err
	}
	now := time.Now().UTC()
	out := parsedSiteList{Stations: make([]domain.Station, 0, len(entries))}
	var rejections []*domain.Rejection
	for _, e := range entries {
		st, rej := domain.NormalizeStation(e, now)
		if rej != nil {
			rejections = append(rejections, rej)
			continue
		}
		out.Stations = append(out.Stations, st)
	}
	out.Rejections = rejectionStrings(rejections)
	return out, nil
}

func rejectionStrings(rejs []*domain.Rejection) []string {
	if len(rejs) == 0 {
		return nil
	}
	out := make([]string, len(rejs))
	for i, r := range rejs {
		out[i] = r.Error()
	}
	return out
}
