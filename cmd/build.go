package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thapasuman5202/Engineering/internal/engine"
	"github.com/thapasuman5202/Engineering/internal/geometry"
)

var (
	buildLat       float64
	buildLon       float64
	buildRadius    float64
	buildScenarios []string
	buildOnline    bool
	buildSiteName  string
	buildBrief     string
	buildBoundary  string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a context for one site and print it as JSON",
	Long:  "Builds version 1 of a new context from --lat/--lon (and --radius) or from a GeoJSON --boundary file, using the configured store and connectors.",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := engine.BuildRequest{
			SiteName:  buildSiteName,
			RadiusM:   buildRadius,
			Brief:     buildBrief,
			Online:    buildOnline,
			Scenarios: buildScenarios,
		}
		if cmd.Flags().Changed("lat") {
			req.Lat = &buildLat
		}
		if cmd.Flags().Changed("lon") {
			req.Lon = &buildLon
		}
		if buildBoundary != "" {
			data, err := os.ReadFile(buildBoundary)
			if err != nil {
				return eris.Wrapf(err, "read boundary %s", buildBoundary)
			}
			b, err := geometry.ParseGeoJSON(data)
			if err != nil {
				return err
			}
			req.Boundary = &b
		}

		env, err := initEnv(cmd.Context(), cfg, "build")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Engine.Build(cmd.Context(), req)
		if err != nil {
			return err
		}
		zap.L().Info("context built",
			zap.String("context_id", c.ContextID),
			zap.Int("fields", len(c.Fields)),
			zap.Strings("missing", c.MissingFields),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

func init() {
	f := buildCmd.Flags()
	f.Float64Var(&buildLat, "lat", 0, "site latitude")
	f.Float64Var(&buildLon, "lon", 0, "site longitude")
	f.Float64Var(&buildRadius, "radius", 0, "circle radius in metres (default from config)")
	f.StringSliceVar(&buildScenarios, "scenario", nil, "climate scenario, repeatable")
	f.BoolVar(&buildOnline, "online", false, "query online connectors")
	f.StringVar(&buildSiteName, "site-name", "", "site name")
	f.StringVar(&buildBrief, "brief", "", "free-text project brief")
	f.StringVar(&buildBoundary, "boundary", "", "GeoJSON boundary file, instead of --lat/--lon")
	rootCmd.AddCommand(buildCmd)
}
