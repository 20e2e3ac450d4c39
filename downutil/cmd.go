/*
Copyright © 2024 the downscale authors.
This file is part of downscale.

downscale is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

downscale is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with downscale.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package downutil provides the command-line interface for the
// downscale model.
package downutil

import (
	"fmt"
	"os"

	"github.com/geohealth/downscale"
	"github.com/lnashier/viper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to downscale.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "StoreRoot",
			usage: `
              StoreRoot is the directory results are archived under.`,
			defaultVal: "downscale_store",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "NProcs",
			usage: `
              NProcs is the number of jobs to run concurrently.
              Zero means one worker per CPU.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Catalog",
			usage: `
              Catalog is a CSV file listing the available model variants:
              model, variant, semicolon-separated scenarios, first year,
              last year.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{drawsCmd.Flags(), dailyCmd.Flags()},
		},
		{
			name: "Seed",
			usage: `
              Seed seeds the ensemble sampler. Runs with the same seed and
              catalog reproduce the same draws exactly.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{drawsCmd.Flags()},
		},
		{
			name: "Draws",
			usage: `
              Draws is the number of ensemble members to sample.`,
			defaultVal: downscale.DefaultDraws,
			flagsets:   []*pflag.FlagSet{drawsCmd.Flags(), dailyCmd.Flags(), annualCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "Scenarios",
			usage: `
              Scenarios lists the emission scenarios to process.`,
			defaultVal: []string{"ssp126", "ssp245", "ssp585"},
			flagsets:   []*pflag.FlagSet{drawsCmd.Flags(), dailyCmd.Flags(), annualCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "Variables",
			usage: `
              Variables lists the climate variables to process.`,
			defaultVal: []string{"mean_temperature", "max_temperature", "min_temperature", "wind_speed", "relative_humidity", "total_precipitation"},
			flagsets:   []*pflag.FlagSet{dailyCmd.Flags(), annualCmd.Flags()},
		},
		{
			name: "FirstYear",
			usage: `
              FirstYear is the first year to process (inclusive).`,
			defaultVal: 2024,
			flagsets:   []*pflag.FlagSet{drawsCmd.Flags(), dailyCmd.Flags(), annualCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "LastYear",
			usage: `
              LastYear is the last year to process (inclusive).`,
			defaultVal: 2100,
			flagsets:   []*pflag.FlagSet{drawsCmd.Flags(), dailyCmd.Flags(), annualCmd.Flags(), aggregateCmd.Flags()},
		},
		{
			name: "Reference.Source",
			usage: `
              Reference.Source names the reference reanalysis.`,
			defaultVal: "era5",
			flagsets:   []*pflag.FlagSet{dailyCmd.Flags()},
		},
		{
			name: "Reference.Scenario",
			usage: `
              Reference.Scenario is the scenario model climatologies are
              built from over the reference window.`,
			defaultVal: "historical",
			flagsets:   []*pflag.FlagSet{dailyCmd.Flags()},
		},
		{
			name: "Reference.FirstYear",
			usage: `
              Reference.FirstYear is the first year of the climatology
              reference window.`,
			defaultVal: 2019,
			flagsets:   []*pflag.FlagSet{dailyCmd.Flags()},
		},
		{
			name: "Reference.LastYear",
			usage: `
              Reference.LastYear is the last year of the climatology
              reference window.`,
			defaultVal: 2023,
			flagsets:   []*pflag.FlagSet{dailyCmd.Flags()},
		},
		{
			name: "Archive.ReferenceRoot",
			usage: `
              Archive.ReferenceRoot is the directory holding reference
              reanalysis daily files, laid out as variable/year.nc.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{dailyCmd.Flags()},
		},
		{
			name: "Archive.ProjectionRoot",
			usage: `
              Archive.ProjectionRoot is the directory holding projection
              daily files, laid out as
              scenario/model/variant/variable/year.nc.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{dailyCmd.Flags()},
		},
		{
			name: "SuitabilityCurves",
			usage: `
              SuitabilityCurves is a CSV file of disease suitability
              curves: disease, temperature, suitability.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{annualCmd.Flags()},
		},
		{
			name: "Measures",
			usage: `
              Measures lists the annual measures to aggregate.`,
			defaultVal: []string{"mean_temperature", "days_over_30C", "total_precipitation"},
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "Shapefile.Path",
			usage: `
              Shapefile.Path locates the administrative-unit shapefile.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "Shapefile.IDColumn",
			usage: `
              Shapefile.IDColumn is the attribute column holding unit IDs.`,
			defaultVal: "loc_id",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "Shapefile.NameColumn",
			usage: `
              Shapefile.NameColumn is the attribute column holding unit names.`,
			defaultVal: "loc_name",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "Shapefile.LevelColumn",
			usage: `
              Shapefile.LevelColumn is the attribute column holding unit levels.`,
			defaultVal: "level",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "Shapefile.ParentColumn",
			usage: `
              Shapefile.ParentColumn is the attribute column holding parent IDs.`,
			defaultVal: "parent_id",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "PopulationFile",
			usage: `
              PopulationFile is a NetCDF file of gridded person counts in
              a variable named population.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile is where aggregated results are written, as CSV.`,
			defaultVal: "aggregates.csv",
			flagsets:   []*pflag.FlagSet{aggregateCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("DOWNSCALE")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(drawsCmd)
	Root.AddCommand(dailyCmd)
	Root.AddCommand(annualCmd)
	Root.AddCommand(aggregateCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("downscale: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "downscale",
	Short: "A climate downscaling and aggregation pipeline.",
	Long: `downscale bias-corrects climate model projections against a reanalysis
reference, downscales them to the reference grid, reduces daily data to
annual health-relevant measures, and aggregates the results to
administrative units weighted by where people live.

Configuration can be changed by using a configuration file (and providing
the path to the file using the --config flag), by using command-line
arguments, or by setting environment variables in the format
'DOWNSCALE_var' where 'var' is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of downscale.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("downscale v%s\n", downscale.Version)
	},
	DisableAutoGenTag: true,
}

// drawsCmd samples and persists the model-variant ensemble.
var drawsCmd = &cobra.Command{
	Use:   "draws",
	Short: "Sample the model-variant ensemble.",
	Long: `draws samples the ensemble of (model, variant) pairs used for all
scenarios, variables, and years, and persists it under the store so every
later stage works from the same draws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Draws(
			Cfg.GetString("StoreRoot"),
			os.ExpandEnv(Cfg.GetString("Catalog")),
			Cfg.GetStringSlice("Scenarios"),
			Cfg.GetInt("FirstYear"), Cfg.GetInt("LastYear"),
			Cfg.GetInt("Draws"), int64(Cfg.GetInt("Seed")))
	},
	DisableAutoGenTag: true,
}

// dailyCmd bias-corrects and downscales daily projection data.
var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Bias-correct and downscale daily data.",
	Long: `daily runs the bias-correction stage: for every variable, scenario,
year, and draw it computes anomalies against the model climatology,
downscales them to the reference grid, and re-biases them against the
reference climatology.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStage(cmd.Context(), downscale.StageDaily)
	},
	DisableAutoGenTag: true,
}

// annualCmd reduces daily data to annual measures.
var annualCmd = &cobra.Command{
	Use:   "annual",
	Short: "Reduce daily data to annual measures.",
	Long: `annual reduces stored bias-corrected daily data to annual measures:
means, totals, threshold-exceedance counts, and disease-suitability sums.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStage(cmd.Context(), downscale.StageAnnual)
	},
	DisableAutoGenTag: true,
}

// aggregateCmd aggregates annual measures to administrative units.
var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate annual measures to administrative units.",
	Long: `aggregate reduces stored annual measures to population-weighted values
over an administrative-unit hierarchy and rolls them up to every level,
writing one CSV row per unit, measure, scenario, year, and draw.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Aggregate(cmd.Context(),
			Cfg.GetString("StoreRoot"),
			os.ExpandEnv(Cfg.GetString("Shapefile.Path")),
			shapefileConfig(),
			os.ExpandEnv(Cfg.GetString("PopulationFile")),
			Cfg.GetStringSlice("Measures"),
			Cfg.GetStringSlice("Scenarios"),
			Cfg.GetInt("FirstYear"), Cfg.GetInt("LastYear"),
			Cfg.GetInt("Draws"),
			os.ExpandEnv(Cfg.GetString("OutputFile")))
	},
	DisableAutoGenTag: true,
}
