// Command estimate posts a GeoJSON region to a running biomass estimation
// server and saves the returned GeoTIFF and statistics.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	token     string
	outPath   string
	statsPath string
	timeout   time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Request above-ground biomass estimates from a biomass estimation server",
	Long: `Request above-ground biomass estimates for a GeoJSON region.

Available subcommands:
  preliminary - Estimate from the precomputed catalog
  runtime     - Estimate from recent satellite scenes (requires a token)
  catalog     - List the coverage of the precomputed catalog`,
	SilenceUsage: true,
}

var preliminaryCmd = &cobra.Command{
	Use:   "preliminary <region.geojson>",
	Short: "Estimate biomass from the precomputed catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEstimate(cmd, "preliminary", args[0])
	},
}

var runtimeCmd = &cobra.Command{
	Use:   "runtime <region.geojson>",
	Short: "Estimate biomass from recent satellite scenes",
	Long: `Estimate biomass with the sensor fusion model over the most recent
Sentinel-1 and Sentinel-2 scenes. The server requires a bearer token, read from
--token or the BIOMASS_TOKEN environment variable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEstimate(cmd, "runtime", args[0])
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the coverage of the precomputed catalog",
	Args:  cobra.NoArgs,
	RunE:  runCatalog,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "biomass estimation server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")

	for _, cmd := range []*cobra.Command{preliminaryCmd, runtimeCmd} {
		cmd.Flags().StringVarP(&outPath, "out", "o", "image.tif", "path of the output GeoTIFF")
		cmd.Flags().StringVar(&statsPath, "stats", "", "path of a JSON file receiving the statistics")
	}
	runtimeCmd.Flags().StringVar(&token, "token", os.Getenv("BIOMASS_TOKEN"), "bearer token")

	rootCmd.AddCommand(preliminaryCmd, runtimeCmd, catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
