package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"racesim-server/logger"
	"racesim-server/spline"
)

// Command-line flags.
var (
	twoWay    bool
	laneWidth float32
	outPath   string
	logLevel  string
)

func newLogger() *zap.Logger {
	log, err := logger.New(logLevel)
	if err != nil {
		fmt.Println("Error creating logger:", err)
		os.Exit(1)
	}
	return log
}

func buildTrack(trackDir string) (*spline.Spline, error) {
	src, err := spline.Resolve(trackDir, twoWay)
	if err != nil {
		return nil, err
	}
	if src.Packaged != "" {
		x, err := spline.OpenFile(src.Packaged)
		if err != nil {
			return nil, err
		}
		defer x.Close()
		return x.Export(), nil
	}
	b := spline.NewBuilder(spline.BuildOptions{TwoWay: twoWay, LaneWidth: laneWidth, Log: newLogger()})
	for _, path := range src.LaneFiles {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = b.AddFile(path, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return b.Build()
}

var buildCmd = &cobra.Command{
	Use:   "build <track-dir>",
	Short: "Build a spline asset from the lane files of a track",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildTrack(args[0])
		if err != nil {
			return err
		}
		out := outPath
		if out == "" {
			out = "spline.bin"
		}
		if err := spline.WriteFile(out, s); err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%d points, %d junctions)\n", out, len(s.Points), len(s.Junctions))
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <asset>",
	Short: "Validate a spline asset and print its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, err := spline.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer x.Close()
		fmt.Println("--------------------------------------------------")
		fmt.Printf("  Asset: %s\n", args[0])
		fmt.Printf("  Format version: %d\n", spline.FormatVersion)
		fmt.Printf("  Points: %d\n", x.PointCount())
		fmt.Printf("  Junctions: %d\n", x.JunctionCount())
		fmt.Printf("  Size: %d bytes\n", len(x.Bytes()))
		fmt.Println("--------------------------------------------------")
		return nil
	},
}

var geojsonCmd = &cobra.Command{
	Use:   "geojson <asset>",
	Short: "Export a spline asset as GeoJSON for inspection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, err := spline.OpenFile(args[0])
		if err != nil {
			return err
		}
		defer x.Close()
		data, err := json.Marshal(spline.ExportGeoJSON(x))
		if err != nil {
			return err
		}
		if outPath == "" {
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}
		return os.WriteFile(outPath, data, 0o644)
	},
}

var keyCmd = &cobra.Command{
	Use:   "key <track-dir>",
	Short: "Print the cache key of a track",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := spline.Resolve(args[0], twoWay)
		if err != nil {
			return err
		}
		fmt.Println(src.Key)
		return nil
	},
}

var rootCmd = &cobra.Command{
	Use:          "splinetool",
	Short:        "Offline tooling for AI spline assets",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&twoWay, "two-way", false, "Generate mirrored lanes for two-way traffic.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level.")
	buildCmd.Flags().Float32Var(&laneWidth, "lane-width", 0, "Override the lane width of the lane files.")
	buildCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output asset path.")
	geojsonCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file, stdout when empty.")
	rootCmd.AddCommand(buildCmd, inspectCmd, geojsonCmd, keyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
