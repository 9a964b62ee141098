package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tomofista/internal/models"
	"tomofista/pkg/config"
	"tomofista/pkg/reconstruction"
	"tomofista/pkg/visualization"
	"tomofista/pkg/volumeio"
)

var (
	configPath       string
	inputPath        string
	rawPath          string
	outputPath       string
	saveIntermediary bool
	intermediaryDir  string
	previewDir       string
)

// overrides maps viper keys to the flags that set them. The same keys are
// read from TOMOFISTA_* environment variables.
var overrides = map[string]string{
	"algorithm.iterations":              "iterations",
	"algorithm.tolerance":               "tolerance",
	"algorithm.lipschitz_const":         "lipschitz",
	"algorithm.nonnegativity":           "nonnegativity",
	"algorithm.initialise":              "initialise",
	"data.OS_number":                    "subsets",
	"geometry.device":                   "device",
	"regularisation.method":             "regulariser",
	"regularisation.regul_param":        "strength",
	"regularisation.iterations":         "reg-iterations",
	"regularisation.device_regulariser": "reg-device",
	"output.log_level":                  "log-level",
	"output.save_slices":                "save-slices",
	"output.slices_dir":                 "slices-dir",
}

var rootCmd = &cobra.Command{
	Use:   "tomofista",
	Short: "Iterative tomographic reconstruction with FISTA",
	Long: `tomofista reconstructs 2D and 3D images from parallel-beam sinograms with
FISTA, ordered subsets, robust data fidelities, ring artifact compensation
and total variation regularisation.`,
	SilenceUsage: true,
}

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Reconstruct a volume from a sinogram container",
	RunE:  runReconstruct,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		fmt.Printf("Default configuration written to: %s\n", path)
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render every slice of a sinogram container as an image",
	RunE: func(cmd *cobra.Command, args []string) error {
		sino, err := volumeio.LoadSinogram(inputPath)
		if err != nil {
			return fmt.Errorf("failed to load sinogram: %w", err)
		}
		if err := os.MkdirAll(previewDir, 0755); err != nil {
			return err
		}
		for k := 0; k < sino.Slices; k++ {
			img, err := visualization.SinogramImage(sino, k)
			if err != nil {
				return err
			}
			filename := filepath.Join(previewDir, fmt.Sprintf("sinogram_%03d.png", k))
			if err := visualization.SaveSlice(img, filename); err != nil {
				return err
			}
		}
		fmt.Printf("Saved %d sinogram images to: %s\n", sino.Slices, previewDir)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tomofista.yaml", "Configuration file path")

	flags := reconstructCmd.Flags()
	flags.StringVar(&inputPath, "input", "", "Sinogram container to reconstruct")
	flags.StringVar(&rawPath, "raw", "", "Raw data container for PWLS weights (overrides data.raw_data)")
	flags.StringVar(&outputPath, "output", "volume.tomo", "Output volume container")
	flags.BoolVar(&saveIntermediary, "save-intermediary", false, "Save the initial and final estimates as slice images")
	flags.StringVar(&intermediaryDir, "intermediary-dir", "intermediary_results", "Directory for intermediary results")

	flags.Int("iterations", 0, "Maximum number of FISTA iterations")
	flags.Float64("tolerance", 0, "Relative change stop criterion")
	flags.Float64("lipschitz", 0, "Lipschitz constant (skips the power method)")
	flags.Bool("nonnegativity", false, "Clamp the estimate at zero")
	flags.String("initialise", "", "Initial estimate: zero or fbp")
	flags.String("subsets", "", "Number of ordered subsets or classic")
	flags.String("device", "", "Projector device: cpu or gpu")
	flags.String("regulariser", "", "Regulariser: none, ROF_TV, FGP_TV or PD_TV")
	flags.Float64("strength", 0, "Regularisation strength")
	flags.Int("reg-iterations", 0, "Inner iterations of the regulariser")
	flags.String("reg-device", "", "Regulariser device: cpu or gpu")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.Bool("save-slices", false, "Save every reconstructed slice as an image")
	flags.String("slices-dir", "", "Directory for the slice images")
	reconstructCmd.MarkFlagRequired("input")

	for key, name := range overrides {
		viper.BindPFlag(key, flags.Lookup(name))
	}
	viper.SetEnvPrefix("TOMOFISTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	previewCmd.Flags().StringVar(&inputPath, "input", "", "Sinogram container to render")
	previewCmd.Flags().StringVar(&previewDir, "out", "sinogram_preview", "Directory for the images")
	previewCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(reconstructCmd, initConfigCmd, previewCmd)
}

// loadConfig reads the configuration file and applies flag and environment overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	for key := range overrides {
		if !viper.IsSet(key) {
			continue
		}
		switch key {
		case "algorithm.iterations":
			cfg.Algorithm.Iterations = viper.GetInt(key)
		case "algorithm.tolerance":
			cfg.Algorithm.Tolerance = viper.GetFloat64(key)
		case "algorithm.lipschitz_const":
			cfg.Algorithm.LipschitzConst = viper.GetFloat64(key)
		case "algorithm.nonnegativity":
			cfg.Algorithm.Nonnegativity = viper.GetBool(key)
		case "algorithm.initialise":
			cfg.Algorithm.Initialise = viper.GetString(key)
		case "data.OS_number":
			s := strings.TrimSpace(viper.GetString(key))
			if strings.EqualFold(s, "classic") {
				cfg.Data.OSNumber = 0
				continue
			}
			var n int
			if _, err := fmt.Sscan(s, &n); err != nil {
				return nil, fmt.Errorf("subsets must be a number or classic, got %q", s)
			}
			cfg.Data.OSNumber = config.Subsets(n)
		case "geometry.device":
			cfg.Geometry.Device = viper.GetString(key)
		case "regularisation.method":
			cfg.Regularisation.Method = viper.GetString(key)
		case "regularisation.regul_param":
			cfg.Regularisation.RegulParam = viper.GetFloat64(key)
		case "regularisation.iterations":
			cfg.Regularisation.Iterations = viper.GetInt(key)
		case "regularisation.device_regulariser":
			cfg.Regularisation.DeviceRegulariser = viper.GetString(key)
		case "output.log_level":
			cfg.Output.LogLevel = viper.GetString(key)
		case "output.save_slices":
			cfg.Output.SaveSlices = viper.GetBool(key)
		case "output.slices_dir":
			cfg.Output.SlicesDir = viper.GetString(key)
		}
	}
	if rawPath != "" {
		cfg.Data.RawData = rawPath
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	return logger, nil
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	fmt.Println("================================")
	fmt.Println("ITERATIVE TOMOGRAPHIC RECONSTRUCTION WITH FISTA")
	fmt.Println("================================")

	data, err := volumeio.LoadSinogram(inputPath)
	if err != nil {
		return fmt.Errorf("failed to load sinogram: %w", err)
	}
	if cfg.Geometry.Detectors == 0 {
		cfg.Geometry.Detectors = data.Detectors
	}
	if cfg.Geometry.Slices <= 1 {
		cfg.Geometry.Slices = data.Slices
	}
	var raw *models.Sinogram
	if cfg.Data.RawData != "" {
		raw, err = volumeio.LoadSinogram(cfg.Data.RawData)
		if err != nil {
			return fmt.Errorf("failed to load raw data: %w", err)
		}
	}
	logger.WithFields(logrus.Fields{
		"detectors": data.Detectors,
		"angles":    data.Angles,
		"slices":    data.Slices,
	}).Info("Sinogram loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reconstructor := reconstruction.NewReconstructor(&reconstruction.Params{
		Config:                  cfg,
		Data:                    data,
		RawData:                 raw,
		SaveIntermediaryResults: saveIntermediary,
		IntermediaryDir:         intermediaryDir,
		Logger:                  logger,
	})

	fmt.Println("Starting reconstruction...")
	processErr := reconstructor.Process(ctx)
	res := reconstructor.Result()
	if res == nil {
		return fmt.Errorf("reconstruction failed: %w", processErr)
	}
	if processErr != nil {
		logger.WithError(processErr).Warn("Reconstruction stopped early, saving the last valid estimate")
	}

	if err := volumeio.SaveVolume(outputPath, res.Volume); err != nil {
		return fmt.Errorf("failed to save volume: %w", err)
	}

	fmt.Printf("\nReconstruction finished in %.2f seconds (%s)\n", reconstructor.Elapsed().Seconds(), res.State)
	fmt.Printf("Output volume saved to: %s\n\n", outputPath)
	fmt.Printf("Iterations: %d\n", res.Iterations)
	fmt.Printf("Lipschitz constant: %.6g\n", reconstructor.Lipschitz())
	if objective, change, ok := res.Final(); ok {
		fmt.Printf("Final objective: %.6g\n", objective)
		fmt.Printf("Final relative change: %.3g\n", change)
	}

	if cfg.Output.SaveSlices {
		fmt.Println("\nExtracting reconstructed slices...")
		viewer := visualization.NewViewer(res.Volume)
		axes := []string{"z"}
		if res.Volume.Is3D() {
			axes = []string{"x", "y", "z"}
		}
		for _, axis := range axes {
			axisDir := filepath.Join(cfg.Output.SlicesDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				logger.WithError(err).Warnf("Failed to save %s-axis slices", axis)
			}
		}
	}

	if saveIntermediary {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", intermediaryDir)
	}
	return processErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
