package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lczanna/power-query-explorer/internal/config"
	"github.com/lczanna/power-query-explorer/internal/extract"
)

var (
	maxContainerBytes int64
	outputPath        string
	verbose           bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pqx",
	Short: "Recover queries and data from spreadsheet and BI-package files",
	Long: `pqx reads spreadsheet (.xlsx, .xlsm) and BI-package (.pbix, .pbit)
containers and recovers the query definitions and tabular data embedded in
them, without the producing application installed.`,
	PersistentPreRunE: initFlagsAndConfig,
	SilenceUsage:      true,
}

// initFlagsAndConfig layers command flags over the environment configuration.
func initFlagsAndConfig(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	if cmd != nil {
		if cmd.Flags().Changed("max-size") {
			cfg.MaxContainerBytes = maxContainerBytes
		}
		if cmd.Flags().Changed("output") {
			cfg.OutputPath = outputPath
		}
		cfg.Verbose = cfg.Verbose || verbose
	}
	config.SetConfig(cfg)

	var err error
	if cfg.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	}
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	return nil
}

func newExtractor() *extract.Extractor {
	return extract.New(*config.Current(), logger)
}

// extractFile reads one container from disk and runs the extraction.
func extractFile(cmd *cobra.Command, path string) (*extract.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	res, err := newExtractor().Extract(cmd.Context(), path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", path, err)
	}
	for _, d := range res.Diagnostics {
		logger.Warn("unit skipped", zap.String("container", res.Container), zap.String("detail", d))
	}
	return res, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	defer func() {
		if logger != nil {
			_ = logger.Sync()
		}
	}()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().Int64Var(&maxContainerBytes, "max-size", config.DefaultMaxContainerBytes, "Largest container file in bytes the extractor will open")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "Directory for exported files (defaults to the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log fallback strategies and skipped units")

	rootCmd.AddCommand(queriesCmd)
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(exportCmd)
}
