package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vietddude/healer/internal/core/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the config file",
	Run:   runValidate,
}

func init() {
	configCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfigQuiet() (*config.AppConfig, error) {
	_ = godotenv.Load()
	return config.Load(cfgPath)
}

func runValidate(cmd *cobra.Command, args []string) {
	cfg, err := loadConfigQuiet()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	fmt.Printf("%s: ok (%d pipelines, %d pools, storage %s, quarantine %s)\n",
		cfgPath, len(cfg.Pipelines), len(cfg.Scaling.Pools), cfg.Storage.Backend, cfg.Storage.Quarantine)
}
