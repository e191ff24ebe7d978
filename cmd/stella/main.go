package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ent0n29/stella/internal/config"
	"github.com/ent0n29/stella/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:          "stella",
	Short:        "Push-to-talk voice companion with structured memory",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overrides STELLA_CONFIG)")
	rootCmd.AddCommand(serveCmd, talkCmd)
}

// loadConfig resolves configuration and the logger shared by every command.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("STELLA_CONFIG", path); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load()
}

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		observability.NewLogger("error", "text").Error("stella exited", "error", err)
		os.Exit(1)
	}
}
