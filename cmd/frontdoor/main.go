package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pcbuilderai/frontdoor/frontdoor/config"
)

var rootCmd = &cobra.Command{
	Use:   "frontdoor",
	Short: "PC Builder AI front door",
	Long: `frontdoor supervises the PC Builder AI backend and UI renderer and serves them
behind one HTTP listener.

Example:
  frontdoor serve
  frontdoor serve --config frontdoor.yaml --port 8080
  frontdoor token --ttl 1h
  frontdoor events --limit 20`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("root", "", "Application root holding backend/ and frontend/ (default: working directory)")

	rootCmd.AddCommand(serveCmd, tokenCmd, eventsCmd)
}

// loadConfig resolves --root and --config into a validated configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		root = wd
	}
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, root)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
