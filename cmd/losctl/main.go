// Command losctl runs the transit LOS scoring pipeline: metadata load
// (C1), event extraction (C2), record storage (C3), metric processing
// (C4), and LOS scoring (C5).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "losctl",
	Short:        "Transit level-of-service scorer",
	Long:         "Computes transit LOS scores from a MATSim event log and network/schedule descriptors",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func requireConfigPath() error {
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	return nil
}
