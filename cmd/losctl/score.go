package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/los"
)

var aggModeFlag string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Run the pipeline and print one system-wide aggregate LOS scalar",
	RunE:  score,
}

func init() {
	scoreCmd.Flags().StringVarP(&aggModeFlag, "mode", "m", string(los.ModeOperatorVehTime),
		"aggregation mode: operator_veh_time, operator_load, passenger_time, or passenger_trip")
}

func score(cmd *cobra.Command, args []string) error {
	if err := requireConfigPath(); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	result, err := runPipeline(cfg)
	if err != nil {
		return err
	}

	mode := los.AggregationMode(aggModeFlag)
	value, err := los.Aggregate(cfg, mode, result.linkScores, result.filtered, result.linkRecords)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %.6f\n", mode, value)
	return nil
}
