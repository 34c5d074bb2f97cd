package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/report"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full C1-C5 scoring pipeline and write every output table",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
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

	if err := report.WriteLinkMetrics(cfg.Files.LosData.Filtered, result.filtered); err != nil {
		return err
	}
	if err := report.WriteLinkMetrics(cfg.Files.LosData.Outlier, result.outlier); err != nil {
		return err
	}
	if err := report.WriteScores(cfg.Files.LosData.Scores, result.linkScores); err != nil {
		return err
	}
	if err := report.WriteScores(cfg.Files.LosData.LineScores, result.lineScores); err != nil {
		return err
	}

	fmt.Printf(
		"losctl: %d links scored, %d outlier links, %d link-line rows\n",
		len(result.linkScores), len(result.outlier), len(result.lineScores),
	)
	return nil
}
