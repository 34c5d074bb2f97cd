package main

import (
	"fmt"
	"os"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/extract"
	"github.com/transitlos/losctl/los"
	"github.com/transitlos/losctl/metadata"
	"github.com/transitlos/losctl/metrics"
	"github.com/transitlos/losctl/model"
	"github.com/transitlos/losctl/storage"
)

// pipelineResult holds every table the C1-C5 pipeline produces, for
// the run and score subcommands to persist or summarize.
type pipelineResult struct {
	meta        *metadata.Store
	linkRecords []model.LinkRecord
	stopRecords []model.StopRecord
	filtered    []metrics.LinkMetrics
	outlier     []metrics.LinkMetrics
	linkScores  []los.Score
	lineScores  []los.Score
}

// runPipeline executes C1 through C5 against the given configuration,
// collecting every intermediate record stream in memory (via a
// storage.MemoryStore) so C4/C5 can consume it directly, while also
// persisting the two C2 streams through the durable backend selected
// by cfg.Mode (§4.3).
func runPipeline(cfg *config.Config) (*pipelineResult, error) {
	meta, err := metadata.Load(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	mem := storage.NewMemoryStore()
	if err := mem.Open([]string{extract.StreamLink, extract.StreamStop}); err != nil {
		return nil, fmt.Errorf("opening in-memory record buffer: %w", err)
	}

	x := extract.New(meta, cfg, mem)
	if err := x.Run(cfg.Files.Data.Events); err != nil {
		return nil, fmt.Errorf("extracting events: %w", err)
	}
	if n := x.DroppedForMetadataInconsistency(); n > 0 {
		fmt.Fprintf(os.Stderr, "losctl: extraction dropped %d records for metadata inconsistency\n", n)
	}
	if err := mem.Close(); err != nil {
		return nil, fmt.Errorf("closing in-memory record buffer: %w", err)
	}

	linkRecords := toLinkRecords(mem.Records(extract.StreamLink))
	stopRecords := toStopRecords(mem.Records(extract.StreamStop))

	if err := persistRecords(cfg, linkRecords, stopRecords); err != nil {
		return nil, fmt.Errorf("persisting record streams: %w", err)
	}

	filtered, outlier, err := metrics.Process(cfg, meta, linkRecords, stopRecords)
	if err != nil {
		return nil, fmt.Errorf("processing metrics: %w", err)
	}

	linkScores, err := los.ScoreLinks(cfg, filtered)
	if err != nil {
		return nil, fmt.Errorf("scoring links: %w", err)
	}
	lineScores, err := los.ScoreLinesForLinks(cfg, filtered)
	if err != nil {
		return nil, fmt.Errorf("scoring link-line pairs: %w", err)
	}

	return &pipelineResult{
		meta:        meta,
		linkRecords: linkRecords,
		stopRecords: stopRecords,
		filtered:    filtered,
		outlier:     outlier,
		linkScores:  linkScores,
		lineScores:  lineScores,
	}, nil
}

// durableStore builds the record store that persists the C2 streams
// under their production filenames, selecting row-oriented CSV for
// debug mode and the batched SQLite backend for release mode (§4.3).
func durableStore(cfg *config.Config) storage.RecordStore {
	if cfg.Mode == config.ModeDebug {
		return storage.NewCSVStore(map[string]string{
			extract.StreamLink: cfg.Files.Data.LinkRecords,
			extract.StreamStop: cfg.Files.Data.StopRecords,
		})
	}
	return storage.NewSQLiteStore(cfg.Files.Data.LinkRecords)
}

func persistRecords(cfg *config.Config, linkRecords []model.LinkRecord, stopRecords []model.StopRecord) error {
	store := durableStore(cfg)
	if err := store.Open([]string{extract.StreamLink, extract.StreamStop}); err != nil {
		return err
	}
	for _, r := range linkRecords {
		if err := store.Write(extract.StreamLink, r); err != nil {
			return err
		}
	}
	for _, r := range stopRecords {
		if err := store.Write(extract.StreamStop, r); err != nil {
			return err
		}
	}
	return store.Close()
}

func toLinkRecords(records []model.Record) []model.LinkRecord {
	out := make([]model.LinkRecord, 0, len(records))
	for _, r := range records {
		if lr, ok := r.(model.LinkRecord); ok {
			out = append(out, lr)
		}
	}
	return out
}

func toStopRecords(records []model.Record) []model.StopRecord {
	out := make([]model.StopRecord, 0, len(records))
	for _, r := range records {
		if sr, ok := r.(model.StopRecord); ok {
			out = append(out, sr)
		}
	}
	return out
}
