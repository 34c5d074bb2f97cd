// Package report writes the pipeline's final tables to disk as
// whole-slice, struct-tagged CSV, the same idiom the teacher's parse
// package uses for GTFS tables (gocarina/gocsv). Unlike storage.CSVStore
// (row-by-row, schema inferred from a dynamic Record at write time),
// these are typed, known-shape output tables produced once the full
// pipeline has run — exactly the "metadata/metric tables" persisted
// via the teacher's CSV idiom described in SPEC_FULL.md's domain
// stack.
package report

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/transitlos/losctl/los"
	"github.com/transitlos/losctl/metrics"
)

// linkMetricsRow is the gocsv-tagged mirror of metrics.LinkMetrics
// used for the per-link metric table. The per-line maps are not
// representable as CSV columns and are omitted; no table written by
// this package carries the per-line EWT, bus speed, or load factor.
type linkMetricsRow struct {
	LinkID        string  `csv:"link_id"`
	Length        float64 `csv:"length"`
	BusFrequency  float64 `csv:"bus_frequency"`
	VehFlow       float64 `csv:"veh_flow"`
	AvgSpeed      float64 `csv:"avg_speed"`
	AvgBusSpeed   float64 `csv:"avg_bus_speed"`
	AvgLoadFactor float64 `csv:"avg_load_factor"`
	EWT           float64 `csv:"ewt"`
}

// scoreRow is the gocsv-tagged mirror of los.Score for both the
// per-link and per-(link,line) LOS tables.
type scoreRow struct {
	LinkID        string  `csv:"link_id"`
	LineID        string  `csv:"line_id,omitempty"`
	WaitRideScore float64 `csv:"wait_ride_score"`
	PedScore      float64 `csv:"ped_score"`
	LOS           float64 `csv:"los"`
	Grade         string  `csv:"los_grade"`
}

// WriteLinkMetrics writes a per-link metric table (filtered or
// outlier) to path as CSV.
func WriteLinkMetrics(path string, rows []metrics.LinkMetrics) error {
	out := make([]*linkMetricsRow, len(rows))
	for i, r := range rows {
		out[i] = &linkMetricsRow{
			LinkID:        r.LinkID,
			Length:        r.Length,
			BusFrequency:  r.BusFrequency,
			VehFlow:       r.VehFlow,
			AvgSpeed:      r.AvgSpeed,
			AvgBusSpeed:   r.AvgBusSpeed,
			AvgLoadFactor: r.AvgLoadFactor,
			EWT:           r.EWT,
		}
	}
	return writeCSV(path, &out)
}

// WriteScores writes a LOS score table (per-link or per-(link,line))
// to path as CSV.
func WriteScores(path string, scores []los.Score) error {
	out := make([]*scoreRow, len(scores))
	for i, s := range scores {
		out[i] = &scoreRow{
			LinkID:        s.LinkID,
			LineID:        s.LineID,
			WaitRideScore: s.WaitRideScore,
			PedScore:      s.PedScore,
			LOS:           s.LOS,
			Grade:         string(s.Grade),
		}
	}
	return writeCSV(path, &out)
}

func writeCSV(path string, in any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: creating %s: %w", path, err)
	}
	defer f.Close()

	if err := gocsv.MarshalFile(in, f); err != nil {
		return fmt.Errorf("report: marshaling %s: %w", path, err)
	}
	return nil
}
