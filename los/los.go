// Package los implements the LOS calculator (C5): the closed-form
// wait-ride and pedestrian-environment formulas, the LOS/grade mapping,
// the per-(link, line) variant, and the four system-wide weighting
// modes.
package los

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/loserrs"
	"github.com/transitlos/losctl/metrics"
)

// Grade is the six-band categorical LOS rating, A (best) through F
// (worst).
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeE Grade = "E"
	GradeF Grade = "F"
)

// Score is one row of the final per-link (or per-link×line) LOS table.
type Score struct {
	LinkID        string
	LineID        string // "" for the per-link table
	WaitRideScore float64
	PedScore      float64
	LOS           float64
	Grade         Grade
}

// AggregationMode names one of the four system-wide weighting schemes
// of spec §4.5.
type AggregationMode string

const (
	ModeOperatorVehTime AggregationMode = "operator_veh_time"
	ModeOperatorLoad    AggregationMode = "operator_load"
	ModePassengerTime   AggregationMode = "passenger_time"
	ModePassengerTrip   AggregationMode = "passenger_trip"
)

// ScoreLinks computes the per-link LOS table from the filtered
// per-link metric table (bus_frequency > 0 rows only, per §4.4).
func ScoreLinks(cfg *config.Config, rows []metrics.LinkMetrics) ([]Score, error) {
	return scoreRows(cfg, rows, func(r metrics.LinkMetrics) rowInputs {
		return rowInputs{
			linkID:        r.LinkID,
			lineID:        "",
			length:        r.Length,
			busFrequency:  r.BusFrequency,
			vehFlow:       r.VehFlow,
			avgSpeed:      r.AvgSpeed,
			avgBusSpeed:   r.AvgBusSpeed,
			hasBusSpeed:   r.HasBusSpeed,
			loadFactor:    r.AvgLoadFactor,
			hasLoadFactor: r.HasLoadFactor,
			ewt:           r.EWT,
			hasEWT:        r.HasEWT,
		}
	})
}

// ScoreLinesForLinks expands the filtered per-link metric table to one
// row per (link, line) that the link carries, using line-specific EWT,
// bus speed, and load factor where available and falling back to the
// link-level value where a line-specific value is missing (§4.5).
func ScoreLinesForLinks(cfg *config.Config, rows []metrics.LinkMetrics) ([]Score, error) {
	type expanded struct {
		metrics.LinkMetrics
		lineID string
	}

	var exp []expanded
	for _, r := range rows {
		lines := map[string]bool{}
		for l := range r.AvgBusSpeedPerLine {
			lines[l] = true
		}
		for l := range r.AvgLoadFactorPerLine {
			lines[l] = true
		}
		for l := range r.EWTPerLine {
			lines[l] = true
		}
		lineIDs := make([]string, 0, len(lines))
		for l := range lines {
			lineIDs = append(lineIDs, l)
		}
		sort.Strings(lineIDs)
		for _, l := range lineIDs {
			exp = append(exp, expanded{r, l})
		}
	}

	return scoreRows(cfg, exp, func(e expanded) rowInputs {
		in := rowInputs{
			linkID:        e.LinkID,
			lineID:        e.lineID,
			length:        e.Length,
			busFrequency:  e.BusFrequency,
			vehFlow:       e.VehFlow,
			avgSpeed:      e.AvgSpeed,
			avgBusSpeed:   e.AvgBusSpeed,
			hasBusSpeed:   e.HasBusSpeed,
			loadFactor:    e.AvgLoadFactor,
			hasLoadFactor: e.HasLoadFactor,
			ewt:           e.EWT,
			hasEWT:        e.HasEWT,
		}
		if v, ok := e.AvgBusSpeedPerLine[e.lineID]; ok {
			in.avgBusSpeed, in.hasBusSpeed = v, true
		}
		if v, ok := e.AvgLoadFactorPerLine[e.lineID]; ok {
			in.loadFactor, in.hasLoadFactor = v, true
		}
		if v, ok := e.EWTPerLine[e.lineID]; ok {
			in.ewt, in.hasEWT = v, true
		}
		return in
	})
}

// rowInputs is the pure-function input to scoreRow: everything a
// single LOS row needs, independent of whether it came from the
// per-link or per-(link,line) table.
type rowInputs struct {
	linkID        string
	lineID        string
	length        float64
	busFrequency  float64
	vehFlow       float64
	avgSpeed      float64
	avgBusSpeed   float64
	hasBusSpeed   bool
	loadFactor    float64
	hasLoadFactor bool
	ewt           float64
	hasEWT        bool
}

// scoreRows applies scoreRow to every element of rows through a
// bounded worker pool (§5: C5 is embarrassingly parallel over link
// IDs provided the final table is deterministic under a stable
// merge), then sorts the output by (link, line) for determinism.
func scoreRows[T any](cfg *config.Config, rows []T, toInputs func(T) rowInputs) ([]Score, error) {
	out := make([]Score, len(rows))

	var g errgroup.Group
	g.SetLimit(workerCount())

	for i, r := range rows {
		i, r := i, r
		g.Go(func() error {
			score, err := scoreRow(cfg, toInputs(r))
			out[i] = score
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scoring rows: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LinkID != out[j].LinkID {
			return out[i].LinkID < out[j].LinkID
		}
		return out[i].LineID < out[j].LineID
	})

	return out, nil
}

func workerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// scoreRow evaluates the closed-form wait-ride and pedestrian-
// environment formulas of §4.5 for a single row and combines them
// into a LOS value and grade.
func scoreRow(cfg *config.Config, in rowInputs) (Score, error) {
	waitRide, err := waitRideScore(cfg, in)
	if err != nil {
		return Score{}, err
	}
	ped := pedEnvScore(cfg, in)

	losValue := 6 - 1.5*waitRide + 0.15*ped

	return Score{
		LinkID:        in.linkID,
		LineID:        in.lineID,
		WaitRideScore: waitRide,
		PedScore:      ped,
		LOS:           losValue,
		Grade:         grade(losValue),
	}, nil
}

// waitRideScore computes f_h * f_tt per §4.5 "Wait-ride score".
func waitRideScore(cfg *config.Config, in rowInputs) (float64, error) {
	wr := cfg.Scoring.WaitRide

	f := in.busFrequency
	fh := 4 * math.Exp(-1.434/(f+0.001))

	fpl := loadFactorWeight(in.loadFactor)

	var avgTripLengthM float64
	if in.length > 0 {
		avgTripLengthM = in.length
	}

	var s float64 // bus speed, km/h
	if in.hasBusSpeed {
		s = in.avgBusSpeed * 3.6
	}

	var e float64 // EWT per passenger-km
	if avgTripLengthM > 0 {
		e = (in.ewt / 60.0) / (avgTripLengthM / 1000.0)
	}

	amen := cfg.Scoring.Amenity
	var a float64
	if avgTripLengthM > 0 {
		a = (amen.Shelter*amen.ShelterRate + amen.Bench*amen.BenchRate) / avgTripLengthM
	}

	var tPTT float64
	if s > 0 {
		tPTT = fpl*(60/s) + 2*e - a
	}

	eps := wr.Elasticity
	t0 := wr.BaseTravelTime

	denom := (eps-1)*tPTT - (eps+1)*t0
	if denom == 0 {
		return 0, fmt.Errorf("link %s: %w", in.linkID, loserrs.DegenerateTravelTime)
	}
	ftt := ((eps-1)*t0 - (eps+1)*tPTT) / denom

	return fh * ftt, nil
}

// loadFactorWeight is the piecewise f_pl of §4.5, continuous at
// lf == 0.8 (f_pl == 1) and at lf == 1.0 (f_pl == base).
func loadFactorWeight(lf float64) float64 {
	if lf <= 0.8 {
		return 1
	}
	base := 1 + 4*(lf-0.8)/(4.2*lf)
	if lf <= 1.0 {
		return base
	}
	return base + (lf-1)*(6.5+5*(lf-1))/(4.2*lf)
}

// pedEnvScore computes the pedestrian-environment score of §4.5.
func pedEnvScore(cfg *config.Config, in rowInputs) float64 {
	pe := cfg.Scoring.PedEnv

	v := in.vehFlow
	vMph := in.avgSpeed * 3.6 / 1.6

	fv := 0.0091 * v / 4
	fs := 4 * math.Pow(vMph/100, 2)

	wBl := pe.BikeLaneWidth
	wOl := pe.OutsideLaneWidth
	wOs := pe.ParkingLaneWidth
	pPk := pe.StreetParking

	adjWOs := math.Max(0, wOs-1.5)

	var w1 float64
	if pPk >= 0.25 {
		w1 = 10
	} else {
		w1 = wBl + adjWOs
	}

	var wt float64
	if pPk == 0 {
		wt = wOl + wBl + adjWOs
	} else {
		wt = wOl + wBl
	}

	var wv float64
	if v > pe.VolumeThreshold {
		wv = wt
	} else {
		wv = wt * (2 - 0.005*v)
	}

	buf := pe.SidewalkBuffer * pe.BufferCoeff
	wa := math.Min(pe.SidewalkWidth, 10)
	swIdx := wa * (6 - 0.3*wa)

	fw := -1.2276 * math.Log(wv+0.5*w1+50*pPk+buf+swIdx)

	return 6.0468 + fw + fv + fs
}

// grade maps a LOS value onto the six-band A-F scale of §4.5.
func grade(losValue float64) Grade {
	switch {
	case losValue <= 2:
		return GradeA
	case losValue <= 2.75:
		return GradeB
	case losValue <= 3.5:
		return GradeC
	case losValue <= 4.25:
		return GradeD
	case losValue <= 5:
		return GradeE
	default:
		return GradeF
	}
}
