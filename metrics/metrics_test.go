package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/metadata"
	"github.com/transitlos/losctl/model"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Bus.Seating = 30
	cfg.Bus.Standing = 40
	cfg.Bus.CapHeadroom = 1.0
	cfg.Scoring.WaitRide.BoardingThreshold = 5
	cfg.Scoring.WaitRide.TotalLoadThreshold = 10
	return cfg
}

func linkRec(vehicle, link, line string, enter, exit, dist float64, load int, isBus bool) model.LinkRecord {
	return model.LinkRecord{
		VehicleID: vehicle, LinkID: link, LineID: line,
		EnterTime: enter, ExitTime: exit, TravelDistance: dist,
		PassengerLoad: load, HasLoad: isBus, IsBus: isBus,
	}
}

func TestVehicleFlowAndSpeed(t *testing.T) {
	records := []model.LinkRecord{
		linkRec("v1", "l1", "", 0, 100, 1000, 0, false),
		linkRec("v2", "l1", "", 3700, 3800, 1000, 0, false),
		linkRec("b1", "l1", "L1", 10, 110, 1000, 5, true),
	}
	flow := computeVehFlowAndSpeed(records)

	assert.InDelta(t, 1.5, flow.vehFlow["l1"], 0.001, "3 records across 2 hour-buckets averages to 1.5")
	assert.InDelta(t, 3000.0/300.0, flow.avgSpeed["l1"], 0.001)
	assert.InDelta(t, 10.0, flow.avgBusSpeed["l1"], 0.001)
	assert.InDelta(t, 10.0, flow.avgBusSpeedPerLine[linkLine{"l1", "L1"}], 0.001)
}

func TestEWTWeightedAndFallback(t *testing.T) {
	cfg := baseConfig()
	cfg.Scoring.WaitRide.BoardingThreshold = 5

	records := []model.StopRecord{
		{LinkID: "l1", LineID: "L1", ScheduleDeviation: 30, Boarding: 3},
		{LinkID: "l1", LineID: "L1", ScheduleDeviation: 50, Boarding: 4},
	}
	ewtLinks, ewtLines := computeEWT(cfg, records)
	// total boarding 7 >= threshold 5: weighted mean.
	want := (30.0*3 + 50.0*4) / 7.0
	assert.InDelta(t, want, ewtLinks["l1"], 0.001)
	assert.InDelta(t, want, ewtLines[linkLineKey("l1", "L1")], 0.001)

	cfg2 := baseConfig()
	cfg2.Scoring.WaitRide.BoardingThreshold = 100
	ewtLinks2, _ := computeEWT(cfg2, records)
	assert.InDelta(t, 40.0, ewtLinks2["l1"], 0.001, "falls back to unweighted mean of deviations")
}

func TestLoadFactorFallback(t *testing.T) {
	cfg := baseConfig() // plan capacity = 30 + 1*40 = 70
	cfg.Scoring.WaitRide.TotalLoadThreshold = 10

	records := []model.LinkRecord{
		linkRec("b1", "l1", "L1", 0, 10, 100, 2, true),
		linkRec("b1", "l1", "L1", 20, 30, 100, 0, true),
	}
	lf, _ := computeLoadFactor(cfg, records)
	// total_pax = 2 < threshold 10: fallback to mean(instant_load_factor).
	want := (2.0/70.0 + 0.0/70.0) / 2.0
	assert.InDelta(t, want, lf["l1"], 0.0001)
}

func TestLoadFactorWeightedAboveThreshold(t *testing.T) {
	cfg := baseConfig() // plan capacity = 70
	cfg.Scoring.WaitRide.TotalLoadThreshold = 10

	records := []model.LinkRecord{
		linkRec("b1", "l1", "L1", 0, 10, 100, 20, true),
	}
	lf, _ := computeLoadFactor(cfg, records)
	assert.InDelta(t, 20.0/70.0, lf["l1"], 0.0001)
}

func TestEWTPropagationBackwardAndForward(t *testing.T) {
	meta := &metadata.Store{
		Links: map[string]*model.Link{
			"A": {ID: "A", Length: 100, BusFrequency: 1},
			"B": {ID: "B", Length: 100, BusFrequency: 1},
			"C": {ID: "C", Length: 200, BusFrequency: 1},
			"D": {ID: "D", Length: 100, BusFrequency: 1},
		},
		Lines: map[string]*model.Line{
			"L1": {ID: "L1", Routes: []model.Route{{LineID: "L1", LinkIDs: []string{"A", "B", "C", "D"}}}},
		},
	}

	ewtLinks := map[string]float64{"B": 30}
	ewtLines := map[string]float64{linkLineKey("B", "L1"): 30}
	avgSpeed := map[string]float64{"C": 20, "D": 20}       // m/s reference speed
	avgTripDuration := map[string]float64{
		linkLineKey("C", "L1"): 12, // expected = 200/20 = 10, delta = 2
		linkLineKey("D", "L1"): 6,  // expected = 100/20 = 5, delta = 1
	}

	propagateEWT(meta, avgSpeed, avgTripDuration, ewtLinks, ewtLines)

	assert.InDelta(t, 30.0, ewtLinks["A"], 0.0001, "backward copy, no delta")
	assert.InDelta(t, 32.0, ewtLinks["C"], 0.0001, "30 + (12-10)")
	assert.InDelta(t, 33.0, ewtLinks["D"], 0.0001, "propagated further: 32 + (6-5)")
}

func TestProcessSplitsFilteredAndOutlier(t *testing.T) {
	meta := &metadata.Store{
		Links: map[string]*model.Link{
			"l1": {ID: "l1", Length: 100, BusFrequency: 2},
			"l2": {ID: "l2", Length: 100, BusFrequency: 0},
		},
		Lines: map[string]*model.Line{},
	}
	cfg := baseConfig()

	filtered, outlier, err := Process(cfg, meta, nil, nil)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Len(t, outlier, 1)
	assert.Equal(t, "l1", filtered[0].LinkID)
	assert.Equal(t, "l2", outlier[0].LinkID)
}
