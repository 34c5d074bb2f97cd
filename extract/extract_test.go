package extract

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/loserrs"
	"github.com/transitlos/losctl/metadata"
	"github.com/transitlos/losctl/model"
	"github.com/transitlos/losctl/storage"
)

func writeGzippedEventLog(t *testing.T, events []string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.xml.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	fmt.Fprint(gz, "<events>")
	for _, e := range events {
		fmt.Fprint(gz, e)
	}
	fmt.Fprint(gz, "</events>")
	require.NoError(t, gz.Close())

	return path
}

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Scoring.WaitRide.HeadwayToleranceMin = 1.0
	return cfg
}

func headwayOf(v float64) *float64 { return &v }

func TestExtractorSingleBusTwoLinksTwoStops(t *testing.T) {
	events := []string{
		`<event time="0" type="TransitDriverStarts" vehicleId="b1" transitLineId="L1"/>`,
		`<event time="0" type="vehicle enters traffic" vehicle="b1" link="l1"/>`,
		`<event time="5" type="VehicleArrivesAtFacility" vehicle="b1" facility="s1" delay="0"/>`,
		`<event time="5" type="PersonEntersVehicle" person="p1" vehicle="b1"/>`,
		`<event time="5" type="PersonEntersVehicle" person="p2" vehicle="b1"/>`,
		`<event time="5" type="PersonEntersVehicle" person="p3" vehicle="b1"/>`,
		`<event time="6" type="VehicleDepartsAtFacility" vehicle="b1"/>`,
		`<event type="left link" vehicle="b1" time="100"/>`,
		`<event time="100" type="entered link" vehicle="b1" link="l2"/>`,
		`<event time="105" type="VehicleArrivesAtFacility" vehicle="b1" facility="s2" delay="0"/>`,
		`<event time="105" type="PersonLeavesVehicle" person="p1" vehicle="b1"/>`,
		`<event time="105" type="PersonLeavesVehicle" person="p2" vehicle="b1"/>`,
		`<event time="105" type="PersonLeavesVehicle" person="p3" vehicle="b1"/>`,
		`<event time="106" type="VehicleDepartsAtFacility" vehicle="b1"/>`,
		`<event type="vehicle leaves traffic" vehicle="b1" time="150"/>`,
	}
	path := writeGzippedEventLog(t, events)

	meta := &metadata.Store{
		Links: map[string]*model.Link{
			"l1": {ID: "l1", Length: 1000},
			"l2": {ID: "l2", Length: 500},
		},
		LineHeadway: map[string]*float64{"L1": headwayOf(600)},
		BusVehicles: map[string]bool{"b1": true},
		Blacklist:   map[string]bool{},
	}

	mem := storage.NewMemoryStore()
	require.NoError(t, mem.Open([]string{StreamLink, StreamStop}))

	x := New(meta, baseConfig(), mem)
	require.NoError(t, x.Run(path))

	linkRecords := mem.Records(StreamLink)
	require.Len(t, linkRecords, 2)

	first := linkRecords[0].(model.LinkRecord)
	assert.Equal(t, "l1", first.LinkID)
	assert.True(t, first.IsBus)
	assert.True(t, first.HasLoad)
	assert.Equal(t, 0, first.PassengerLoad)

	second := linkRecords[1].(model.LinkRecord)
	assert.Equal(t, "l2", second.LinkID)
	assert.Equal(t, 3, second.PassengerLoad)

	stopRecords := mem.Records(StreamStop)
	require.Len(t, stopRecords, 2)

	s1 := stopRecords[0].(model.StopRecord)
	assert.Equal(t, "s1", s1.StopID)
	assert.Equal(t, 3, s1.Boarding)
	assert.Equal(t, 0, s1.Alighting)

	s2 := stopRecords[1].(model.StopRecord)
	assert.Equal(t, "s2", s2.StopID)
	assert.Equal(t, 0, s2.Boarding)
	assert.Equal(t, 3, s2.Alighting)
}

func TestExtractorClipsLargeNegativeDelayToHeadway(t *testing.T) {
	events := []string{
		`<event time="0" type="TransitDriverStarts" vehicleId="b1" transitLineId="L1"/>`,
		`<event time="0" type="vehicle enters traffic" vehicle="b1" link="l1"/>`,
		`<event time="5" type="VehicleArrivesAtFacility" vehicle="b1" facility="s1" delay="-10000"/>`,
		`<event time="6" type="VehicleDepartsAtFacility" vehicle="b1"/>`,
		`<event type="vehicle leaves traffic" vehicle="b1" time="150"/>`,
	}
	path := writeGzippedEventLog(t, events)

	meta := &metadata.Store{
		Links:       map[string]*model.Link{"l1": {ID: "l1", Length: 1000}},
		LineHeadway: map[string]*float64{"L1": headwayOf(600)},
		BusVehicles: map[string]bool{"b1": true},
		Blacklist:   map[string]bool{},
	}

	mem := storage.NewMemoryStore()
	require.NoError(t, mem.Open([]string{StreamLink, StreamStop}))

	x := New(meta, baseConfig(), mem)
	require.NoError(t, x.Run(path))

	stopRecords := mem.Records(StreamStop)
	require.Len(t, stopRecords, 1)
	assert.Equal(t, 600.0, stopRecords[0].(model.StopRecord).ScheduleDeviation)
}

func TestExtractorDropsTraversalUnderOneSecond(t *testing.T) {
	events := []string{
		`<event time="0" type="vehicle enters traffic" vehicle="v1" link="l1"/>`,
		`<event type="left link" vehicle="v1" time="0"/>`,
	}
	path := writeGzippedEventLog(t, events)

	meta := &metadata.Store{
		Links:       map[string]*model.Link{"l1": {ID: "l1", Length: 1000}},
		LineHeadway: map[string]*float64{},
		BusVehicles: map[string]bool{},
		Blacklist:   map[string]bool{},
	}

	mem := storage.NewMemoryStore()
	require.NoError(t, mem.Open([]string{StreamLink, StreamStop}))

	x := New(meta, baseConfig(), mem)
	require.NoError(t, x.Run(path))

	assert.Empty(t, mem.Records(StreamLink))
}

func TestExtractorRejectsUnbalancedBoardingAlighting(t *testing.T) {
	events := []string{
		`<event time="0" type="TransitDriverStarts" vehicleId="b1" transitLineId="L1"/>`,
		`<event time="0" type="vehicle enters traffic" vehicle="b1" link="l1"/>`,
		`<event time="5" type="VehicleArrivesAtFacility" vehicle="b1" facility="s1" delay="0"/>`,
		`<event time="5" type="PersonEntersVehicle" person="p1" vehicle="b1"/>`,
		`<event type="vehicle leaves traffic" vehicle="b1" time="150"/>`,
	}
	path := writeGzippedEventLog(t, events)

	meta := &metadata.Store{
		Links:       map[string]*model.Link{"l1": {ID: "l1", Length: 1000}},
		LineHeadway: map[string]*float64{"L1": headwayOf(600)},
		BusVehicles: map[string]bool{"b1": true},
		Blacklist:   map[string]bool{},
	}

	mem := storage.NewMemoryStore()
	require.NoError(t, mem.Open([]string{StreamLink, StreamStop}))

	x := New(meta, baseConfig(), mem)
	err := x.Run(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, loserrs.RunInvariantViolated)
}

func TestExtractorDropsStopRecordWithoutHeadway(t *testing.T) {
	events := []string{
		`<event time="0" type="TransitDriverStarts" vehicleId="b1" transitLineId="Lnohw"/>`,
		`<event time="0" type="vehicle enters traffic" vehicle="b1" link="l1"/>`,
		`<event time="5" type="VehicleArrivesAtFacility" vehicle="b1" facility="s1" delay="0"/>`,
		`<event time="6" type="VehicleDepartsAtFacility" vehicle="b1"/>`,
		`<event type="vehicle leaves traffic" vehicle="b1" time="150"/>`,
	}
	path := writeGzippedEventLog(t, events)

	meta := &metadata.Store{
		Links:       map[string]*model.Link{"l1": {ID: "l1", Length: 1000}},
		LineHeadway: map[string]*float64{},
		BusVehicles: map[string]bool{"b1": true},
		Blacklist:   map[string]bool{},
	}

	mem := storage.NewMemoryStore()
	require.NoError(t, mem.Open([]string{StreamLink, StreamStop}))

	x := New(meta, baseConfig(), mem)
	require.NoError(t, x.Run(path))

	assert.Empty(t, mem.Records(StreamStop))
	assert.Equal(t, 1, x.DroppedForMetadataInconsistency())
}
