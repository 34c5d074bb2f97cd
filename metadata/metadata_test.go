package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/model"
)

const networkXML = `<?xml version="1.0"?>
<network>
  <links>
    <link id="l1" from="n1" to="n2" length="100.0" modes="car,pt"/>
    <link id="l2" from="n2" to="n3" length="50.0" modes="car"/>
    <link id="loop" from="n1" to="n1" length="10.0" modes="car,pt"/>
    <link id="bike" from="n3" to="n4" length="20.0" modes="bike"/>
  </links>
</network>`

const transitScheduleXML = `<?xml version="1.0"?>
<transitSchedule>
  <transitStops>
    <stopFacility id="s1" linkRefId="l1"/>
    <stopFacility id="s2" linkRefId="l2"/>
  </transitStops>
  <transitLine id="lineA">
    <transitRoute id="routeA1">
      <transportMode>bus</transportMode>
      <routeProfile>
        <stop refId="s1"/>
        <stop refId="s2"/>
      </routeProfile>
      <route>
        <link refId="l1"/>
        <link refId="l2"/>
      </route>
      <departures>
        <departure id="d1" departureTime="08:00:00" vehicleRefId="v1"/>
        <departure id="d2" departureTime="08:30:00" vehicleRefId="v2"/>
        <departure id="d3" departureTime="09:00:00" vehicleRefId="v3"/>
      </departures>
    </transitRoute>
  </transitLine>
  <transitLine id="lineCar">
    <transitRoute id="routeCar1">
      <transportMode>car</transportMode>
      <route><link refId="l2"/></route>
      <departures>
        <departure id="d1" departureTime="08:00:00" vehicleRefId="v9"/>
      </departures>
    </transitRoute>
  </transitLine>
</transitSchedule>`

const vehiclesXML = `<?xml version="1.0"?>
<vehicleDefinitions>
  <vehicleType id="Bus_std"/>
  <vehicleType id="Tram_std"/>
  <vehicle id="v1" type="Bus_std"/>
  <vehicle id="v2" type="bus_articulated"/>
  <vehicle id="v3" type="Tram_std"/>
</vehicleDefinitions>`

func writeFixtures(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	netPath := filepath.Join(dir, "network.xml")
	transitPath := filepath.Join(dir, "transitSchedule.xml")
	vehiclesPath := filepath.Join(dir, "transitVehicles.xml")

	require.NoError(t, os.WriteFile(netPath, []byte(networkXML), 0o644))
	require.NoError(t, os.WriteFile(transitPath, []byte(transitScheduleXML), 0o644))
	require.NoError(t, os.WriteFile(vehiclesPath, []byte(vehiclesXML), 0o644))

	cfg := &config.Config{}
	cfg.Files.Inp.Net = netPath
	cfg.Files.Inp.Transit = transitPath
	cfg.Files.Inp.TransitVehicles = vehiclesPath
	cfg.Matsim.BusTypePrefix = "bus"
	cfg.Matsim.BusTransportModes = []string{"bus"}
	return cfg
}

func TestLoadNetworkExcludesSelfLoopsAndNonMatchingModes(t *testing.T) {
	cfg := writeFixtures(t)
	store, err := Load(cfg)
	require.NoError(t, err)

	assert.Contains(t, store.Links, "l1")
	assert.Contains(t, store.Links, "l2")
	assert.NotContains(t, store.Links, "loop")
	assert.NotContains(t, store.Links, "bike")
	assert.Equal(t, 100.0, store.Links["l1"].Length)
}

func TestLoadTransitScheduleComputesHeadwayAndFrequency(t *testing.T) {
	cfg := writeFixtures(t)
	store, err := Load(cfg)
	require.NoError(t, err)

	require.Contains(t, store.Lines, "lineA")
	require.NotNil(t, store.Lines["lineA"].Headway)
	assert.InDelta(t, 1800.0, *store.Lines["lineA"].Headway, 0.001)

	require.NotContains(t, store.Lines, "lineCar", "non-bus line must be excluded by allowed transport modes")

	require.Len(t, store.Lines["lineA"].Routes, 1)
	route := store.Lines["lineA"].Routes[0]
	assert.Equal(t, []string{"l1", "l2"}, route.LinkIDs)
	assert.Equal(t, []string{"l1", "l2"}, route.StopLinks)

	assert.InDelta(t, 3.0, store.Links["l1"].BusFrequency, 0.001)
	assert.InDelta(t, 3.0, store.Links["l2"].BusFrequency, 0.001)
}

func TestLoadVehiclesClassifiesByCaseInsensitivePrefix(t *testing.T) {
	cfg := writeFixtures(t)
	store, err := Load(cfg)
	require.NoError(t, err)

	assert.True(t, store.BusVehicles["v1"])
	assert.True(t, store.BusVehicles["v2"])
	assert.True(t, store.Blacklist["v3"])
	assert.False(t, store.BusVehicles["v3"])
}

func TestScheduledHeadwayRequiresTwoDepartures(t *testing.T) {
	assert.Nil(t, scheduledHeadway([]int{100}))
	assert.Nil(t, scheduledHeadway(nil))

	h := scheduledHeadway([]int{0, 1800, 3600})
	require.NotNil(t, h)
	assert.InDelta(t, 1800.0, *h, 0.001)
}

func TestApplyRouteFrequencyFloorsOperatingHoursAtOne(t *testing.T) {
	links := map[string]*model.Link{"a": {ID: "a"}}
	// Two departures 10 minutes apart: operating hours would be
	// 1/6h, but the floor keeps frequency from exploding.
	applyRouteFrequency(links, []string{"a"}, []int{0, 600})
	assert.InDelta(t, 2.0, links["a"].BusFrequency, 0.001)
}
