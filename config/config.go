// Package config loads the single immutable configuration value
// consumed by every pipeline stage. The value is built once via Load
// and passed around by shared reference (§9 "configuration" guidance).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects the record store implementation: debug selects a
// row-oriented, human-readable streaming store; release selects a
// columnar production store.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

type Config struct {
	Mode Mode `yaml:"mode"`

	Bus struct {
		Seating     int     `yaml:"seating"`
		Standing    int     `yaml:"standing"`
		CapHeadroom float64 `yaml:"cap_headroom"`
	} `yaml:"bus"`

	Matsim struct {
		BusTypePrefix     string   `yaml:"bus_type_prefix"`
		BusTransportModes []string `yaml:"bus_transport_modes"`
	} `yaml:"matsim"`

	Scoring struct {
		WaitRide struct {
			HeadwayToleranceMin float64 `yaml:"headway_tolerance"`
			BoardingThreshold   int     `yaml:"boarding_threshold"`
			TotalLoadThreshold  int     `yaml:"total_load_threshold"`
			Elasticity          float64 `yaml:"elas"`
			BaseTravelTime      float64 `yaml:"base_travel_time"`
		} `yaml:"wait_ride"`

		Amenity struct {
			Shelter      float64 `yaml:"shelter"`
			Bench        float64 `yaml:"bench"`
			ShelterRate  float64 `yaml:"shelter_rate"`
			BenchRate    float64 `yaml:"bench_rate"`
		} `yaml:"amenity"`

		PedEnv struct {
			OutsideLaneWidth float64 `yaml:"outside_lane_width"`
			BikeLaneWidth    float64 `yaml:"bike_lane_width"`
			ParkingLaneWidth float64 `yaml:"parking_lane_width"`
			StreetParking    float64 `yaml:"street_parking"`
			VolumeThreshold  float64 `yaml:"volume_threshold"`
			SidewalkBuffer   float64 `yaml:"sidewalk_buffer"`
			BufferCoeff      float64 `yaml:"buffer_coeff"`
			SidewalkWidth    float64 `yaml:"sidewalk_width"`
		} `yaml:"ped_env"`
	} `yaml:"scoring"`

	Files struct {
		Inp struct {
			Net             string `yaml:"net"`
			Transit         string `yaml:"transit"`
			TransitVehicles string `yaml:"transit_vehicles"`
		} `yaml:"inp"`

		Metadata struct {
			LinkData    string `yaml:"link_data"`
			BusHeadway  string `yaml:"bus_headway"`
			BusVehicles string `yaml:"bus_vehicles"`
		} `yaml:"metadata"`

		Data struct {
			Events        string `yaml:"events"`
			LinkRecords   string `yaml:"link_records"`
			StopRecords   string `yaml:"stop_records"`
			AvgTripLength string `yaml:"avg_trip_length"`
		} `yaml:"data"`

		LosData struct {
			Merged     string `yaml:"merged"`
			Filtered   string `yaml:"filtered"`
			Outlier    string `yaml:"outlier"`
			Scores     string `yaml:"scores"`
			LineScores string `yaml:"line_scores"`
		} `yaml:"los_data"`
	} `yaml:"files"`
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Mode != ModeDebug && cfg.Mode != ModeRelease {
		return nil, fmt.Errorf("config %s: mode must be %q or %q, got %q", path, ModeDebug, ModeRelease, cfg.Mode)
	}

	return cfg, nil
}
