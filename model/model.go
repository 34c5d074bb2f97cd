// Package model holds the entity types shared by every stage of the
// scoring pipeline: network links, transit lines/routes, vehicles, and
// the two record streams emitted by the event extractor.
package model

import "time"

// Link is a directed network edge. Self-loops (From == To) are never
// represented here; the metadata loader excludes them at parse time.
type Link struct {
	ID           string
	Length       float64 // meters
	BusFrequency float64 // departures/hour, accumulated across routes
}

// Route is one scheduled path of a transit Line: an ordered link
// sequence, the subset of those links that carry a stop, and the
// scheduled departure times for that route specifically.
type Route struct {
	LineID     string
	LinkIDs    []string
	StopLinks  []string // link IDs carrying a stop, in route order
	Departures []time.Duration
}

// Line is a transit line composed of one or more Routes. Headway is
// nil when fewer than two departures were scheduled across all of the
// line's routes.
type Line struct {
	ID     string
	Routes []Route
	Headway *float64
}

// Vehicle is a simulated vehicle. IsBus is derived from a
// case-insensitive prefix match of its type ID against the configured
// bus type prefix; everything else is tracked only for basic link
// traversal.
type Vehicle struct {
	ID     string
	TypeID string
	IsBus  bool
}

// Record is implemented by LinkRecord and StopRecord so the record
// store can infer a stream's schema from the first record written to
// it, without reflection.
type Record interface {
	Fields() []string
	Values() []any
}

// LinkRecord is emitted once per completed link traversal by any
// non-blacklisted vehicle. LineID and PassengerLoad are only
// meaningful when IsBus is true.
type LinkRecord struct {
	VehicleID      string
	LinkID         string
	LineID         string // "" when not a bus
	EnterTime      float64
	ExitTime       float64
	TravelDistance float64
	PassengerLoad  int
	HasLoad        bool // PassengerLoad populated iff IsBus
	IsBus          bool
}

func (r LinkRecord) Fields() []string {
	return []string{
		"vehicle_id", "link_id", "line_id", "enter_time", "exit_time",
		"travel_distance", "passenger_load", "is_bus",
	}
}

func (r LinkRecord) Values() []any {
	load := any(nil)
	if r.HasLoad {
		load = r.PassengerLoad
	}
	return []any{
		r.VehicleID, r.LinkID, r.LineID, r.EnterTime, r.ExitTime,
		r.TravelDistance, load, r.IsBus,
	}
}

// StopRecord is emitted once per bus departure from a stop facility.
type StopRecord struct {
	VehicleID         string
	StopID            string
	LinkID            string
	LineID            string
	Timestamp         float64
	ScheduleDeviation float64
	ScheduledHeadway  float64
	Boarding          int
	Alighting         int
}

func (r StopRecord) Fields() []string {
	return []string{
		"vehicle_id", "stop_id", "link_id", "line_id", "timestamp",
		"schedule_deviation", "scheduled_headway", "boarding", "alighting",
	}
}

func (r StopRecord) Values() []any {
	return []any{
		r.VehicleID, r.StopID, r.LinkID, r.LineID, r.Timestamp,
		r.ScheduleDeviation, r.ScheduledHeadway, r.Boarding, r.Alighting,
	}
}
