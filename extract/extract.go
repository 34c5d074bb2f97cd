// Package extract implements the event-stream extractor (C2): a
// single-pass streaming reader over a gzipped XML event log that drives
// per-vehicle state machines and emits link and stop records.
package extract

import (
	"compress/gzip"
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/loserrs"
	"github.com/transitlos/losctl/metadata"
	"github.com/transitlos/losctl/model"
	"github.com/transitlos/losctl/storage"
)

// StreamLink and StreamStop name the two record streams C2 emits.
const (
	StreamLink = "link_records"
	StreamStop = "stop_records"
)

type eventKind string

const (
	kindTransitDriverStarts    eventKind = "TransitDriverStarts"
	kindVehicleEntersTraffic   eventKind = "vehicle enters traffic"
	kindEnteredLink            eventKind = "entered link"
	kindLeftLink               eventKind = "left link"
	kindVehicleLeavesTraffic   eventKind = "vehicle leaves traffic"
	kindPersonEntersVehicle    eventKind = "PersonEntersVehicle"
	kindPersonLeavesVehicle    eventKind = "PersonLeavesVehicle"
	kindVehicleArrivesAtStop   eventKind = "VehicleArrivesAtFacility"
	kindVehicleDepartsFromStop eventKind = "VehicleDepartsAtFacility"
)

// requiredAttrs are the attribute names failure to find which indicates
// malformed input per spec §4.2 ("missing expected attributes on a
// recognized event type is a hard failure").
var requiredAttrs = map[eventKind][]string{
	kindTransitDriverStarts:    {"vehicleId"},
	kindVehicleEntersTraffic:   {"vehicle", "link", "time"},
	kindEnteredLink:            {"vehicle", "link", "time"},
	kindLeftLink:               {"vehicle", "time"},
	kindVehicleLeavesTraffic:   {"vehicle", "time"},
	kindPersonEntersVehicle:    {"person", "vehicle"},
	kindPersonLeavesVehicle:    {"person", "vehicle"},
	kindVehicleArrivesAtStop:   {"vehicle", "facility", "time", "delay"},
	kindVehicleDepartsFromStop: {"vehicle"},
}

type rawEvent struct {
	kind  eventKind
	attrs map[string]string
}

func (e rawEvent) attr(name string) (string, bool) {
	v, ok := e.attrs[name]
	return v, ok
}

func (e rawEvent) floatAttr(name string) (float64, error) {
	raw, ok := e.attrs[name]
	if !ok {
		return 0, errors.Wrapf(loserrs.InputMalformed, "event %q missing attribute %q", e.kind, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(loserrs.InputMalformed, "event %q attribute %q: %v", e.kind, name, err)
	}
	return v, nil
}

// vehicleState is the per-vehicle traversal state (§4.2). totalBoarding
// and totalAlighting accumulate across the vehicle's whole run, and are
// checked for equality at vehicle-leaves-traffic.
type vehicleState struct {
	hasLink   bool
	linkID    string
	hasEnter  bool
	enterTime float64
	enterLoad int // passengerCount snapshotted at link entry

	lineID string
	hasLine bool

	passengerCount int
	isBus          bool

	totalBoarding  int
	totalAlighting int
}

// stopState is the per-bus stop accumulator (§4.2).
type stopState struct {
	hasLink bool
	linkID  string
	lineID  string

	hasStopID bool
	stopID    string

	hasArrival  bool
	arrivalTime float64

	boarding  int
	alighting int
	delay     float64
}

// Extractor runs the C2 algorithm against one event log.
type Extractor struct {
	meta *metadata.Store
	cfg  *config.Config
	sink storage.RecordStore

	vehicles map[string]*vehicleState
	stops    map[string]*stopState

	droppedMetadataInconsistency int
}

// New builds an Extractor bound to the given metadata and configuration.
// Records are written to sink, which must already have StreamLink and
// StreamStop opened.
func New(meta *metadata.Store, cfg *config.Config, sink storage.RecordStore) *Extractor {
	return &Extractor{
		meta:     meta,
		cfg:      cfg,
		sink:     sink,
		vehicles: map[string]*vehicleState{},
		stops:    map[string]*stopState{},
	}
}

// DroppedForMetadataInconsistency reports how many records were
// dropped for metadata inconsistency: stop records whose line had no
// defined scheduled headway (§3 invariant "every stop record's line_id
// resolves to a line with a defined scheduled headway"), and link
// records whose link is absent from the metadata link table.
func (x *Extractor) DroppedForMetadataInconsistency() int {
	return x.droppedMetadataInconsistency
}

// Run streams the gzipped event log at path, dispatching every `event`
// element to apply. Memory is bounded by the number of active vehicles;
// each event element is released immediately after dispatch.
func (x *Extractor) Run(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(loserrs.IoError, "opening event log %s: %v", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(loserrs.InputMalformed, "opening gzip stream %s: %v", path, err)
	}
	defer gz.Close()

	dec := xml.NewDecoder(gz)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(loserrs.InputMalformed, "reading event log: %v", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "event" {
			continue
		}

		attrs := make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			attrs[a.Name.Local] = a.Value
		}

		typ, ok := attrs["type"]
		if !ok {
			return errors.Wrap(loserrs.InputMalformed, "event element missing type attribute")
		}

		ev := rawEvent{kind: eventKind(typ), attrs: attrs}
		if required, known := requiredAttrs[ev.kind]; known {
			for _, name := range required {
				if _, ok := attrs[name]; !ok {
					return errors.Wrapf(loserrs.InputMalformed, "event %q missing attribute %q", typ, name)
				}
			}
			if err := x.apply(ev); err != nil {
				return err
			}
		}
		// Unknown event types are ignored (§4.2 "Failure semantics").

		if err := dec.Skip(); err != nil && err != io.EOF {
			return errors.Wrapf(loserrs.IoError, "reading event log: %v", err)
		}
	}

	return nil
}

// apply is the single transition function driving both state machines,
// replacing the dispatch-table-of-closures of the reference
// implementation with one enum-keyed switch.
func (x *Extractor) apply(ev rawEvent) error {
	switch ev.kind {
	case kindTransitDriverStarts:
		return x.handleTransitDriverStarts(ev)
	case kindVehicleEntersTraffic:
		return x.handleEnterLink(ev, "vehicle")
	case kindEnteredLink:
		return x.handleEnterLink(ev, "vehicle")
	case kindLeftLink:
		return x.handleLeftLink(ev)
	case kindVehicleLeavesTraffic:
		return x.handleVehicleLeavesTraffic(ev)
	case kindPersonEntersVehicle:
		return x.handlePersonEntersVehicle(ev)
	case kindPersonLeavesVehicle:
		return x.handlePersonLeavesVehicle(ev)
	case kindVehicleArrivesAtStop:
		return x.handleVehicleArrivesAtFacility(ev)
	case kindVehicleDepartsFromStop:
		return x.handleVehicleDepartsAtFacility(ev)
	}
	return nil
}

func (x *Extractor) vehicleStateFor(id string) *vehicleState {
	vs, ok := x.vehicles[id]
	if !ok {
		vs = &vehicleState{isBus: x.meta.BusVehicles[id]}
		x.vehicles[id] = vs
	}
	return vs
}

// stopStateFor returns nil for vehicles outside the bus set, which
// implicitly excludes the blacklist too.
func (x *Extractor) stopStateFor(id string) *stopState {
	if !x.meta.BusVehicles[id] {
		return nil
	}
	ss, ok := x.stops[id]
	if !ok {
		ss = &stopState{delay: -1.0}
		x.stops[id] = ss
	}
	return ss
}

func (x *Extractor) handleTransitDriverStarts(ev rawEvent) error {
	vehicleID, _ := ev.attr("vehicleId")
	if x.meta.Blacklist[vehicleID] {
		return nil
	}

	vs := x.vehicleStateFor(vehicleID)
	lineID, hasLine := ev.attr("transitLineId")
	vs.lineID, vs.hasLine = lineID, hasLine
	vs.isBus = x.meta.BusVehicles[vehicleID]

	if ss := x.stopStateFor(vehicleID); ss != nil {
		ss.lineID = lineID
	}
	return nil
}

func (x *Extractor) handleEnterLink(ev rawEvent, vehicleAttr string) error {
	vehicleID, _ := ev.attr(vehicleAttr)
	if x.meta.Blacklist[vehicleID] {
		return nil
	}

	linkID, _ := ev.attr("link")
	t, err := ev.floatAttr("time")
	if err != nil {
		return err
	}

	vs := x.vehicleStateFor(vehicleID)
	vs.linkID, vs.hasLink = linkID, true
	vs.enterTime, vs.hasEnter = t, true
	vs.enterLoad = vs.passengerCount

	if ss := x.stopStateFor(vehicleID); ss != nil {
		ss.linkID, ss.hasLink = linkID, true
	}
	return nil
}

func (x *Extractor) handleLeftLink(ev rawEvent) error {
	vehicleID, _ := ev.attr("vehicle")
	t, err := ev.floatAttr("time")
	if err != nil {
		return err
	}

	if err := x.writeLinkRecord(vehicleID, t); err != nil {
		return err
	}

	if vs, ok := x.vehicles[vehicleID]; ok {
		vs.hasLink = false
		vs.hasEnter = false
	}
	return nil
}

func (x *Extractor) handleVehicleLeavesTraffic(ev rawEvent) error {
	vehicleID, _ := ev.attr("vehicle")
	t, err := ev.floatAttr("time")
	if err != nil {
		return err
	}

	vs, ok := x.vehicles[vehicleID]
	if ok {
		if vs.hasLink && vs.hasEnter {
			if err := x.writeLinkRecord(vehicleID, t); err != nil {
				return err
			}
		}
		if vs.isBus && vs.totalBoarding != vs.totalAlighting {
			return errors.Wrapf(loserrs.RunInvariantViolated,
				"vehicle %s: total boarding %d != total alighting %d", vehicleID, vs.totalBoarding, vs.totalAlighting)
		}
	}

	delete(x.vehicles, vehicleID)
	delete(x.stops, vehicleID)
	return nil
}

func (x *Extractor) handlePersonEntersVehicle(ev rawEvent) error {
	person, _ := ev.attr("person")
	if strings.HasPrefix(person, "pt_") {
		return nil
	}

	vehicleID, _ := ev.attr("vehicle")
	if vs, ok := x.vehicles[vehicleID]; ok {
		vs.passengerCount++
	}
	if ss, ok := x.stops[vehicleID]; ok && ss.hasStopID {
		ss.boarding++
		if vs, ok := x.vehicles[vehicleID]; ok {
			vs.totalBoarding++
		}
	}
	return nil
}

func (x *Extractor) handlePersonLeavesVehicle(ev rawEvent) error {
	person, _ := ev.attr("person")
	if strings.HasPrefix(person, "pt_") {
		return nil
	}

	vehicleID, _ := ev.attr("vehicle")
	if vs, ok := x.vehicles[vehicleID]; ok {
		vs.passengerCount--
	}
	if ss, ok := x.stops[vehicleID]; ok && ss.hasStopID {
		ss.alighting++
		if vs, ok := x.vehicles[vehicleID]; ok {
			vs.totalAlighting++
		}
	}
	return nil
}

func (x *Extractor) handleVehicleArrivesAtFacility(ev rawEvent) error {
	vehicleID, _ := ev.attr("vehicle")
	ss, ok := x.stops[vehicleID]
	if !ok {
		return nil
	}

	facility, _ := ev.attr("facility")
	t, err := ev.floatAttr("time")
	if err != nil {
		return err
	}
	delay, err := ev.floatAttr("delay")
	if err != nil {
		return err
	}

	ss.stopID, ss.hasStopID = facility, true
	ss.arrivalTime, ss.hasArrival = t, true
	ss.boarding = 0
	ss.alighting = 0
	ss.delay = delay
	return nil
}

func (x *Extractor) handleVehicleDepartsAtFacility(ev rawEvent) error {
	vehicleID, _ := ev.attr("vehicle")
	ss, ok := x.stops[vehicleID]
	if !ok {
		return nil
	}
	if !ss.hasStopID || !ss.hasArrival || !ss.hasLink {
		return nil
	}

	vs, hasVehicle := x.vehicles[vehicleID]
	if !hasVehicle || !vs.hasLine {
		return nil
	}

	headway := x.meta.LineHeadway[vs.lineID]
	if headway == nil {
		x.droppedMetadataInconsistency++
		resetStopState(ss)
		return nil
	}

	tolSeconds := x.cfg.Scoring.WaitRide.HeadwayToleranceMin * 60.0
	scheduleDev := ss.delay
	if ss.delay < -tolSeconds {
		scheduleDev = *headway
	}

	record := model.StopRecord{
		VehicleID:         vehicleID,
		StopID:            ss.stopID,
		LinkID:            ss.linkID,
		LineID:            vs.lineID,
		Timestamp:         ss.arrivalTime,
		ScheduleDeviation: scheduleDev,
		ScheduledHeadway:  *headway,
		Boarding:          ss.boarding,
		Alighting:         ss.alighting,
	}
	if err := x.sink.Write(StreamStop, record); err != nil {
		return errors.Wrap(loserrs.IoError, err.Error())
	}

	resetStopState(ss)
	return nil
}

func resetStopState(ss *stopState) {
	ss.hasStopID = false
	ss.stopID = ""
	ss.hasArrival = false
	ss.boarding = 0
	ss.alighting = 0
	ss.delay = -1.0
}

// writeLinkRecord emits a link record for the vehicle's pending link
// traversal. It is a no-op when no traversal is pending, the link is
// unknown metadata, or the duration falls under the 1s floor.
func (x *Extractor) writeLinkRecord(vehicleID string, exitTime float64) error {
	vs, ok := x.vehicles[vehicleID]
	if !ok || !vs.hasLink || !vs.hasEnter {
		return nil
	}

	link, ok := x.meta.Links[vs.linkID]
	if !ok {
		x.droppedMetadataInconsistency++
		return nil
	}

	duration := exitTime - vs.enterTime
	if duration < 1.0 {
		return nil
	}

	record := model.LinkRecord{
		VehicleID:      vehicleID,
		LinkID:         vs.linkID,
		EnterTime:      vs.enterTime,
		ExitTime:       exitTime,
		TravelDistance: link.Length,
		IsBus:          vs.isBus,
	}
	if vs.isBus {
		record.LineID = vs.lineID
		record.PassengerLoad = vs.enterLoad
		record.HasLoad = true
	}

	if err := x.sink.Write(StreamLink, record); err != nil {
		return errors.Wrap(loserrs.IoError, err.Error())
	}
	return nil
}
