// Package metadata implements the metadata loader (C1): it parses the
// network descriptor, the transit schedule, and the transit vehicles
// descriptor into the in-memory tables every later stage consumes.
package metadata

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spkg/bom"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/loserrs"
	"github.com/transitlos/losctl/model"
)

// readXMLFile reads path and strips a leading UTF-8 BOM, matching the
// teacher's own bom.NewReader wrapping of its CSV readers
// (parse/parse.go) applied here to the descriptor XML files instead.
func readXMLFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(bom.NewReader(f))
}

// Store is the immutable output of C1. It is built once by Load and
// freely shared thereafter (§5 "shared resources").
type Store struct {
	Links       map[string]*model.Link
	Lines       map[string]*model.Line
	LineHeadway map[string]*float64
	BusVehicles map[string]bool
	Blacklist   map[string]bool

	// StopToLink maps a transit stop facility ID to the link it sits
	// on; loadTransitSchedule uses it to resolve routeProfile stop refs
	// into each Route's StopLinks.
	StopToLink map[string]string
}

// Load runs the full C1 algorithm: streaming network parse, transit
// schedule parse, transit vehicles parse.
func Load(cfg *config.Config) (*Store, error) {
	s := &Store{
		Links:       map[string]*model.Link{},
		Lines:       map[string]*model.Line{},
		LineHeadway: map[string]*float64{},
		BusVehicles: map[string]bool{},
		Blacklist:   map[string]bool{},
		StopToLink:  map[string]string{},
	}

	if err := s.loadNetwork(cfg.Files.Inp.Net); err != nil {
		return nil, err
	}
	if err := s.loadTransitSchedule(cfg.Files.Inp.Transit, cfg.Matsim.BusTransportModes); err != nil {
		return nil, err
	}
	if err := s.loadVehicles(cfg.Files.Inp.TransitVehicles, cfg.Matsim.BusTypePrefix); err != nil {
		return nil, err
	}

	return s, nil
}

// --- network descriptor ---------------------------------------------------

// loadNetwork streams the network descriptor for `link` elements,
// grounded on the streaming-tag-driven XML reading in
// theoremus-urban-solutions-netex-gtfs-converter/loader/streaming_loader.go
// (which walks encoding/xml.Decoder tokens the same way the Python
// original uses lxml.etree.iterparse(tag="link")).
func (s *Store) loadNetwork(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("metadata: opening network descriptor %s: %w", path, err)
	}
	defer f.Close()

	dec := xml.NewDecoder(bom.NewReader(f))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("metadata: reading network descriptor: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "link" {
			continue
		}

		attrs := attrMap(start.Attr)
		id := attrs["id"]
		from := attrs["from"]
		to := attrs["to"]
		if id == "" || from == to {
			continue
		}

		modes := splitModes(attrs["modes"])
		if !modes["pt"] && !modes["car"] {
			continue
		}

		length, err := strconv.ParseFloat(attrs["length"], 64)
		if err != nil {
			return fmt.Errorf("metadata: link %s: parsing length %q: %w", id, attrs["length"], err)
		}

		s.Links[id] = &model.Link{ID: id, Length: length}
	}

	return nil
}

func splitModes(raw string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func attrMap(attrs []xml.Attr) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

// --- transit schedule ------------------------------------------------------

type xmlTransitSchedule struct {
	StopFacilities []xmlStopFacility `xml:"transitStops>stopFacility"`
	Lines          []xmlTransitLine  `xml:"transitLine"`
}

type xmlStopFacility struct {
	ID        string `xml:"id,attr"`
	LinkRefID string `xml:"linkRefId,attr"`
}

type xmlTransitLine struct {
	ID     string           `xml:"id,attr"`
	Routes []xmlTransitRoute `xml:"transitRoute"`
}

type xmlTransitRoute struct {
	TransportMode string          `xml:"transportMode"`
	Route         xmlRouteLinks   `xml:"route"`
	RouteProfile  xmlRouteProfile `xml:"routeProfile"`
	Departures    []xmlDeparture  `xml:"departures>departure"`
}

type xmlRouteLinks struct {
	Links []xmlRef `xml:"link"`
}

type xmlRouteProfile struct {
	Stops []xmlRef `xml:"stop"`
}

type xmlRef struct {
	RefID string `xml:"refId,attr"`
}

type xmlDeparture struct {
	DepartureTime string `xml:"departureTime,attr"`
}

// loadTransitSchedule parses lines/routes/headways/bus-frequency. The
// schedule is a bounded nested document (unlike the event log), so it
// is unmarshaled in full, the same way the Python original uses
// etree.parse (as opposed to iterparse) for this file.
func (s *Store) loadTransitSchedule(path string, allowedModes []string) error {
	raw, err := readXMLFile(path)
	if err != nil {
		return fmt.Errorf("metadata: reading transit schedule %s: %w", path, err)
	}

	var doc xmlTransitSchedule
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("metadata: parsing transit schedule %s: %w", path, err)
	}

	for _, sf := range doc.StopFacilities {
		if sf.ID != "" && sf.LinkRefID != "" {
			s.StopToLink[sf.ID] = sf.LinkRefID
		}
	}

	allowed := map[string]bool{}
	for _, m := range allowedModes {
		allowed[m] = true
	}

	for _, xl := range doc.Lines {
		if !lineHasAllowedMode(xl, allowed) {
			continue
		}

		line := &model.Line{ID: xl.ID}

		var allDepartures []int
		for _, xr := range xl.Routes {
			route := model.Route{LineID: xl.ID}
			for _, l := range xr.Route.Links {
				route.LinkIDs = append(route.LinkIDs, l.RefID)
			}
			for _, st := range xr.RouteProfile.Stops {
				if linkID, ok := s.StopToLink[st.RefID]; ok {
					route.StopLinks = append(route.StopLinks, linkID)
				}
			}

			routeDeps, err := parseDepartureTimes(xr.Departures)
			if err != nil {
				return fmt.Errorf("metadata: line %s: %w", xl.ID, err)
			}
			for _, d := range routeDeps {
				route.Departures = append(route.Departures, time.Duration(d)*time.Second)
				allDepartures = append(allDepartures, d)
			}

			line.Routes = append(line.Routes, route)

			applyRouteFrequency(s.Links, route.LinkIDs, routeDeps)
		}

		line.Headway = scheduledHeadway(allDepartures)
		s.Lines[xl.ID] = line
		s.LineHeadway[xl.ID] = line.Headway
	}

	return nil
}

func lineHasAllowedMode(xl xmlTransitLine, allowed map[string]bool) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, xr := range xl.Routes {
		if allowed[xr.TransportMode] {
			return true
		}
	}
	return false
}

// parseDepartureTimes converts HH:MM:SS strings to a sorted,
// deduplicated list of seconds-since-midnight.
func parseDepartureTimes(deps []xmlDeparture) ([]int, error) {
	seen := map[int]bool{}
	for _, d := range deps {
		secs, err := parseHHMMSS(d.DepartureTime)
		if err != nil {
			return nil, err
		}
		seen[secs] = true
	}

	out := make([]int, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Ints(out)
	return out, nil
}

func parseHHMMSS(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM:SS value %q", loserrs.InputMalformed, s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("%w: invalid HH:MM:SS value %q", loserrs.InputMalformed, s)
	}
	return h*3600 + m*60 + sec, nil
}

// scheduledHeadway implements spec §3: ≥2 departures gives
// (last-first)/(count-1) seconds, otherwise undefined.
func scheduledHeadway(allSeconds []int) *float64 {
	seen := map[int]bool{}
	for _, v := range allSeconds {
		seen[v] = true
	}
	uniq := make([]int, 0, len(seen))
	for v := range seen {
		uniq = append(uniq, v)
	}
	if len(uniq) < 2 {
		return nil
	}
	sort.Ints(uniq)
	headway := float64(uniq[len(uniq)-1]-uniq[0]) / float64(len(uniq)-1)
	return &headway
}

// applyRouteFrequency implements §4.1 step 4: operating duration is
// max(1h, last-first), frequency = departures/operating_hours,
// applied to every link in the route (the all-route-links policy;
// see DESIGN.md for the deprecated stop-links-only alternative).
func applyRouteFrequency(links map[string]*model.Link, linkIDs []string, depSeconds []int) {
	if len(depSeconds) == 0 {
		return
	}

	opHours := (float64(depSeconds[len(depSeconds)-1]-depSeconds[0]) / 3600.0)
	if opHours < 1.0 {
		opHours = 1.0
	}
	freq := float64(len(depSeconds)) / opHours

	for _, id := range linkIDs {
		if l, ok := links[id]; ok {
			l.BusFrequency += freq
		}
	}
}

// --- transit vehicles --------------------------------------------------

type xmlVehicleDefinitions struct {
	Types    []xmlVehicleType `xml:"vehicleType"`
	Vehicles []xmlVehicle     `xml:"vehicle"`
}

type xmlVehicleType struct {
	ID string `xml:"id,attr"`
}

type xmlVehicle struct {
	ID   string `xml:"id,attr"`
	Type string `xml:"type,attr"`
}

// loadVehicles classifies every declared vehicle as bus or blacklisted
// non-bus transit, by a case-insensitive prefix match of its type ID.
func (s *Store) loadVehicles(path string, busTypePrefix string) error {
	raw, err := readXMLFile(path)
	if err != nil {
		return fmt.Errorf("metadata: reading transit vehicles %s: %w", path, err)
	}

	var doc xmlVehicleDefinitions
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("metadata: parsing transit vehicles %s: %w", path, err)
	}

	prefix := strings.ToLower(busTypePrefix)
	busTypes := map[string]bool{}
	for _, t := range doc.Types {
		if t.ID != "" && strings.HasPrefix(strings.ToLower(t.ID), prefix) {
			busTypes[t.ID] = true
		}
	}

	for _, v := range doc.Vehicles {
		switch {
		case busTypes[v.Type], v.Type != "" && strings.HasPrefix(strings.ToLower(v.Type), prefix):
			s.BusVehicles[v.ID] = true
		default:
			s.Blacklist[v.ID] = true
		}
	}

	return nil
}
