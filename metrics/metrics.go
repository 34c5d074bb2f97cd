// Package metrics implements the metric processor (C4): it aggregates
// link and stop records into a per-link table (vehicle flow, average
// speed, excess wait time, load factor), propagates excess wait time to
// links without stops, and splits the result into filtered and outlier
// tables.
package metrics

import (
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/metadata"
	"github.com/transitlos/losctl/model"
)

const tripBoundaryGapSeconds = 60.0

// LinkMetrics is one row of the enriched per-link table produced by C4
// (spec §4.4's field list).
type LinkMetrics struct {
	LinkID       string
	Length       float64
	BusFrequency float64

	VehFlow     float64
	AvgSpeed    float64
	AvgBusSpeed float64
	HasBusSpeed bool

	AvgLoadFactor float64
	HasLoadFactor bool
	EWT           float64
	HasEWT        bool

	AvgBusSpeedPerLine   map[string]float64
	AvgLoadFactorPerLine map[string]float64
	EWTPerLine           map[string]float64
}

type linkLine struct {
	link string
	line string
}

// Process runs the full C4 pipeline. linkRecords and stopRecords are the
// two record streams emitted by the event extractor; meta is the
// immutable metadata built by C1.
func Process(cfg *config.Config, meta *metadata.Store, linkRecords []model.LinkRecord, stopRecords []model.StopRecord) (filtered, outlier []LinkMetrics, err error) {
	flow := computeVehFlowAndSpeed(linkRecords)
	loadFactor, loadFactorPerLine := computeLoadFactor(cfg, linkRecords)
	ewtLinks, ewtLines := computeEWT(cfg, stopRecords)
	avgTripDuration := computeAvgTripDuration(linkRecords)

	propagateEWT(meta, flow.avgSpeed, avgTripDuration, ewtLinks, ewtLines)

	linkIDs := make([]string, 0, len(meta.Links))
	for id := range meta.Links {
		linkIDs = append(linkIDs, id)
	}
	sort.Strings(linkIDs)

	rows := make([]LinkMetrics, len(linkIDs))
	var g errgroup.Group
	g.SetLimit(workerCount())

	for i, id := range linkIDs {
		i, id := i, id
		g.Go(func() error {
			rows[i] = buildRow(meta, id, flow, loadFactor, loadFactorPerLine, ewtLinks, ewtLines)
			return nil
		})
	}
	_ = g.Wait() // buildRow never errors; a nil return is always available

	for _, row := range rows {
		if row.BusFrequency > 0 {
			filtered = append(filtered, row)
		} else {
			outlier = append(outlier, row)
		}
	}

	return filtered, outlier, nil
}

func workerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

func buildRow(
	meta *metadata.Store,
	linkID string,
	flow flowTables,
	loadFactor map[string]float64,
	loadFactorPerLine map[string]float64,
	ewtLinks map[string]float64,
	ewtLines map[string]float64,
) LinkMetrics {
	link := meta.Links[linkID]
	row := LinkMetrics{
		LinkID:               linkID,
		Length:                link.Length,
		BusFrequency:          link.BusFrequency,
		VehFlow:               flow.vehFlow[linkID],
		AvgSpeed:              flow.avgSpeed[linkID],
		AvgBusSpeedPerLine:    map[string]float64{},
		AvgLoadFactorPerLine:  map[string]float64{},
		EWTPerLine:            map[string]float64{},
	}

	if v, ok := flow.avgBusSpeed[linkID]; ok {
		row.AvgBusSpeed, row.HasBusSpeed = v, true
	}
	for ll, v := range flow.avgBusSpeedPerLine {
		if ll.link == linkID {
			row.AvgBusSpeedPerLine[ll.line] = v
		}
	}

	if v, ok := loadFactor[linkID]; ok {
		row.AvgLoadFactor, row.HasLoadFactor = v, true
	}
	for key, v := range loadFactorPerLine {
		if l, ln, ok := splitLinkLineKey(key); ok && l == linkID {
			row.AvgLoadFactorPerLine[ln] = v
		}
	}

	if v, ok := ewtLinks[linkID]; ok {
		row.EWT, row.HasEWT = v, true
	}
	for key, v := range ewtLines {
		if l, ln, ok := splitLinkLineKey(key); ok && l == linkID {
			row.EWTPerLine[ln] = v
		}
	}

	return row
}

// --- vehicle flow & speed ---------------------------------------------

type flowTables struct {
	vehFlow            map[string]float64
	avgSpeed           map[string]float64
	avgBusSpeed        map[string]float64
	avgBusSpeedPerLine map[linkLine]float64
}

type hourBucket struct {
	count       int
	sumDuration float64
	sumDistance float64
}

func computeVehFlowAndSpeed(records []model.LinkRecord) flowTables {
	buckets := map[string]map[int64]*hourBucket{}

	allTotals := map[string]*durDistAcc{}
	busTotals := map[string]*durDistAcc{}
	busLineTotals := map[linkLine]*durDistAcc{}

	for _, r := range records {
		duration := r.ExitTime - r.EnterTime
		hour := int64(math.Floor(r.EnterTime / 3600.0))

		if buckets[r.LinkID] == nil {
			buckets[r.LinkID] = map[int64]*hourBucket{}
		}
		b := buckets[r.LinkID][hour]
		if b == nil {
			b = &hourBucket{}
			buckets[r.LinkID][hour] = b
		}
		b.count++
		b.sumDuration += duration
		b.sumDistance += r.TravelDistance

		acc(allTotals, r.LinkID, duration, r.TravelDistance)
		if r.IsBus {
			acc(busTotals, r.LinkID, duration, r.TravelDistance)
			acc2(busLineTotals, linkLine{r.LinkID, r.LineID}, duration, r.TravelDistance)
		}
	}

	out := flowTables{
		vehFlow:            map[string]float64{},
		avgSpeed:           map[string]float64{},
		avgBusSpeed:        map[string]float64{},
		avgBusSpeedPerLine: map[linkLine]float64{},
	}

	for linkID, hours := range buckets {
		var sum float64
		for _, b := range hours {
			sum += float64(b.count)
		}
		out.vehFlow[linkID] = sum / float64(len(hours))
	}
	for linkID, t := range allTotals {
		if t.duration > 0 {
			out.avgSpeed[linkID] = t.distance / t.duration
		}
	}
	for linkID, t := range busTotals {
		if t.duration > 0 {
			out.avgBusSpeed[linkID] = t.distance / t.duration
		}
	}
	for ll, t := range busLineTotals {
		if t.duration > 0 {
			out.avgBusSpeedPerLine[ll] = t.distance / t.duration
		}
	}

	return out
}

type durDistAcc struct{ duration, distance float64 }

func acc(m map[string]*durDistAcc, key string, duration, distance float64) {
	a, ok := m[key]
	if !ok {
		a = &durDistAcc{}
		m[key] = a
	}
	a.duration += duration
	a.distance += distance
}

func acc2(m map[linkLine]*durDistAcc, key linkLine, duration, distance float64) {
	a, ok := m[key]
	if !ok {
		a = &durDistAcc{}
		m[key] = a
	}
	a.duration += duration
	a.distance += distance
}

// --- excess wait time ---------------------------------------------------

type ewtAccumulator struct {
	weightedSum float64 // Σ δ·B
	weight      float64 // Σ B
	sumDelta    float64 // Σ δ, for the unweighted fallback mean
	count       int
}

func (a *ewtAccumulator) add(delta float64, boarding int) {
	a.weightedSum += delta * float64(boarding)
	a.weight += float64(boarding)
	a.sumDelta += delta
	a.count++
}

func (a *ewtAccumulator) resolve(threshold int) float64 {
	if a.weight >= float64(threshold) {
		return a.weightedSum / a.weight
	}
	return a.sumDelta / float64(a.count)
}

// computeEWT implements the weighted/fallback estimator of §4.4 for
// both the per-link and per-(link,line) groupings.
func computeEWT(cfg *config.Config, stopRecords []model.StopRecord) (map[string]float64, map[string]float64) {
	byLink := map[string]*ewtAccumulator{}
	byLinkLine := map[string]*ewtAccumulator{}

	for _, r := range stopRecords {
		linkAcc, ok := byLink[r.LinkID]
		if !ok {
			linkAcc = &ewtAccumulator{}
			byLink[r.LinkID] = linkAcc
		}
		linkAcc.add(r.ScheduleDeviation, r.Boarding)

		key := linkLineKey(r.LinkID, r.LineID)
		llAcc, ok := byLinkLine[key]
		if !ok {
			llAcc = &ewtAccumulator{}
			byLinkLine[key] = llAcc
		}
		llAcc.add(r.ScheduleDeviation, r.Boarding)
	}

	threshold := cfg.Scoring.WaitRide.BoardingThreshold
	ewtLinks := make(map[string]float64, len(byLink))
	for link, a := range byLink {
		ewtLinks[link] = a.resolve(threshold)
	}
	ewtLines := make(map[string]float64, len(byLinkLine))
	for key, a := range byLinkLine {
		ewtLines[key] = a.resolve(threshold)
	}

	return ewtLinks, ewtLines
}

// --- load factor ---------------------------------------------------------

type loadFactorAccumulator struct {
	totalPax     float64
	weightedLF   float64
	paxSeconds   float64
	sumInstantLF float64
	count        int
}

func (a *loadFactorAccumulator) add(instantLF, load, paxSeconds float64) {
	a.totalPax += load
	a.weightedLF += instantLF * paxSeconds
	a.paxSeconds += paxSeconds
	a.sumInstantLF += instantLF
	a.count++
}

func (a *loadFactorAccumulator) resolve(threshold int) float64 {
	if a.totalPax >= float64(threshold) && a.paxSeconds > 0 {
		return a.weightedLF / a.paxSeconds
	}
	return a.sumInstantLF / float64(a.count)
}

func computeLoadFactor(cfg *config.Config, records []model.LinkRecord) (map[string]float64, map[string]float64) {
	planCapacity := float64(cfg.Bus.Seating) + cfg.Bus.CapHeadroom*float64(cfg.Bus.Standing)

	byLink := map[string]*loadFactorAccumulator{}
	byLinkLine := map[string]*loadFactorAccumulator{}

	for _, r := range records {
		if !r.IsBus || !r.HasLoad || planCapacity <= 0 {
			continue
		}
		duration := r.ExitTime - r.EnterTime
		load := float64(r.PassengerLoad)
		instantLF := load / planCapacity
		paxSeconds := load * duration

		linkAcc, ok := byLink[r.LinkID]
		if !ok {
			linkAcc = &loadFactorAccumulator{}
			byLink[r.LinkID] = linkAcc
		}
		linkAcc.add(instantLF, load, paxSeconds)

		key := linkLineKey(r.LinkID, r.LineID)
		llAcc, ok := byLinkLine[key]
		if !ok {
			llAcc = &loadFactorAccumulator{}
			byLinkLine[key] = llAcc
		}
		llAcc.add(instantLF, load, paxSeconds)
	}

	threshold := cfg.Scoring.WaitRide.TotalLoadThreshold
	lf := make(map[string]float64, len(byLink))
	for link, a := range byLink {
		lf[link] = a.resolve(threshold)
	}
	lfPerLine := make(map[string]float64, len(byLinkLine))
	for key, a := range byLinkLine {
		lfPerLine[key] = a.resolve(threshold)
	}

	return lf, lfPerLine
}

// --- trip-boundary average travel time -----------------------------------

// computeAvgTripDuration groups bus link records by (vehicle, link),
// splits them into trips wherever the enter_time gap exceeds
// tripBoundaryGapSeconds, sums duration per trip, then
// averages total trip duration over (link, line).
func computeAvgTripDuration(records []model.LinkRecord) map[string]float64 {
	type vehicleLink struct{ vehicle, link string }
	grouped := map[vehicleLink][]model.LinkRecord{}

	for _, r := range records {
		if !r.IsBus {
			continue
		}
		key := vehicleLink{r.VehicleID, r.LinkID}
		grouped[key] = append(grouped[key], r)
	}

	type tripDurations struct {
		sum   float64
		count int
	}
	perLinkLine := map[string]*tripDurations{}

	for _, recs := range grouped {
		sort.Slice(recs, func(i, j int) bool { return recs[i].EnterTime < recs[j].EnterTime })

		var tripDuration float64
		var tripStarted bool
		var lastEnter float64
		var tripLine string

		flush := func() {
			if !tripStarted {
				return
			}
			key := linkLineKey(recs[0].LinkID, tripLine)
			t, ok := perLinkLine[key]
			if !ok {
				t = &tripDurations{}
				perLinkLine[key] = t
			}
			t.sum += tripDuration
			t.count++
		}

		for i, r := range recs {
			if i > 0 && r.EnterTime-lastEnter > tripBoundaryGapSeconds {
				flush()
				tripDuration = 0
				tripStarted = false
			}
			tripDuration += r.ExitTime - r.EnterTime
			tripStarted = true
			tripLine = r.LineID
			lastEnter = r.EnterTime
		}
		flush()
	}

	avg := make(map[string]float64, len(perLinkLine))
	for key, t := range perLinkLine {
		if t.count > 0 {
			avg[key] = t.sum / float64(t.count)
		}
	}
	return avg
}

// --- EWT propagation -------------------------------------------------------

// propagateEWT implements §4.4's backward-copy / forward-delta sweep
// over every route of every line, mutating ewtLinks/ewtLines in place.
func propagateEWT(meta *metadata.Store, avgSpeed, avgTripDuration, ewtLinks, ewtLines map[string]float64) {
	lineIDs := make([]string, 0, len(meta.Lines))
	for id := range meta.Lines {
		lineIDs = append(lineIDs, id)
	}
	sort.Strings(lineIDs)

	for _, lineID := range lineIDs {
		for _, route := range meta.Lines[lineID].Routes {
			propagateRoute(meta, lineID, route.LinkIDs, avgSpeed, avgTripDuration, ewtLinks, ewtLines)
		}
	}
}

func propagateRoute(meta *metadata.Store, lineID string, linkIDs []string, avgSpeed, avgTripDuration, ewtLinks, ewtLines map[string]float64) {
	firstMeasured := -1
	for i, id := range linkIDs {
		if _, ok := ewtLinks[id]; ok {
			firstMeasured = i
			break
		}
	}
	if firstMeasured == -1 {
		return
	}

	seedEWT := ewtLinks[linkIDs[firstMeasured]]
	seedLineEWT, hasSeedLine := ewtLines[linkLineKey(linkIDs[firstMeasured], lineID)]
	if !hasSeedLine {
		seedLineEWT = seedEWT
	}

	// Backward sweep: fixed copy of the seed values, no accumulation.
	for i := firstMeasured - 1; i >= 0; i-- {
		id := linkIDs[i]
		link := meta.Links[id]
		if link == nil || link.BusFrequency <= 0 {
			continue
		}
		if _, ok := ewtLinks[id]; ok {
			continue
		}
		ewtLinks[id] = seedEWT
		key := linkLineKey(id, lineID)
		if _, ok := ewtLines[key]; !ok {
			ewtLines[key] = seedLineEWT
		}
	}

	// Forward sweep: running estimate with delay-delta accumulation.
	cur := seedEWT
	curLine := seedLineEWT
	for i := firstMeasured + 1; i < len(linkIDs); i++ {
		id := linkIDs[i]

		if v, ok := ewtLinks[id]; ok {
			cur = v
			if lv, ok := ewtLines[linkLineKey(id, lineID)]; ok {
				curLine = lv
			} else {
				curLine = v
			}
			continue
		}

		link := meta.Links[id]
		if link == nil || link.BusFrequency <= 0 {
			continue
		}

		var delta float64
		refSpeed, hasSpeed := avgSpeed[id]
		actual, hasActual := avgTripDuration[linkLineKey(id, lineID)]
		if hasSpeed && refSpeed > 0 && link.Length > 0 && hasActual {
			expected := link.Length / refSpeed
			delta = actual - expected
		}

		cur += delta
		curLine += delta

		ewtLinks[id] = cur
		ewtLines[linkLineKey(id, lineID)] = curLine
	}
}

func linkLineKey(link, line string) string {
	return link + "\x00" + line
}

func splitLinkLineKey(key string) (link, line string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
