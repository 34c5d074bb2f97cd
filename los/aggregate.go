package los

import (
	"fmt"

	"github.com/transitlos/losctl/config"
	"github.com/transitlos/losctl/metrics"
	"github.com/transitlos/losctl/model"
)

// linkWeightSums holds the raw per-link sums the four aggregation
// modes of §4.5 are built from: total vehicle-time on the link, total
// bus plan-capacity-seconds, and total passenger-seconds.
type linkWeightSums struct {
	sumDuration            float64
	sumPlanCapacitySeconds float64
	sumPaxSeconds          float64
}

// computeLinkWeightSums derives the three raw sums from the link
// record stream: duration is summed across every vehicle, while
// plan-capacity-seconds and passenger-seconds are bus-only (plan
// capacity and passenger load are undefined for non-bus vehicles).
func computeLinkWeightSums(cfg *config.Config, records []model.LinkRecord) map[string]*linkWeightSums {
	planCapacity := float64(cfg.Bus.Seating) + cfg.Bus.CapHeadroom*float64(cfg.Bus.Standing)

	out := map[string]*linkWeightSums{}
	get := func(link string) *linkWeightSums {
		w, ok := out[link]
		if !ok {
			w = &linkWeightSums{}
			out[link] = w
		}
		return w
	}

	for _, r := range records {
		duration := r.ExitTime - r.EnterTime
		w := get(r.LinkID)
		w.sumDuration += duration

		if r.IsBus && r.HasLoad {
			w.sumPlanCapacitySeconds += planCapacity * duration
			w.sumPaxSeconds += float64(r.PassengerLoad) * duration
		}
	}

	return out
}

// Aggregate computes one system-wide scalar over the per-link LOS
// table (scores must be the per-link table, i.e. every row has
// LineID == "") under one of the four weighting modes of §4.5.
func Aggregate(cfg *config.Config, mode AggregationMode, scores []Score, rows []metrics.LinkMetrics, linkRecords []model.LinkRecord) (float64, error) {
	length := make(map[string]float64, len(rows))
	for _, r := range rows {
		length[r.LinkID] = r.Length
	}
	weights := computeLinkWeightSums(cfg, linkRecords)

	var sumWeighted, sumWeight float64
	for _, s := range scores {
		w, ok := weights[s.LinkID]
		if !ok {
			w = &linkWeightSums{}
		}
		l := length[s.LinkID]

		var weight float64
		switch mode {
		case ModeOperatorVehTime:
			weight = w.sumDuration
		case ModeOperatorLoad:
			weight = l * w.sumPlanCapacitySeconds
		case ModePassengerTime:
			weight = w.sumPaxSeconds
		case ModePassengerTrip:
			if w.sumDuration > 0 {
				weight = l * (w.sumPaxSeconds / w.sumDuration)
			}
		default:
			return 0, fmt.Errorf("los: unknown aggregation mode %q", mode)
		}

		sumWeighted += weight * s.LOS
		sumWeight += weight
	}

	if sumWeight == 0 {
		return 0, nil
	}
	return sumWeighted / sumWeight, nil
}
