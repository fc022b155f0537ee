package derive

import (
	"fmt"
	"math"

	"github.com/felixmachan/stravaFetch/internal/activity"
)

// ZoneKeys are the occupancy map keys, lowest zone first.
var ZoneKeys = [5]string{"z1", "z2", "z3", "z4", "z5"}

// DefaultZones are used when the athlete has no configured HR zones.
var DefaultZones = []activity.HRZone{
	{Min: 0, Max: 119},
	{Min: 120, Max: 139},
	{Min: 140, Max: 159},
	{Min: 160, Max: 174},
	{Min: 175, Max: activity.OpenZoneMax},
}

// ZoneSeconds converts occupancy percentages into seconds of moving time.
// Each zone is rounded independently, so the sum may differ from movingTimeS
// by a couple of seconds.
func ZoneSeconds(movingTimeS int64, percent map[string]float64) map[string]int64 {
	out := make(map[string]int64, len(ZoneKeys))
	for _, k := range ZoneKeys {
		out[k] = int64(math.Round(float64(movingTimeS) * percent[k] / 100))
	}
	return out
}

// ZonePercentages buckets heart-rate samples into zones and returns the share
// of samples per zone, rounded to one decimal. A zone runs from its Min up to
// the next zone's Min, so fractional samples between integer bands still
// land somewhere. A sample below the first zone or above a closed top zone
// counts toward z5. Non-positive samples are sensor dropouts and are skipped.
func ZonePercentages(heartrate []float64, zones []activity.HRZone) map[string]float64 {
	if len(zones) == 0 {
		zones = DefaultZones
	}
	if len(zones) > len(ZoneKeys) {
		zones = zones[:len(ZoneKeys)]
	}

	var buckets [5]int
	var total int
	for _, hr := range heartrate {
		if hr <= 0 || math.IsNaN(hr) {
			continue
		}
		total++
		if i, ok := zoneIndex(hr, zones); ok {
			buckets[i]++
		} else {
			buckets[4]++
		}
	}
	if total == 0 {
		return nil
	}

	out := make(map[string]float64, len(ZoneKeys))
	for i, k := range ZoneKeys {
		out[k] = math.Round(float64(buckets[i])/float64(total)*1000) / 10
	}
	return out
}

func zoneIndex(hr float64, zones []activity.HRZone) (int, bool) {
	for i, z := range zones {
		if hr < float64(z.Min) {
			return 0, false
		}
		if i+1 < len(zones) {
			if hr < float64(zones[i+1].Min) {
				return i, true
			}
			continue
		}
		if z.Open() || hr <= float64(z.Max) {
			return i, true
		}
	}
	return 0, false
}

// ZoneLabels renders each zone as "{min}-{max} bpm", or "{min}+ bpm" for an
// open-ended zone.
func ZoneLabels(zones []activity.HRZone) map[string]string {
	if len(zones) == 0 {
		zones = DefaultZones
	}
	out := make(map[string]string, len(ZoneKeys))
	for i, z := range zones {
		if i >= len(ZoneKeys) {
			break
		}
		if z.Open() {
			out[ZoneKeys[i]] = fmt.Sprintf("%d+ bpm", z.Min)
			continue
		}
		out[ZoneKeys[i]] = fmt.Sprintf("%d-%d bpm", z.Min, z.Max)
	}
	return out
}

// RawZone is a zone as reported by the provider, with either bound possibly
// missing.
type RawZone struct {
	Min *int `json:"min"`
	Max *int `json:"max"`
}

// NormalizeZones fills gaps in provider zones: a missing min continues from
// the previous zone's max, a missing max becomes open-ended. At most five
// zones are kept.
func NormalizeZones(raw []RawZone) []activity.HRZone {
	var out []activity.HRZone
	prevMax := 0
	for i, z := range raw {
		if i >= len(ZoneKeys) {
			break
		}
		zone := activity.HRZone{Min: prevMax, Max: activity.OpenZoneMax}
		if z.Min != nil {
			zone.Min = *z.Min
		}
		if z.Max != nil {
			zone.Max = *z.Max
		}
		if !zone.Open() {
			prevMax = zone.Max + 1
		}
		out = append(out, zone)
	}
	return out
}
